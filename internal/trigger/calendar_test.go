package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarIntervalClampsMonthEnd(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	trig := CalendarInterval{Months: 1, AtHour: 9, Timezone: "UTC", StartDate: &start}
	require.NoError(t, trig.Validate())

	// The fire after January 31 lands on leap-day February 29, not March.
	after := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	got, ok := trig.Next(after)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)), "got %s", got)

	// Non-leap year clamps to February 28.
	after = time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	got, ok = trig.Next(after)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)), "got %s", got)
}

func TestCalendarIntervalNext(t *testing.T) {
	t.Parallel()

	ptr := func(tm time.Time) *time.Time { return &tm }

	tests := []struct {
		name  string
		trig  CalendarInterval
		after time.Time
		want  time.Time
		ok    bool
	}{
		{
			name:  "first fire on start date",
			trig:  CalendarInterval{Months: 1, AtHour: 9, Timezone: "UTC", StartDate: ptr(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))},
			after: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "anchors on after when no start",
			trig:  CalendarInterval{Days: 1, AtHour: 6, Timezone: "UTC"},
			after: time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "same day when clock not yet reached",
			trig:  CalendarInterval{Days: 1, AtHour: 6, Timezone: "UTC"},
			after: time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "year step",
			trig:  CalendarInterval{Years: 1, AtHour: 12, Timezone: "UTC", StartDate: ptr(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))},
			after: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name: "exhausted past end date",
			trig: CalendarInterval{
				Months: 1, Timezone: "UTC",
				StartDate: ptr(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)),
				EndDate:   ptr(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
			},
			after: time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig := tt.trig
			require.NoError(t, trig.Validate())
			got, ok := trig.Next(tt.after)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCalendarIntervalPinsLocalClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	trig := CalendarInterval{Days: 1, AtHour: 9, Timezone: "America/New_York", StartDate: &start}
	require.NoError(t, trig.Validate())

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// March 10 2024 is the spring DST transition; the fire stays at
	// 09:00 local even though the UTC offset changed overnight.
	after := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	got, ok := trig.Next(after)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 3, 10, 9, 0, 0, 0, ny)), "got %s", got)
}

func TestCalendarIntervalValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		trig CalendarInterval
	}{
		{"no date unit", CalendarInterval{AtHour: 9}},
		{"negative months", CalendarInterval{Months: -1}},
		{"hour out of range", CalendarInterval{Days: 1, AtHour: 24}},
		{"unknown timezone", CalendarInterval{Days: 1, Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig := tt.trig
			require.ErrorIs(t, trig.Validate(), ErrInvalidTrigger)
		})
	}
}
