package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronNext(t *testing.T) {
	t.Parallel()

	ptr := func(tm time.Time) *time.Time { return &tm }

	tests := []struct {
		name  string
		trig  Cron
		after time.Time
		want  time.Time
		ok    bool
	}{
		{
			name:  "daily at nine",
			trig:  Cron{Expr: "0 9 * * *", Timezone: "UTC"},
			after: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "rolls to next day",
			trig:  Cron{Expr: "0 9 * * *", Timezone: "UTC"},
			after: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "weekday name",
			trig:  Cron{Expr: "0 9 * * mon", Timezone: "UTC"},
			after: time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name:  "field form",
			trig:  Cron{Minute: "30", Hour: "8", Timezone: "UTC"},
			after: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name: "start pulls first fire forward",
			trig: Cron{
				Expr: "0 9 * * *", Timezone: "UTC",
				Start: ptr(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
			},
			after: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name: "fire exactly at start is kept",
			trig: Cron{
				Expr: "0 9 * * *", Timezone: "UTC",
				Start: ptr(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)),
			},
			after: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
			ok:    true,
		},
		{
			name: "exhausted past end",
			trig: Cron{
				Expr: "0 9 * * *", Timezone: "UTC",
				End: ptr(time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)),
			},
			after: time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC),
			ok:    false,
		},
		{
			name:  "unsatisfiable lattice",
			trig:  Cron{Expr: "0 0 30 2 *", Timezone: "UTC"},
			after: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
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

func TestCronTimezone(t *testing.T) {
	t.Parallel()

	trig := Cron{Expr: "0 9 * * *", Timezone: "America/New_York"}
	require.NoError(t, trig.Validate())

	// 13:00 UTC is 08:00 in New York in January.
	after := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)
	got, ok := trig.Next(after)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)), "got %s", got)
}

func TestCronValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		trig Cron
	}{
		{"empty", Cron{}},
		{"both forms", Cron{Expr: "* * * * *", Minute: "5"}},
		{"garbage expression", Cron{Expr: "not a cron line"}},
		{"unknown timezone", Cron{Expr: "* * * * *", Timezone: "Mars/Olympus"}},
		{"end before start", Cron{
			Expr:  "* * * * *",
			Start: func() *time.Time { t := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC); return &t }(),
			End:   func() *time.Time { t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); return &t }(),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig := tt.trig
			err := trig.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTrigger)
		})
	}
}
