package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalNext(t *testing.T) {
	t.Parallel()

	ptr := func(tm time.Time) *time.Time { return &tm }
	base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		trig  Interval
		after time.Time
		want  time.Time
		ok    bool
	}{
		{
			name:  "step accumulates components",
			trig:  Interval{Hours: 1, Minutes: 30},
			after: base,
			want:  base.Add(90 * time.Minute),
			ok:    true,
		},
		{
			name:  "weeks and days",
			trig:  Interval{Weeks: 1, Days: 2},
			after: base,
			want:  base.Add(9 * 24 * time.Hour),
			ok:    true,
		},
		{
			name:  "start pulls first fire forward",
			trig:  Interval{Minutes: 30, Start: ptr(base.Add(2 * time.Hour))},
			after: base,
			want:  base.Add(2 * time.Hour),
			ok:    true,
		},
		{
			name:  "exhausted past end",
			trig:  Interval{Hours: 2, End: ptr(base.Add(time.Hour))},
			after: base,
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

func TestIntervalValidate(t *testing.T) {
	t.Parallel()

	err := (&Interval{}).Validate()
	require.ErrorIs(t, err, ErrInvalidTrigger)

	err = (&Interval{Seconds: -5}).Validate()
	require.ErrorIs(t, err, ErrInvalidTrigger)
	assert.Contains(t, err.Error(), "seconds")
}

func TestEvery(t *testing.T) {
	t.Parallel()

	trig := Every(90 * time.Second)
	require.NoError(t, trig.Validate())
	assert.Equal(t, 90*time.Second, trig.Step())
}
