package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   string
		fields map[string]any
		check  func(t *testing.T, trig Trigger)
	}{
		{
			name:   "cron from crontab string",
			kind:   KindCron,
			fields: map[string]any{"crontab": "0 9 * * mon", "timezone": "UTC"},
			check: func(t *testing.T, trig Trigger) {
				c, ok := trig.(*Cron)
				require.True(t, ok)
				assert.Equal(t, "0 9 * * mon", c.Expr)
			},
		},
		{
			name:   "cron from fields",
			kind:   KindCron,
			fields: map[string]any{"minute": "30", "hour": "8"},
			check: func(t *testing.T, trig Trigger) {
				c, ok := trig.(*Cron)
				require.True(t, ok)
				assert.Equal(t, "30", c.Minute)
				assert.Equal(t, "8", c.Hour)
			},
		},
		{
			name: "interval with json numbers",
			kind: KindInterval,
			fields: map[string]any{
				"hours":   float64(1),
				"minutes": float64(30),
			},
			check: func(t *testing.T, trig Trigger) {
				iv, ok := trig.(*Interval)
				require.True(t, ok)
				assert.Equal(t, 90*time.Minute, iv.Step())
			},
		},
		{
			name: "calendar with string dates",
			kind: KindCalendarInterval,
			fields: map[string]any{
				"months":     1,
				"at_hour":    9,
				"timezone":   "UTC",
				"start_date": "2024-01-31T00:00:00Z",
			},
			check: func(t *testing.T, trig Trigger) {
				c, ok := trig.(*CalendarInterval)
				require.True(t, ok)
				require.NotNil(t, c.StartDate)
				assert.Equal(t, 2024, c.StartDate.Year())
			},
		},
		{
			name:   "date",
			kind:   KindDate,
			fields: map[string]any{"run_at": "2024-06-01T12:00:00Z"},
			check: func(t *testing.T, trig Trigger) {
				d, ok := trig.(*Date)
				require.True(t, ok)
				assert.Equal(t, 12, d.RunAt.Hour())
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig, err := Parse(tt.kind, tt.fields)
			require.NoError(t, err)
			tt.check(t, trig)
		})
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()

	_, err := Parse(KindInterval, map[string]any{"hours": 1, "fortnights": 2})
	require.ErrorIs(t, err, ErrInvalidTriggerField)
	assert.Contains(t, err.Error(), "fortnights")
}

func TestParseRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Parse("lunar", map[string]any{})
	require.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestParseRejectsWrongValueType(t *testing.T) {
	t.Parallel()

	_, err := Parse(KindInterval, map[string]any{"hours": "one"})
	require.ErrorIs(t, err, ErrInvalidTriggerField)

	_, err = Parse(KindInterval, map[string]any{"hours": 1.5})
	require.ErrorIs(t, err, ErrInvalidTriggerField)
}
