package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateFiresOnce(t *testing.T) {
	t.Parallel()

	runAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	trig := Date{RunAt: runAt}
	require.NoError(t, trig.Validate())

	got, ok := trig.Next(runAt.Add(-time.Hour))
	require.True(t, ok)
	assert.True(t, got.Equal(runAt))

	_, ok = trig.Next(runAt)
	assert.False(t, ok, "a date trigger must not fire twice")

	_, ok = trig.Next(runAt.Add(time.Minute))
	assert.False(t, ok)
}

func TestDateValidate(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, (&Date{}).Validate(), ErrInvalidTrigger)
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	runAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		trig Trigger
	}{
		{"cron", &Cron{Expr: "*/5 * * * *", Timezone: "UTC"}},
		{"interval", &Interval{Hours: 1, Minutes: 30}},
		{"calendar", &CalendarInterval{Months: 1, AtHour: 9, Timezone: "UTC", StartDate: &start}},
		{"date", &Date{RunAt: runAt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := Marshal(tt.trig)
			require.NoError(t, err)

			back, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.trig.Kind(), back.Kind())

			// Both compute the same fire from the same instant.
			after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			wantNext, wantOK := tt.trig.Next(after)
			gotNext, gotOK := back.Next(after)
			require.Equal(t, wantOK, gotOK)
			assert.True(t, gotNext.Equal(wantNext), "got %s, want %s", gotNext, wantNext)
		})
	}
}

func TestUnmarshalRejectsUnknownCode(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"trigger_kind":99,"trigger":{}}`))
	require.ErrorIs(t, err, ErrInvalidTrigger)
}

func TestUnmarshalValidates(t *testing.T) {
	t.Parallel()

	data, err := Marshal(&Interval{Hours: 1})
	require.NoError(t, err)

	// Corrupt the payload into an invalid trigger.
	corrupted := []byte(`{"trigger_kind":2,"trigger":{"hours":-1}}`)
	_, err = Unmarshal(corrupted)
	require.ErrorIs(t, err, ErrInvalidTrigger)

	_, err = Unmarshal(data)
	require.NoError(t, err)
}
