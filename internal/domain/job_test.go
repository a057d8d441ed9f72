package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to Status }{
		{StatusQueued, StatusDeferred},
		{StatusQueued, StatusStarted},
		{StatusQueued, StatusCanceled},
		{StatusDeferred, StatusQueued},
		{StatusDeferred, StatusCanceled},
		{StatusStarted, StatusFinished},
		{StatusStarted, StatusFailed},
		{StatusFailed, StatusQueued},
		{StatusFinished, StatusQueued},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr.from, tr.to), "%s → %s should be legal", tr.from, tr.to)
	}

	illegal := []struct{ from, to Status }{
		{StatusCanceled, StatusStarted},
		{StatusCanceled, StatusQueued},
		{StatusQueued, StatusFinished},
		{StatusDeferred, StatusStarted},
		{StatusStarted, StatusCanceled},
		{StatusFinished, StatusStarted},
		{StatusFailed, StatusStarted},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr.from, tr.to), "%s → %s should be illegal", tr.from, tr.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusFinished.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusDeferred.Terminal())
	assert.False(t, StatusStarted.Terminal())
}

func TestParseFunctionRef(t *testing.T) {
	t.Parallel()

	ref, err := ParseFunctionRef("pipelines.etl:run_daily")
	require.NoError(t, err)
	assert.Equal(t, "pipelines.etl", ref.Module)
	assert.Equal(t, "run_daily", ref.Symbol)
	assert.Equal(t, "pipelines.etl:run_daily", ref.String())

	for _, bad := range []string{"", "no-colon", ":symbol", "module:"} {
		_, err := ParseFunctionRef(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, "input %q", bad)
	}
}

func TestJobDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"queued immediate", Job{Status: StatusQueued}, true},
		{"queued at past fire time", Job{Status: StatusQueued, ScheduledAt: &past}, true},
		{"deferred in future", Job{Status: StatusDeferred, ScheduledAt: &future}, false},
		{"deferred now due", Job{Status: StatusDeferred, ScheduledAt: &past}, true},
		{"started never due", Job{Status: StatusStarted}, false},
		{"canceled never due", Job{Status: StatusCanceled}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			job := tt.job
			assert.Equal(t, tt.want, job.Due(now))
		})
	}
}

func TestJobTTL(t *testing.T) {
	t.Parallel()

	enqueued := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	unbounded := Job{EnqueuedAt: enqueued}
	assert.Nil(t, unbounded.TTLDeadline())
	assert.False(t, unbounded.Expired(enqueued.Add(1000*time.Hour)))

	bounded := Job{EnqueuedAt: enqueued, JobTTL: time.Hour}
	require.NotNil(t, bounded.TTLDeadline())
	assert.True(t, bounded.TTLDeadline().Equal(enqueued.Add(time.Hour)))
	assert.False(t, bounded.Expired(enqueued.Add(time.Hour)))
	assert.True(t, bounded.Expired(enqueued.Add(time.Hour+time.Second)))
}

func TestResultDeadline(t *testing.T) {
	t.Parallel()

	done := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	running := Job{ResultTTL: time.Minute}
	assert.Nil(t, running.ResultDeadline())

	noTTL := Job{CompletedAt: &done}
	assert.Nil(t, noTTL.ResultDeadline())

	kept := Job{CompletedAt: &done, ResultTTL: 5 * time.Minute}
	require.NotNil(t, kept.ResultDeadline())
	assert.True(t, kept.ResultDeadline().Equal(done.Add(5*time.Minute)))
}
