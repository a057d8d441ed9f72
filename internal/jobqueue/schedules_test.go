package jobqueue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

func TestAddScheduleDefaults(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "pipelines.etl:run", id)

	sched, err := h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "default", sched.Queue)
	assert.Equal(t, domain.CoalesceLatest, sched.Coalesce)
	assert.Equal(t, DefaultResultTTL, sched.ResultTTL)
	assert.Equal(t, domain.ExecutorThreadPool, sched.Executor)
	assert.False(t, sched.Paused)
	require.NotNil(t, sched.NextFireAt)
	assert.True(t, sched.NextFireAt.Equal(h.clock.Now().Add(time.Minute)))
}

func TestAddScheduleAutoID(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	for _, want := range []string{"pipelines.etl:run", "pipelines.etl:run-1", "pipelines.etl:run-2"} {
		id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	// Overwriting adds reuse the first successor instead of minting more.
	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Hour),
		WithConflictPolicy(domain.ConflictReplace))
	require.NoError(t, err)
	assert.Equal(t, "pipelines.etl:run-1", id)

	scheds, err := h.mgr.GetSchedules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, scheds, 3)
}

func TestAddScheduleTriggerSources(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	_, err := h.mgr.AddSchedule(ctx, "reports.daily:run", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.mgr.AddSchedule(ctx, "reports.daily:run", trigger.Every(time.Minute), WithCron("* * * * *"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.mgr.AddSchedule(ctx, "reports.daily:run", nil, WithCron("not a cron"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	id, err := h.mgr.AddSchedule(ctx, "reports.daily:run", nil, WithCron("*/15 * * * *"))
	require.NoError(t, err)
	sched, err := h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cron", sched.Trigger.Kind())
	assert.True(t, sched.NextFireAt.Equal(h.clock.Now().Add(15*time.Minute)))

	id, err = h.mgr.AddSchedule(ctx, "reports.hourly:run", nil, WithInterval(30*time.Second))
	require.NoError(t, err)
	sched, err = h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "interval", sched.Trigger.Kind())
	assert.True(t, sched.NextFireAt.Equal(h.clock.Now().Add(30*time.Second)))

	id, err = h.mgr.AddSchedule(ctx, "reports.once:run", nil, WithRunDate(h.clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	sched, err = h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "date", sched.Trigger.Kind())
	assert.True(t, sched.NextFireAt.Equal(h.clock.Now().Add(time.Hour)))
}

func TestAddSchedulePastDateRejected(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	_, err := h.mgr.AddSchedule(context.Background(), "reports.once:run", nil,
		WithRunDate(h.clock.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.ErrorContains(t, err, "no future fire")
}

func TestAddScheduleAppliesManagerDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true, nil, WithScheduleDefaults(ScheduleDefaults{
		Coalesce:     domain.CoalesceAll,
		MisfireGrace: time.Minute,
		MaxJitter:    2 * time.Second,
	}))
	ctx := context.Background()

	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
	require.NoError(t, err)
	sched, err := h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CoalesceAll, sched.Coalesce)
	assert.Equal(t, time.Minute, sched.MisfireGrace)
	assert.Equal(t, 2*time.Second, sched.MaxJitter)

	// Explicit choices beat the project defaults, zero included.
	id, err = h.mgr.AddSchedule(ctx, "pipelines.sync:run", trigger.Every(time.Minute),
		WithCoalesce(domain.CoalesceEarliest), WithMisfireGrace(0))
	require.NoError(t, err)
	sched, err = h.mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CoalesceEarliest, sched.Coalesce)
	assert.Zero(t, sched.MisfireGrace)
	assert.Equal(t, 2*time.Second, sched.MaxJitter)
}

func TestSchedulePauseResume(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	a, err := h.mgr.AddSchedule(ctx, "pipelines.a:run", trigger.Every(time.Minute))
	require.NoError(t, err)
	b, err := h.mgr.AddSchedule(ctx, "pipelines.b:run", trigger.Every(time.Minute))
	require.NoError(t, err)

	ok, err := h.mgr.PauseSchedule(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	sched, err := h.mgr.GetSchedule(ctx, a)
	require.NoError(t, err)
	assert.True(t, sched.Paused)

	ok, err = h.mgr.PauseSchedule(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := h.mgr.PauseAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the still-running schedule flips")

	n, err = h.mgr.ResumeAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sched, err = h.mgr.GetSchedule(ctx, b)
	require.NoError(t, err)
	assert.False(t, sched.Paused)
}

func TestCancelScheduleLeavesJobs(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
	require.NoError(t, err)
	seedScheduleJob(t, h, "j1", id, domain.StatusQueued, nil)

	ok, err := h.mgr.CancelSchedule(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.mgr.GetSchedule(ctx, id)
	require.ErrorIs(t, err, domain.ErrScheduleNotFound)

	job, err := h.mgr.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, job.Status, "materialized jobs run out")

	ok, err = h.mgr.CancelSchedule(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteSchedulePurgesUnfinishedJobs(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
	require.NoError(t, err)
	seedScheduleJob(t, h, "pending", id, domain.StatusQueued, nil)
	payload, err := domain.EncodeResult("kept")
	require.NoError(t, err)
	seedScheduleJob(t, h, "settled", id, domain.StatusFinished, payload)

	ok, err := h.mgr.DeleteSchedule(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.mgr.GetJob(ctx, "pending")
	require.ErrorIs(t, err, domain.ErrJobNotFound)

	job, err := h.mgr.GetJob(ctx, "settled")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, job.Status, "settled jobs and their results stay")
}

func TestScheduleResultsSelectors(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)
	ctx := context.Background()

	id, err := h.mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute),
		WithScheduleID("etl"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		payload, err := domain.EncodeResult(10 + i)
		require.NoError(t, err)
		seedScheduleJob(t, h, fmt.Sprintf("run-%d", i), id, domain.StatusFinished, payload)
	}
	// Failed runs never contribute results.
	seedScheduleJob(t, h, "run-bad", id, domain.StatusFailed, nil)

	cases := []struct {
		selector string
		want     []any
	}{
		{"all", []any{float64(10), float64(11), float64(12), float64(13)}},
		{"latest", []any{float64(13)}},
		{"earliest", []any{float64(10)}},
		{"2", []any{float64(12)}},
		{"1:3", []any{float64(11), float64(12)}},
		{"0,3", []any{float64(10), float64(13)}},
	}
	for _, tc := range cases {
		got, err := h.mgr.ScheduleResults(ctx, id, tc.selector)
		require.NoError(t, err, "selector %q", tc.selector)
		assert.Equal(t, tc.want, got, "selector %q", tc.selector)
	}

	for _, selector := range []string{"9", "x", "3:1", "1:9", "0,9"} {
		_, err := h.mgr.ScheduleResults(ctx, id, selector)
		require.ErrorIs(t, err, domain.ErrInvalidArgument, "selector %q", selector)
	}

	empty, err := h.mgr.ScheduleResults(ctx, "ghost", "all")
	require.NoError(t, err)
	assert.Empty(t, empty)
	_, err = h.mgr.ScheduleResults(ctx, "ghost", "latest")
	require.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestParseResultSelector(t *testing.T) {
	t.Parallel()

	got, err := parseResultSelector("", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	got, err = parseResultSelector("1:1", 3)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = parseResultSelector("0:3", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	got, err = parseResultSelector(" 1 , 2 ", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	for _, selector := range []string{"-1", ":", "2:", ":2", "1:0"} {
		_, err = parseResultSelector(selector, 3)
		require.ErrorIs(t, err, domain.ErrInvalidArgument, "selector %q", selector)
	}
}

func TestQueueBrokerRoleGatesSchedules(t *testing.T) {
	t.Parallel()
	logger := discardLogger()
	ctx := context.Background()
	store := memory.NewStore()
	broker := memory.NewBroker(logger)
	t.Cleanup(func() { _ = broker.Close() })

	desc, err := backend.New(backend.Redis, backend.WithQueues("default"))
	require.NoError(t, err)
	mgr, err := New(ctx, RoleRedisQueue, desc, logger, WithClients(store, broker))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	assert.False(t, mgr.Supports(OpAddSchedule))
	assert.False(t, mgr.Supports(OpPauseSchedule))
	assert.False(t, mgr.Supports(OpQuerySchedules))

	_, err = mgr.AddSchedule(ctx, "pipelines.etl:run", trigger.Every(time.Minute))
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	ok, err := mgr.PauseSchedule(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := mgr.DeleteAllSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Job traffic is unaffected by the role gate.
	id, err := mgr.AddJob(ctx, "math:add")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

// seedScheduleJob plants a job record as the scheduler would have left it.
func seedScheduleJob(t *testing.T, h *managerHarness, id, scheduleID string, status domain.Status, result []byte) {
	t.Helper()
	now := h.clock.Now()
	job := &domain.Job{
		ID:         id,
		Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:      "default",
		Status:     status,
		EnqueuedAt: now,
		ResultTTL:  time.Hour,
		Executor:   domain.ExecutorThreadPool,
		ScheduleID: scheduleID,
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	if status == domain.StatusFinished {
		job.Result = result
	}
	if status == domain.StatusFailed {
		job.Failure = "boom"
	}
	require.NoError(t, h.store.PutJob(context.Background(), job, false))
}
