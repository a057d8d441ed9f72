package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

type schedulerHarness struct {
	clock *testClock
	store *memory.Store
	sched *Scheduler
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	clock := newTestClock()
	logger := discardLogger()
	store := memory.NewStore(memory.WithNow(clock.Now))
	broker := memory.NewBroker(logger)
	t.Cleanup(func() { _ = broker.Close() })

	desc, err := backend.New(backend.Memory)
	require.NoError(t, err)

	s := NewScheduler(desc, logger,
		WithSchedulerClients(store, broker),
		WithSchedulerNow(clock.Now),
	)
	return &schedulerHarness{clock: clock, store: store, sched: s}
}

func intervalSchedule(id string, every time.Duration, next time.Time) *domain.Schedule {
	n := next
	return &domain.Schedule{
		ID:         id,
		Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:      "default",
		Trigger:    trigger.Every(every),
		NextFireAt: &n,
		Coalesce:   domain.CoalesceLatest,
	}
}

func (h *schedulerHarness) put(t *testing.T, s *domain.Schedule) {
	t.Helper()
	require.NoError(t, h.store.PutSchedule(context.Background(), s, domain.ConflictDoNothing))
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.put(t, intervalSchedule("etl", time.Minute, now))

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, "etl", job.ScheduleID)
	assert.Equal(t, domain.FireDedupKey("etl", now), job.DedupKey)
	require.NotNil(t, job.ScheduledAt)
	assert.Equal(t, now, *job.ScheduledAt)

	sched, err := h.store.GetSchedule(ctx, "etl")
	require.NoError(t, err)
	require.NotNil(t, sched.LastFireAt)
	assert.Equal(t, now, *sched.LastFireAt)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, now.Add(time.Minute), *sched.NextFireAt)
}

func TestSchedulerSkipsPausedAndFuture(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	paused := intervalSchedule("paused", time.Minute, now)
	paused.Paused = true
	h.put(t, paused)
	h.put(t, intervalSchedule("future", time.Minute, now.Add(time.Hour)))

	h.sched.Cycle(ctx)

	for _, id := range []string{"paused", "future"} {
		jobs, err := h.store.JobsByScheduleID(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, jobs, id)
	}
}

func TestSchedulerCoalesceLatest(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	// Three missed fires plus the current one collapse into a single job
	// stamped at now.
	h.put(t, intervalSchedule("etl", time.Minute, now.Add(-3*time.Minute)))

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].ScheduledAt)
	assert.Equal(t, now, *jobs[0].ScheduledAt)
}

func TestSchedulerCoalesceEarliest(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	s := intervalSchedule("etl", time.Minute, now.Add(-3*time.Minute))
	s.Coalesce = domain.CoalesceEarliest
	h.put(t, s)

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].ScheduledAt)
	assert.Equal(t, now.Add(-3*time.Minute), *jobs[0].ScheduledAt)
}

func TestSchedulerCoalesceAll(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	s := intervalSchedule("etl", time.Minute, now.Add(-3*time.Minute))
	s.Coalesce = domain.CoalesceAll
	h.put(t, s)

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, jobs, 4, "one job per missed fire")

	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.DedupKey] = true
	}
	assert.Len(t, seen, 4, "each fire has its own dedup key")
}

func TestSchedulerMisfireGraceDropsStaleFires(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	s := intervalSchedule("etl", time.Minute, now.Add(-3*time.Minute))
	s.Coalesce = domain.CoalesceAll
	s.MisfireGrace = 90 * time.Second
	h.put(t, s)

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "only fires within the grace window run")
}

func TestSchedulerDedupSurvivesReplayedCycle(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	h.put(t, intervalSchedule("etl", time.Minute, now))
	h.sched.Cycle(ctx)

	// Crash before AdvanceSchedule: rewind the fire pointer and replay.
	rewound := now
	require.NoError(t, h.store.AdvanceSchedule(ctx, "etl", &rewound, now))
	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "replayed fire is deduplicated")
}

func TestSchedulerHonorsMaxRunningJobs(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	s := intervalSchedule("etl", time.Minute, now)
	s.MaxRunningJobs = 1
	h.put(t, s)

	require.NoError(t, h.store.PutJob(ctx, &domain.Job{
		ID:         "inflight",
		Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:      "default",
		Status:     domain.StatusQueued,
		EnqueuedAt: now.Add(-time.Minute),
		ScheduleID: "etl",
	}, false))

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "fire delayed while the cap is reached")

	sched, err := h.store.GetSchedule(ctx, "etl")
	require.NoError(t, err)
	require.NotNil(t, sched.NextFireAt)
	assert.Equal(t, now, *sched.NextFireAt, "fire pointer stays put until capacity frees")
}

func TestSchedulerRetiresExhaustedTrigger(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	runAt := now
	h.put(t, &domain.Schedule{
		ID:         "once",
		Func:       domain.FunctionRef{Module: "reports", Symbol: "send"},
		Queue:      "default",
		Trigger:    &trigger.Date{RunAt: runAt},
		NextFireAt: &runAt,
		Coalesce:   domain.CoalesceLatest,
	})

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "once")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The trigger is exhausted; the next sweep retires the schedule.
	h.sched.Cycle(ctx)
	_, err = h.store.GetSchedule(ctx, "once")
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
}

func TestSchedulerSweepOnlySkipsFiring(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()
	SweepOnly()(h.sched)

	h.put(t, intervalSchedule("etl", time.Minute, now))

	require.NoError(t, h.store.PutJob(ctx, &domain.Job{
		ID:         "stale",
		Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:      "default",
		Status:     domain.StatusQueued,
		EnqueuedAt: now.Add(-2 * time.Hour),
		JobTTL:     time.Hour,
	}, false))

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	assert.Empty(t, jobs, "sweep-only cycles never fire schedules")

	_, err = h.store.GetJob(ctx, "stale")
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "expired job swept")
}

func TestSchedulerJitterStaysWithinBound(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	s := intervalSchedule("etl", time.Minute, now)
	s.MaxJitter = 10 * time.Second
	h.put(t, s)

	h.sched.Cycle(ctx)

	jobs, err := h.store.JobsByScheduleID(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].ScheduledAt)
	at := *jobs[0].ScheduledAt
	assert.False(t, at.Before(now), "jitter never fires early")
	assert.True(t, at.Before(now.Add(10*time.Second)), "jitter bounded by max")
}

func TestMissedFiresTruncation(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	next := now.Add(-time.Duration(maxBackfill+50) * time.Second)
	s := intervalSchedule("etl", time.Second, next)

	fires, truncated := missedFires(s, now)
	assert.True(t, truncated)
	assert.Len(t, fires, maxBackfill)
}

func TestSchedulerDueBatchBoundsCycle(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	WithDueBatch(2)(h.sched)
	ctx := context.Background()
	now := h.clock.Now()

	ids := []string{"etl-a", "etl-b", "etl-c"}
	for _, id := range ids {
		h.put(t, intervalSchedule(id, time.Minute, now))
	}

	fired := func() int {
		n := 0
		for _, id := range ids {
			jobs, err := h.store.JobsByScheduleID(ctx, id)
			require.NoError(t, err)
			n += len(jobs)
		}
		return n
	}

	h.sched.Cycle(ctx)
	assert.Equal(t, 2, fired(), "one cycle fires at most the due batch")

	// The fired schedules advanced past now, so the next cycle picks up
	// the one left behind.
	h.sched.Cycle(ctx)
	assert.Equal(t, 3, fired())
}

func TestSchedulerStartLoopFires(t *testing.T) {
	t.Parallel()
	h := newSchedulerHarness(t)
	WithSchedulerInterval(5 * time.Millisecond)(h.sched)

	h.put(t, intervalSchedule("etl", time.Minute, h.clock.Now()))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Start(runCtx) }()

	require.Eventually(t, func() bool {
		jobs, err := h.store.JobsByScheduleID(context.Background(), "etl")
		return err == nil && len(jobs) == 1
	}, 5*time.Second, 10*time.Millisecond, "the loop should materialize the due fire")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
