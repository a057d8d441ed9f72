package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure"
	"github.com/flowerpower-dev/flowerpower/internal/jobctx"
	"github.com/flowerpower-dev/flowerpower/internal/metrics"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

const (
	// DefaultDueBatch bounds how many schedules one cycle fires.
	DefaultDueBatch = 100

	// maxBackfill caps the missed fires one recovery cycle walks. A
	// schedule that was down longer materializes in chunks across cycles.
	maxBackfill = 1000
)

type SchedulerOption func(*Scheduler)

// WithSchedulerClients injects the store and broker instead of opening
// fresh ones from the descriptor.
func WithSchedulerClients(store repository.Store, events repository.EventBroker) SchedulerOption {
	return func(s *Scheduler) {
		s.store = store
		s.events = events
	}
}

// WithSchedulerNow injects the clock driving due checks and fire stamps.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

func WithDueBatch(n int) SchedulerOption {
	return func(s *Scheduler) { s.batch = n }
}

// SweepOnly restricts the loop to expiry sweeping. Worker-only processes
// run this so leases and TTLs are still reclaimed without a scheduler.
func SweepOnly() SchedulerOption {
	return func(s *Scheduler) { s.sweepOnly = true }
}

// Scheduler materializes jobs from due schedules and runs the expiry
// sweep. One instance per deployment is enough; the fire dedup keys keep a
// second instance (or a crash-restart overlap) from double-firing.
type Scheduler struct {
	desc        *backend.Descriptor
	store       repository.Store
	events      repository.EventBroker
	logger      *slog.Logger
	interval    time.Duration
	batch       int
	sweepOnly   bool
	ownsClients bool
	now         func() time.Time

	noSchedulesOnce sync.Once
}

func NewScheduler(desc *backend.Descriptor, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		desc:     desc,
		interval: desc.CleanupInterval,
		batch:    DefaultDueBatch,
		now:      time.Now,
	}
	if s.interval <= 0 {
		s.interval = backend.DefaultCleanupInterval
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With("component", "scheduler")
	return s
}

// Start runs sweep-and-fire cycles until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil {
		store, err := infrastructure.OpenStore(ctx, s.desc, s.logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		events, err := infrastructure.OpenBroker(ctx, s.desc, s.logger, store)
		if err != nil {
			store.Close()
			return fmt.Errorf("open broker: %w", err)
		}
		s.store = store
		s.events = events
		s.ownsClients = true
	}
	defer s.closeClients()

	s.logger.Info("scheduler started", "interval", s.interval, "sweep_only", s.sweepOnly)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shut down")
			return nil
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

func (s *Scheduler) closeClients() {
	if !s.ownsClients {
		return
	}
	if err := s.events.Close(); err != nil {
		s.logger.Warn("close broker", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}

// Cycle runs one sweep plus one firing pass. Exported so tests and the
// manager can drive the scheduler without the ticker.
func (s *Scheduler) Cycle(ctx context.Context) {
	now := s.now()
	s.sweep(ctx, now)
	if s.sweepOnly {
		return
	}

	due, err := s.store.DueSchedules(ctx, now, s.batch)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedOperation) {
			// Queue-broker backends host no schedules; keep sweeping.
			s.noSchedulesOnce.Do(func() {
				s.logger.Info("backend hosts no schedules, scheduler reduced to sweeping")
			})
			return
		}
		s.logger.Error("list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("fire schedule", "schedule_id", sched.ID, "error", err)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	started := time.Now()
	result, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("sweep expired", "error", err)
		return
	}
	metrics.SweepCycleDuration.Observe(time.Since(started).Seconds())
	if result.Evicted > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("evicted").Add(float64(result.Evicted))
	}
	if result.Requeued > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("requeued").Add(float64(result.Requeued))
	}
	if result.Exhausted > 0 {
		metrics.SweepReclaimedTotal.WithLabelValues("exhausted").Add(float64(result.Exhausted))
	}
	if result.Evicted+result.Requeued+result.Exhausted > 0 {
		s.logger.Debug("sweep finished",
			"evicted", result.Evicted,
			"requeued", result.Requeued,
			"exhausted", result.Exhausted,
		)
	}
}

// firing pairs the fire instant identifying the job (dedup) with the
// instant it should actually run (after coalescing and jitter).
type firing struct {
	key time.Time
	at  time.Time
}

func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	if sched.NextFireAt == nil {
		return nil
	}

	if sched.MaxRunningJobs > 0 {
		running, err := s.store.RunningJobCountBySchedule(ctx, sched.ID)
		if err != nil {
			return fmt.Errorf("count running jobs: %w", err)
		}
		if running >= sched.MaxRunningJobs {
			// Not advanced: the fire happens once capacity frees up.
			s.logger.Debug("schedule at max running jobs, fire delayed",
				"schedule_id", sched.ID, "running", running, "max", sched.MaxRunningJobs)
			return nil
		}
	}

	missed, truncated := missedFires(sched, now)
	within := missed[:0:len(missed)]
	for _, t := range missed {
		if sched.MisfireGrace <= 0 || now.Sub(t) <= sched.MisfireGrace {
			within = append(within, t)
		}
	}
	if dropped := len(missed) - len(within); dropped > 0 {
		metrics.ScheduleMisfiresTotal.Add(float64(dropped))
		s.logger.Warn("schedule misfires discarded",
			"schedule_id", sched.ID, "dropped", dropped, "misfire_grace", sched.MisfireGrace)
	}

	var firings []firing
	switch sched.Coalesce {
	case domain.CoalesceEarliest:
		if len(within) > 0 {
			firings = []firing{{key: within[0], at: within[0]}}
		}
	case domain.CoalesceAll:
		for _, t := range within {
			firings = append(firings, firing{key: t, at: t})
		}
	default: // latest
		if len(within) > 0 {
			firings = []firing{{key: within[len(within)-1], at: now}}
		}
	}

	for i := range firings {
		if sched.MaxJitter > 0 {
			firings[i].at = firings[i].at.Add(time.Duration(rand.Int63n(int64(sched.MaxJitter))))
		}
	}

	for _, f := range firings {
		job := s.buildJob(sched, f, now)
		err := s.store.PutJob(ctx, job, false)
		if errors.Is(err, domain.ErrDuplicateJobID) {
			// A previous cycle (or a second scheduler) already
			// materialized this fire.
			s.logger.Debug("fire already materialized", "schedule_id", sched.ID, "dedup_key", job.DedupKey)
			continue
		}
		if err != nil {
			return fmt.Errorf("materialize fire: %w", err)
		}
		metrics.SchedulesFiredTotal.Inc()
		metrics.JobsEnqueuedTotal.WithLabelValues(job.Queue).Inc()
		s.publish(ctx, domain.NewEvent(domain.EventScheduleFired, sched.ID, map[string]any{
			"job_id":  job.ID,
			"queue":   job.Queue,
			"fire_at": f.at.UTC().Format(time.RFC3339Nano),
		}))
		s.publish(ctx, domain.NewEvent(domain.EventJobEnqueued, job.ID, map[string]any{
			"queue":  job.Queue,
			"reason": "schedule",
		}))
		s.logger.Info("schedule fired", "schedule_id", sched.ID, "job_id", job.ID, "fire_at", f.at)
	}

	// A truncated walk advances only past the collected chunk, so the
	// next cycle continues the recovery instead of skipping fires.
	advanceFrom := now
	if truncated {
		advanceFrom = missed[len(missed)-1]
	}
	var next *time.Time
	if n, ok := sched.Trigger.Next(advanceFrom); ok {
		next = &n
	}
	if err := s.store.AdvanceSchedule(ctx, sched.ID, next, now); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}

func (s *Scheduler) buildJob(sched *domain.Schedule, f firing, now time.Time) *domain.Job {
	queue := sched.Queue
	if queue == "" {
		queue = backend.DefaultQueue
	}
	executor := sched.Executor
	if executor == "" {
		executor = s.desc.DefaultExecutor
	}
	at := f.at
	job := &domain.Job{
		ID:          jobctx.NewID(),
		Func:        sched.Func,
		Args:        sched.Args,
		Kwargs:      sched.Kwargs,
		Queue:       queue,
		Status:      domain.StatusQueued,
		EnqueuedAt:  now,
		ScheduledAt: &at,
		ResultTTL:   sched.ResultTTL,
		Executor:    executor,
		ScheduleID:  sched.ID,
		DedupKey:    domain.FireDedupKey(sched.ID, f.key),
	}
	if at.After(now) {
		job.Status = domain.StatusDeferred
	}
	return job
}

// missedFires walks the trigger from the stored next fire through now.
// truncated reports that more fires remained past the backfill cap.
func missedFires(sched *domain.Schedule, now time.Time) (fires []time.Time, truncated bool) {
	fires = make([]time.Time, 0, 4)
	t := *sched.NextFireAt
	for !t.After(now) {
		if len(fires) == maxBackfill {
			return fires, true
		}
		fires = append(fires, t)
		next, ok := sched.Trigger.Next(t)
		if !ok {
			break
		}
		t = next
	}
	return fires, false
}

func (s *Scheduler) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("dropping event", "event_type", event.Type, "entity_id", event.EntityID, "error", err)
	}
}
