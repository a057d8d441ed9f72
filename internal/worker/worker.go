// Package worker runs jobs: each Worker claims one job at a time under a
// lease, resolves its function through the registry and settles the outcome
// back into the store. A Pool supervises N workers in one process and a
// Scheduler materializes jobs from due schedules.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure"
	"github.com/flowerpower-dev/flowerpower/internal/jobctx"
	"github.com/flowerpower-dev/flowerpower/internal/metrics"
	"github.com/flowerpower-dev/flowerpower/internal/registry"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLease        = 30 * time.Second

	// minHeartbeat floors the lease-renewal cadence for very short leases.
	minHeartbeat = 250 * time.Millisecond
)

type Option func(*Worker)

// WithID overrides the hostname-pid worker id. The pool uses it to give
// each of its workers a distinct acquisition identity.
func WithID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithQueues restricts the worker to the named queues, polled in order.
// Without it the worker draws from all queues.
func WithQueues(queues ...string) Option {
	return func(w *Worker) { w.queues = queues }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithLease sets the acquisition lease renewed by the heartbeat.
func WithLease(d time.Duration) Option {
	return func(w *Worker) { w.lease = d }
}

// WithClients injects the store and broker instead of opening fresh ones
// from the descriptor. The worker then does not close them on shutdown.
func WithClients(store repository.Store, events repository.EventBroker) Option {
	return func(w *Worker) {
		w.store = store
		w.events = events
	}
}

// WithRegistry points the worker at a function registry other than the
// process default.
func WithRegistry(r *registry.Registry) Option {
	return func(w *Worker) { w.registry = r }
}

// WithExecPool shares one bounded execution pool across the workers of a
// Pool. Without it the worker builds its own.
func WithExecPool(p *ExecPool) Option {
	return func(w *Worker) { w.pool = p }
}

// WithNow injects the clock used for retry and lease arithmetic.
func WithNow(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Worker claims and executes one job at a time. One job per worker id is a
// store contract: re-acquiring under the same id returns the held job, which
// is what lets a restarted worker resume instead of stranding its lease.
type Worker struct {
	id       string
	desc     *backend.Descriptor
	store    repository.Store
	events   repository.EventBroker
	registry *registry.Registry
	logger   *slog.Logger

	queues       []string
	pollInterval time.Duration
	lease        time.Duration
	pool         *ExecPool
	ownsClients  bool
	now          func() time.Time

	processPoolOnce sync.Once

	mu        sync.Mutex
	runningID string
	cancelRun context.CancelCauseFunc
}

func New(desc *backend.Descriptor, logger *slog.Logger, opts ...Option) *Worker {
	hostname, _ := os.Hostname()
	w := &Worker{
		id:           fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		desc:         desc,
		registry:     registry.Default,
		queues:       desc.Queues,
		pollInterval: DefaultPollInterval,
		lease:        DefaultLease,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pool == nil {
		w.pool = NewExecPool(desc.MaxConcurrentJobs)
	}
	w.logger = logger.With("component", "worker", "worker_id", w.id)
	return w
}

// ID returns the acquisition identity of this worker.
func (w *Worker) ID() string { return w.id }

// Start opens the backend clients if none were injected and runs the claim
// loop until ctx is canceled. A running job is given the rest of its lease
// to finish before the worker abandons it.
func (w *Worker) Start(ctx context.Context) error {
	if w.store == nil {
		store, err := infrastructure.OpenStore(ctx, w.desc, w.logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		events, err := infrastructure.OpenBroker(ctx, w.desc, w.logger, store)
		if err != nil {
			store.Close()
			return fmt.Errorf("open broker: %w", err)
		}
		w.store = store
		w.events = events
		w.ownsClients = true
	}
	defer w.closeClients()

	sub, err := w.events.Subscribe(domain.EventJobCanceled, w.onCancelEvent)
	if err != nil {
		return fmt.Errorf("subscribe cancel events: %w", err)
	}
	defer sub.Close()

	metrics.WorkerStartTime.SetToCurrentTime()
	w.logger.Info("worker started", "queues", w.queues, "lease", w.lease)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.WorkerShutdownsTotal.Inc()
			w.logger.Info("worker shut down")
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) closeClients() {
	if !w.ownsClients {
		return
	}
	if err := w.events.Close(); err != nil {
		w.logger.Warn("close broker", "error", err)
	}
	if err := w.store.Close(); err != nil {
		w.logger.Warn("close store", "error", err)
	}
}

// drain runs claimed jobs until the queues are empty or ctx ends. Running
// to empty instead of one-job-per-tick keeps a backlogged queue from being
// rationed by the poll interval.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.acquire(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("acquire job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) acquire(ctx context.Context) (*domain.Job, error) {
	if len(w.queues) == 0 {
		return w.store.AcquireNext(ctx, "", w.id, w.lease)
	}
	for _, queue := range w.queues {
		job, err := w.store.AcquireNext(ctx, queue, w.id, w.lease)
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

func (w *Worker) onCancelEvent(event domain.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runningID == event.EntityID && w.cancelRun != nil {
		w.cancelRun(domain.ErrJobCanceled)
	}
}

func (w *Worker) track(id string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.runningID = id
	w.cancelRun = cancel
	w.mu.Unlock()
}

func (w *Worker) untrack() {
	w.mu.Lock()
	w.runningID = ""
	w.cancelRun = nil
	w.mu.Unlock()
}

func (w *Worker) runJob(ctx context.Context, job *domain.Job) {
	eligible := job.EnqueuedAt
	if job.ScheduledAt != nil && job.ScheduledAt.After(eligible) {
		eligible = *job.ScheduledAt
	}
	metrics.JobPickupLatency.Observe(time.Since(eligible).Seconds())
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	base := jobctx.WithJobID(ctx, job.ID)
	base = jobctx.WithWorkerID(base, w.id)
	cancelable, cancel := context.WithCancelCause(base)
	defer cancel(nil)
	runCtx := jobctx.WithCancelCheck(cancelable, func() error {
		return context.Cause(cancelable)
	})

	w.track(job.ID, cancel)
	defer w.untrack()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(heartbeatCtx, job.ID, cancel)

	w.publish(ctx, domain.NewEvent(domain.EventJobAcquired, job.ID, map[string]any{
		"queue":     job.Queue,
		"worker_id": w.id,
		"attempt":   job.Attempt,
	}))
	w.logger.Info("executing job", "job_id", job.ID, "func", job.Func.String(), "queue", job.Queue, "attempt", job.Attempt)

	started := time.Now()
	done := w.dispatch(runCtx, job)

	var ttlExpired <-chan time.Time
	if d := job.TTLDeadline(); d != nil {
		timer := time.NewTimer(time.Until(*d))
		defer timer.Stop()
		ttlExpired = timer.C
	}

	select {
	case out := <-done:
		stopHeartbeat()
		w.settle(ctx, cancelable, job, out, time.Since(started))
	case <-ttlExpired:
		// The function ignored its deadline. Abandon the goroutine, evict
		// the record; the buffered channel lets the runaway finish silently.
		stopHeartbeat()
		cancel(domain.ErrJobTimeout)
		metrics.JobsCompletedTotal.WithLabelValues("evicted").Inc()
		w.logger.Warn("job ttl elapsed mid-run, evicting", "job_id", job.ID, "job_ttl", job.JobTTL)
		if err := w.store.DeleteJob(ctx, job.ID, 0); err != nil {
			w.logger.Error("evict timed out job", "job_id", job.ID, "error", err)
		}
	}
}

// settle records the execution outcome: success completes the job and may
// requeue a repeat cycle, failure consults the retry policy, a cooperative
// cancel settles as failed without retrying. Store writes run on a context
// detached from the claim loop so a graceful shutdown can still record
// outcomes of runs that finished during it.
func (w *Worker) settle(ctx context.Context, cancelable context.Context, job *domain.Job, out outcome, took time.Duration) {
	opCtx := context.WithoutCancel(ctx)
	cause := context.Cause(cancelable)

	if out.err == nil {
		payload, err := domain.EncodeResult(out.value)
		if err != nil {
			out.err = fmt.Errorf("encode result: %w", err)
		} else {
			w.complete(opCtx, job, payload, took)
			return
		}
	}

	failure := out.err.Error()

	switch {
	case errors.Is(out.err, domain.ErrJobCanceled) || errors.Is(cause, domain.ErrJobCanceled):
		metrics.JobExecutionDuration.WithLabelValues("canceled").Observe(took.Seconds())
		metrics.JobsCompletedTotal.WithLabelValues("canceled").Inc()
		if err := w.store.CompleteJob(opCtx, job.ID, nil, domain.ErrJobCanceled.Error()); err != nil {
			w.logger.Error("mark job canceled", "job_id", job.ID, "error", err)
		}
		w.publish(opCtx, domain.NewEvent(domain.EventJobFailed, job.ID, map[string]any{
			"queue":    job.Queue,
			"failure":  domain.ErrJobCanceled.Error(),
			"canceled": true,
		}))
		w.logger.Info("job canceled", "job_id", job.ID)

	case errors.Is(cause, domain.ErrLeaseExpired):
		// The store already handed the job elsewhere; recording anything
		// here would race the new holder.
		metrics.JobsCompletedTotal.WithLabelValues("lease_lost").Inc()
		w.logger.Warn("run discarded, lease was lost", "job_id", job.ID, "error", failure)

	case ctx.Err() != nil:
		// Shutdown interrupt. Leave the record held; the lease expires and
		// the sweep returns the job to its queue.
		w.logger.Info("run interrupted by shutdown, lease left to expire", "job_id", job.ID)

	case job.Attempt <= job.Retry.Max:
		retryAt := w.now().Add(job.Retry.Delay)
		if err := w.store.RequeueForRetry(opCtx, job.ID, retryAt, failure); err != nil {
			w.logger.Error("requeue job for retry", "job_id", job.ID, "error", err)
			return
		}
		metrics.JobExecutionDuration.WithLabelValues("failure").Observe(took.Seconds())
		metrics.JobsCompletedTotal.WithLabelValues("retry").Inc()
		w.publish(opCtx, domain.NewEvent(domain.EventJobEnqueued, job.ID, map[string]any{
			"queue":  job.Queue,
			"reason": "retry",
		}))
		w.logger.Warn("job failed, will retry",
			"job_id", job.ID,
			"error", failure,
			"attempt", job.Attempt,
			"max_retries", job.Retry.Max,
			"retry_at", retryAt,
		)

	default:
		if err := w.store.CompleteJob(opCtx, job.ID, nil, failure); err != nil {
			w.logger.Error("mark job failed", "job_id", job.ID, "error", err)
		}
		metrics.JobExecutionDuration.WithLabelValues("failure").Observe(took.Seconds())
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		w.publish(opCtx, domain.NewEvent(domain.EventJobFailed, job.ID, map[string]any{
			"queue":   job.Queue,
			"failure": failure,
		}))
		w.logger.Warn("job permanently failed", "job_id", job.ID, "error", failure, "attempt", job.Attempt)
	}
}

func (w *Worker) complete(ctx context.Context, job *domain.Job, payload []byte, took time.Duration) {
	if err := w.store.CompleteJob(ctx, job.ID, payload, ""); err != nil {
		w.logger.Error("mark job complete", "job_id", job.ID, "error", err)
		return
	}
	metrics.JobExecutionDuration.WithLabelValues("success").Observe(took.Seconds())
	metrics.JobsCompletedTotal.WithLabelValues("success").Inc()
	w.publish(ctx, domain.NewEvent(domain.EventJobCompleted, job.ID, map[string]any{
		"queue": job.Queue,
	}))
	w.logger.Info("job completed", "job_id", job.ID, "duration", took)

	if job.Repeat.Max > 0 && job.Repeats < job.Repeat.Max {
		if err := w.store.RequeueForRepeat(ctx, job.ID); err != nil {
			w.logger.Error("requeue job for repeat", "job_id", job.ID, "error", err)
			return
		}
		w.publish(ctx, domain.NewEvent(domain.EventJobEnqueued, job.ID, map[string]any{
			"queue":  job.Queue,
			"reason": "repeat",
		}))
		w.logger.Info("job requeued for repeat", "job_id", job.ID, "repeats", job.Repeats+1, "max_repeats", job.Repeat.Max)
	}
}

// heartbeat renews the lease while the job runs. A renewal rejection means
// the store no longer considers this worker the holder, so the run is
// interrupted rather than allowed to double-execute against a requeue.
func (w *Worker) heartbeat(ctx context.Context, jobID string, cancel context.CancelCauseFunc) {
	interval := w.lease / 3
	if interval < minHeartbeat {
		interval = minHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.RenewLease(ctx, jobID, w.id, w.lease)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrLeaseExpired) || errors.Is(err, domain.ErrJobNotFound) {
				w.logger.Warn("lease lost, interrupting job", "job_id", jobID, "error", err)
				cancel(fmt.Errorf("%w: %v", domain.ErrLeaseExpired, err))
				return
			}
			w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
		}
	}
}

func (w *Worker) publish(ctx context.Context, event domain.Event) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(ctx, event); err != nil {
		w.logger.Warn("dropping event", "event_type", event.Type, "entity_id", event.EntityID, "error", err)
	}
}
