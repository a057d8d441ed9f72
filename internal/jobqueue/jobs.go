package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/jobctx"
	"github.com/flowerpower-dev/flowerpower/internal/metrics"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

const (
	// DefaultResultTTL is applied when an enqueue does not choose a result
	// retention of its own.
	DefaultResultTTL = 5 * time.Minute

	// resultPollInterval paces the store polls behind a blocking result wait.
	resultPollInterval = 50 * time.Millisecond
)

// AddJob enqueues one execution of the referenced function and returns the
// job id. Without WithRunAt or WithRunIn the job is immediately eligible;
// without WithQueue it lands on a uniformly random configured queue.
func (m *Manager) AddJob(ctx context.Context, ref string, opts ...JobOption) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	fn, err := domain.ParseFunctionRef(ref)
	if err != nil {
		return "", err
	}
	o, err := applyJobOptions(opts)
	if err != nil {
		return "", err
	}
	job := m.buildJob(fn, o)
	if err := repository.Retry(ctx, repository.PublishRetries, func() error {
		return m.store.PutJob(ctx, job, false)
	}); err != nil {
		return "", err
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(job.Queue).Inc()
	m.publish(ctx, domain.NewEvent(domain.EventJobEnqueued, job.ID, map[string]any{"queue": job.Queue}))
	m.logger.Info("job enqueued", "job_id", job.ID, "func", fn.String(), "queue", job.Queue, "status", string(job.Status))
	return job.ID, nil
}

func (m *Manager) buildJob(fn domain.FunctionRef, o *jobOptions) *domain.Job {
	now := m.now()
	job := &domain.Job{
		ID:         o.id,
		Func:       fn,
		Args:       o.args,
		Kwargs:     o.kwargs,
		Queue:      o.queue,
		Status:     domain.StatusQueued,
		EnqueuedAt: now,
		Retry:      o.retry,
		Repeat:     o.repeat,
		ResultTTL:  DefaultResultTTL,
		JobTTL:     o.jobTTL,
		Executor:   o.executor,
	}
	if job.ID == "" {
		job.ID = jobctx.NewID()
	}
	if job.Queue == "" {
		job.Queue = m.pickQueue()
	}
	if o.resultTTL != nil {
		job.ResultTTL = *o.resultTTL
	}
	if job.Executor == "" {
		job.Executor = m.desc.DefaultExecutor
	}
	var at time.Time
	switch {
	case o.runAt != nil:
		at = *o.runAt
	case o.runIn != nil:
		at = now.Add(*o.runIn)
	default:
		return job
	}
	job.ScheduledAt = &at
	if at.After(now) {
		job.Status = domain.StatusDeferred
	}
	return job
}

// RunJob enqueues the function and blocks until its result is available.
// The wait is bounded by the job TTL when one is set, otherwise by ctx.
func (m *Manager) RunJob(ctx context.Context, ref string, opts ...JobOption) (any, error) {
	id, err := m.AddJob(ctx, ref, opts...)
	if err != nil {
		return nil, err
	}
	return m.GetJobResult(ctx, id, true, false)
}

// GetJob returns the stored job record.
func (m *Manager) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

// GetJobs lists jobs in enqueue order. Queue "" means every queue.
func (m *Manager) GetJobs(ctx context.Context, queue string) ([]*domain.Job, error) {
	return m.store.ListJobs(ctx, queue)
}

// JobIDs lists job ids in enqueue order. Queue "" means every queue.
func (m *Manager) JobIDs(ctx context.Context, queue string) ([]string, error) {
	jobs, err := m.store.ListJobs(ctx, queue)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids, nil
}

// GetJobResult returns the decoded result of a finished job. With wait false
// an unfinished job yields (nil, nil); with wait true the call blocks until
// the job settles, bounded by the job TTL. deleteAfter purges the record
// once the result has been read.
func (m *Manager) GetJobResult(ctx context.Context, id string, wait, deleteAfter bool) (any, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return m.extractResult(ctx, job, deleteAfter)
	}
	if !wait {
		return nil, nil
	}

	var expiry <-chan time.Time
	if d := job.TTLDeadline(); d != nil {
		timer := time.NewTimer(time.Until(*d))
		defer timer.Stop()
		expiry = timer.C
	}
	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expiry:
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobTimeout, id)
		case <-ticker.C:
		}
		job, err = m.store.GetJob(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				// Evicted mid-wait; the TTL sweep beat our poll.
				return nil, fmt.Errorf("%w: job %s evicted while waiting", domain.ErrJobTimeout, id)
			}
			return nil, err
		}
		if job.Status.Terminal() {
			return m.extractResult(ctx, job, deleteAfter)
		}
	}
}

func (m *Manager) extractResult(ctx context.Context, job *domain.Job, deleteAfter bool) (any, error) {
	switch job.Status {
	case domain.StatusFinished:
	case domain.StatusCanceled:
		return nil, fmt.Errorf("%w: job %s", domain.ErrJobCanceled, job.ID)
	case domain.StatusFailed:
		if job.Failure == domain.ErrJobCanceled.Error() {
			// A canceled run settles as failed with the cancel reason.
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobCanceled, job.ID)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrJobFailed, job.Failure)
	default:
		return nil, nil
	}
	if d := job.ResultDeadline(); d != nil && m.now().After(*d) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrResultNotFound, job.ID)
	}
	value, err := domain.DecodeResult(job.Result)
	if err != nil {
		return nil, err
	}
	if deleteAfter {
		if derr := m.store.DeleteJob(ctx, job.ID, 0); derr != nil && !errors.Is(derr, domain.ErrJobNotFound) {
			m.logger.Warn("purging job after result read failed", "job_id", job.ID, "error", derr)
		}
	}
	return value, nil
}

// CancelJob cancels a job. Queued and deferred jobs are withdrawn before any
// worker sees them; a started job gets the cooperative interrupt delivered
// through the event broker, at most once. Returns false for unknown ids and
// jobs already settled.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}

	err = m.store.CancelJob(ctx, id)
	switch {
	case err == nil:
		m.publish(ctx, domain.NewEvent(domain.EventJobCanceled, id, map[string]any{"queue": job.Queue}))
		m.logger.Info("job canceled", "job_id", id, "queue", job.Queue)
		return true, nil
	case errors.Is(err, domain.ErrIllegalTransition):
	case errors.Is(err, domain.ErrJobNotFound):
		return false, nil
	default:
		return false, err
	}

	// Not cancelable in the store, so either started or already settled.
	job, err = m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.Status != domain.StatusStarted {
		return false, nil
	}
	m.publish(ctx, domain.NewEvent(domain.EventJobCanceled, id, map[string]any{
		"queue":     job.Queue,
		"worker_id": job.WorkerID,
	}))
	m.logger.Info("job cancellation requested", "job_id", id, "queue", job.Queue, "worker_id", job.WorkerID)
	return true, nil
}

// CancelAllJobs cancels every cancelable job, optionally restricted to one
// queue, and reports how many were canceled.
func (m *Manager) CancelAllJobs(ctx context.Context, queue string) (int, error) {
	jobs, err := m.store.ListJobs(ctx, queue)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		ok, err := m.CancelJob(ctx, job.ID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// DeleteJob removes a job record. A positive ttl defers the purge, keeping
// the record readable until the deadline. Unknown ids report false.
func (m *Manager) DeleteJob(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	err := m.store.DeleteJob(ctx, id, ttl)
	switch {
	case err == nil:
		m.logger.Info("job deleted", "job_id", id, "purge_after", ttl)
		return true, nil
	case errors.Is(err, domain.ErrJobNotFound):
		return false, nil
	default:
		return false, err
	}
}

// DeleteAllJobs removes every job, optionally restricted to one queue, and
// reports how many were removed.
func (m *Manager) DeleteAllJobs(ctx context.Context, queue string) (int, error) {
	jobs, err := m.store.ListJobs(ctx, queue)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		ok, err := m.DeleteJob(ctx, job.ID, 0)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}
