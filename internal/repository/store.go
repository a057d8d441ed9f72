// Package repository declares the persistence and messaging ports the job
// queue is built against. Implementations live under internal/infrastructure.
package repository

import (
	"context"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// SweepResult reports what one SweepExpired pass did.
type SweepResult struct {
	// Evicted counts jobs removed because their job TTL or result TTL
	// elapsed.
	Evicted int
	// Requeued counts started jobs whose lease expired and which were
	// returned to the queue.
	Requeued int
	// Exhausted counts schedules whose trigger produced no further fire
	// and which were removed.
	Exhausted int
}

// Store is the single source of truth for jobs and schedules. All state
// transitions go through it; callers never mutate fetched values and write
// them back.
//
// Every method honors context cancellation. Lookup misses return
// domain.ErrJobNotFound / domain.ErrScheduleNotFound; transition conflicts
// return domain.ErrIllegalTransition; transient connectivity failures
// return errors wrapping domain.ErrBackendUnavailable.
type Store interface {
	// PutJob inserts a job. With overwrite false an existing id fails
	// with domain.ErrDuplicateJobID; with overwrite true the record is
	// replaced wholesale.
	PutJob(ctx context.Context, job *domain.Job, overwrite bool) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// ListJobs returns jobs in enqueue order; queue "" means all queues.
	ListJobs(ctx context.Context, queue string) ([]*domain.Job, error)

	// AcquireNext claims the oldest due job on the queue for workerID and
	// marks it started with a lease. No due job returns (nil, nil).
	// Re-issuing with the same workerID returns the already-claimed job,
	// so a worker that lost the response can recover its claim.
	AcquireNext(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error)
	// RenewLease extends the claim of workerID on a started job. A claim
	// held by another worker or already lapsed fails with
	// domain.ErrLeaseExpired.
	RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error
	// CompleteJob finishes a started job: failure "" records success with
	// the encoded result, otherwise the job terminates as failed.
	CompleteJob(ctx context.Context, id string, result []byte, failure string) error
	// RequeueForRetry returns a started job to the queue for another
	// attempt at the given time, recording the failure that caused it.
	RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error
	// RequeueForRepeat re-enters a finished job into the queue and
	// increments its repeat counter.
	RequeueForRepeat(ctx context.Context, id string) error
	// CancelJob cancels a queued or deferred job. Canceling a started,
	// finished or failed job fails with domain.ErrIllegalTransition.
	CancelJob(ctx context.Context, id string) error
	// DeleteJob removes a job. ttl > 0 defers the purge: the record stays
	// readable until the deadline and the sweeper removes it.
	DeleteJob(ctx context.Context, id string, ttl time.Duration) error

	// PutSchedule applies the conflict policy when the id exists:
	// do-nothing fails with domain.ErrDuplicateScheduleID, replace
	// overwrites the record, update merges while keeping fire bookkeeping.
	PutSchedule(ctx context.Context, schedule *domain.Schedule, conflict domain.ConflictPolicy) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	SetSchedulePaused(ctx context.Context, id string, paused bool) error
	// DueSchedules returns unpaused schedules with next_fire_at <= now,
	// earliest first, at most limit.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
	// AdvanceSchedule records a fire: next may be nil when the trigger is
	// exhausted.
	AdvanceSchedule(ctx context.Context, id string, next *time.Time, last time.Time) error
	JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error)
	// RunningJobCountBySchedule counts jobs of the schedule that are
	// queued, deferred or started, for max_running_jobs enforcement.
	RunningJobCountBySchedule(ctx context.Context, scheduleID string) (int, error)

	// SweepExpired evicts jobs past their TTL deadlines and requeues
	// started jobs with lapsed leases.
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)

	Ping(ctx context.Context) error
	Close() error
}
