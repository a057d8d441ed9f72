// Package memory holds the in-process realizations of the store and event
// broker ports. They back the in-process manager role and double as the
// reference semantics the persistent backends are tested against.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

type StoreOption func(*Store)

// WithNow injects the clock used for due checks and claims.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store keeps jobs and schedules in maps behind one mutex. TTL eviction is
// sweeper-driven: nothing expires until SweepExpired runs.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	schedules map[string]*domain.Schedule
	order     map[string]uint64 // job id → arrival sequence, FIFO tiebreak
	seq       uint64
	now       func() time.Time
	closed    bool
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		jobs:      make(map[string]*domain.Job),
		schedules: make(map[string]*domain.Schedule),
		order:     make(map[string]uint64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: memory store closed", domain.ErrBackendUnavailable)
	}
	return nil
}

func (s *Store) PutJob(ctx context.Context, job *domain.Job, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return fmt.Errorf("%w: job id is empty", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists && !overwrite {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
	}
	if job.DedupKey != "" {
		for _, other := range s.jobs {
			if other.DedupKey == job.DedupKey && other.ID != job.ID {
				return fmt.Errorf("%w: dedup key %s held by %s", domain.ErrDuplicateJobID, job.DedupKey, other.ID)
			}
		}
	}
	s.seq++
	s.order[job.ID] = s.seq
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *Store) ListJobs(ctx context.Context, queue string) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, job := range s.jobs {
		if queue == "" || job.Queue == queue {
			jobs = append(jobs, cloneJob(job))
		}
	}
	s.sortByArrival(jobs)
	return jobs, nil
}

// sortByArrival orders by effective entry time (fire time for deferred
// jobs, enqueue time otherwise) with arrival sequence as tiebreak.
func (s *Store) sortByArrival(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := effectiveTime(jobs[i]), effectiveTime(jobs[j])
		if ti.Equal(tj) {
			return s.order[jobs[i].ID] < s.order[jobs[j].ID]
		}
		return ti.Before(tj)
	})
}

func effectiveTime(j *domain.Job) time.Time {
	if j.ScheduledAt != nil {
		return *j.ScheduledAt
	}
	return j.EnqueuedAt
}

func (s *Store) AcquireNext(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	now := s.now()

	// A worker re-issuing its claim gets its leased job back.
	for _, job := range s.jobs {
		if job.Status == domain.StatusStarted && job.WorkerID == workerID &&
			job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) &&
			(queue == "" || job.Queue == queue) {
			return cloneJob(job), nil
		}
	}

	var candidates []*domain.Job
	for _, job := range s.jobs {
		if (queue == "" || job.Queue == queue) && job.Due(now) && !job.Expired(now) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	s.sortByArrival(candidates)
	job := candidates[0]

	job.Status = domain.StatusStarted
	job.StartedAt = &now
	job.Attempt++
	job.WorkerID = workerID
	deadline := now.Add(lease)
	job.LeaseExpiresAt = &deadline
	return cloneJob(job), nil
}

func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != domain.StatusStarted || job.WorkerID != workerID {
		return fmt.Errorf("%w: job %s not held by %s", domain.ErrLeaseExpired, id, workerID)
	}
	deadline := s.now().Add(lease)
	job.LeaseExpiresAt = &deadline
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, failure string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != domain.StatusStarted {
		return fmt.Errorf("%w: complete %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	now := s.now()
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	if failure != "" {
		job.Status = domain.StatusFailed
		job.Failure = failure
		job.Result = nil
		return nil
	}
	job.Status = domain.StatusFinished
	job.Failure = ""
	if job.ResultTTL > 0 {
		job.Result = append([]byte(nil), result...)
	}
	return nil
}

func (s *Store) RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != domain.StatusStarted {
		return fmt.Errorf("%w: retry %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	s.requeue(job, at)
	job.Failure = failure
	return nil
}

func (s *Store) RequeueForRepeat(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.Status != domain.StatusFinished {
		return fmt.Errorf("%w: repeat %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	s.requeue(job, s.now())
	job.Repeats++
	job.Result = nil
	job.CompletedAt = nil
	return nil
}

func (s *Store) requeue(job *domain.Job, at time.Time) {
	job.Status = domain.StatusQueued
	job.ScheduledAt = &at
	job.StartedAt = nil
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if !domain.CanTransition(job.Status, domain.StatusCanceled) {
		return fmt.Errorf("%w: cancel %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	now := s.now()
	job.Status = domain.StatusCanceled
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if ttl > 0 {
		now := s.now()
		deadline := now.Add(ttl)
		job.PurgeAt = &deadline
		// The record stays readable until the deadline but must not run.
		if domain.CanTransition(job.Status, domain.StatusCanceled) {
			job.Status = domain.StatusCanceled
			job.CompletedAt = &now
			job.LeaseExpiresAt = nil
		}
		return nil
	}
	delete(s.jobs, id)
	delete(s.order, id)
	return nil
}

func (s *Store) PutSchedule(ctx context.Context, schedule *domain.Schedule, conflict domain.ConflictPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if schedule.ID == "" {
		return fmt.Errorf("%w: schedule id is empty", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	existing, exists := s.schedules[schedule.ID]
	if !exists {
		s.schedules[schedule.ID] = cloneSchedule(schedule)
		return nil
	}
	switch conflict {
	case domain.ConflictDoNothing:
		return fmt.Errorf("%w: %s", domain.ErrDuplicateScheduleID, schedule.ID)
	case domain.ConflictReplace:
		replacement := cloneSchedule(schedule)
		replacement.CreatedAt = existing.CreatedAt
		s.schedules[schedule.ID] = replacement
	case domain.ConflictUpdate:
		merged := cloneSchedule(schedule)
		merged.CreatedAt = existing.CreatedAt
		merged.NextFireAt = existing.NextFireAt
		merged.LastFireAt = existing.LastFireAt
		s.schedules[schedule.ID] = merged
	default:
		return fmt.Errorf("%w: conflict policy %q", domain.ErrInvalidArgument, conflict)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return cloneSchedule(schedule), nil
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var schedules []*domain.Schedule
	for _, schedule := range s.schedules {
		if queue == "" || schedule.Queue == queue {
			schedules = append(schedules, cloneSchedule(schedule))
		}
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	schedule.Paused = paused
	schedule.UpdatedAt = s.now()
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var due []*domain.Schedule
	for _, schedule := range s.schedules {
		if schedule.Due(now) {
			due = append(due, cloneSchedule(schedule))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(*due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, next *time.Time, last time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	schedule.LastFireAt = &last
	schedule.NextFireAt = next
	schedule.UpdatedAt = s.now()
	return nil
}

func (s *Store) JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.ScheduleID == scheduleID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	s.sortByArrival(jobs)
	return jobs, nil
}

func (s *Store) RunningJobCountBySchedule(ctx context.Context, scheduleID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	count := 0
	for _, job := range s.jobs {
		if job.ScheduleID != scheduleID {
			continue
		}
		switch job.Status {
		case domain.StatusQueued, domain.StatusDeferred, domain.StatusStarted:
			count++
		}
	}
	return count, nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (repository.SweepResult, error) {
	if err := ctx.Err(); err != nil {
		return repository.SweepResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return repository.SweepResult{}, err
	}
	var result repository.SweepResult
	for id, job := range s.jobs {
		if job.Evictable(now) {
			delete(s.jobs, id)
			delete(s.order, id)
			result.Evicted++
			continue
		}
		if job.Status == domain.StatusStarted && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			s.requeue(job, now)
			result.Requeued++
		}
	}
	for id, schedule := range s.schedules {
		if schedule.Exhausted() {
			delete(s.schedules, id)
			result.Exhausted++
		}
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneJob(j *domain.Job) *domain.Job {
	c := *j
	c.Args = append([]any(nil), j.Args...)
	if j.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(j.Kwargs))
		for k, v := range j.Kwargs {
			c.Kwargs[k] = v
		}
	}
	c.Result = append([]byte(nil), j.Result...)
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.PurgeAt = cloneTime(j.PurgeAt)
	return &c
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	c := *s
	c.Args = append([]any(nil), s.Args...)
	if s.Kwargs != nil {
		c.Kwargs = make(map[string]any, len(s.Kwargs))
		for k, v := range s.Kwargs {
			c.Kwargs[k] = v
		}
	}
	c.NextFireAt = cloneTime(s.NextFireAt)
	c.LastFireAt = cloneTime(s.LastFireAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
