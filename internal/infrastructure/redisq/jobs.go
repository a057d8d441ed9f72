package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// jobRecord is the JSON wire form of a job. The payload carries the
// encoded args exactly as the SQL stores persist them, durations travel
// as millisecond counts, and the result lives in its own expiring key
// rather than in the record.
type jobRecord struct {
	ID             string     `json:"id"`
	Seq            int64      `json:"seq"`
	Queue          string     `json:"queue"`
	Module         string     `json:"module"`
	Symbol         string     `json:"symbol"`
	Payload        []byte     `json:"payload,omitempty"`
	Status         string     `json:"status"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Attempt        int        `json:"attempt"`
	Repeats        int        `json:"repeats"`
	RetryMax       int        `json:"retry_max"`
	RetryDelayMS   int64      `json:"retry_delay_ms"`
	RepeatMax      int        `json:"repeat_max"`
	ResultTTLMS    int64      `json:"result_ttl_ms"`
	JobTTLMS       int64      `json:"job_ttl_ms"`
	Executor       string     `json:"executor"`
	Failure        string     `json:"failure,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	PurgeAt        *time.Time `json:"purge_at,omitempty"`
	ScheduleID     string     `json:"schedule_id,omitempty"`
	DedupKey       string     `json:"dedup_key,omitempty"`
}

func parseStatus(name string) (domain.Status, error) {
	switch s := domain.Status(name); s {
	case domain.StatusQueued, domain.StatusDeferred, domain.StatusStarted,
		domain.StatusFinished, domain.StatusFailed, domain.StatusCanceled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", domain.ErrInvalidArgument, name)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func encodeJob(job *domain.Job, seq int64) (string, error) {
	payload, err := domain.EncodeArgs(job.Args, job.Kwargs)
	if err != nil {
		return "", fmt.Errorf("encode args of %s: %w", job.ID, err)
	}
	rec := jobRecord{
		ID:             job.ID,
		Seq:            seq,
		Queue:          job.Queue,
		Module:         job.Func.Module,
		Symbol:         job.Func.Symbol,
		Payload:        payload,
		Status:         string(job.Status),
		EnqueuedAt:     job.EnqueuedAt.UTC(),
		ScheduledAt:    utcPtr(job.ScheduledAt),
		StartedAt:      utcPtr(job.StartedAt),
		CompletedAt:    utcPtr(job.CompletedAt),
		Attempt:        job.Attempt,
		Repeats:        job.Repeats,
		RetryMax:       job.Retry.Max,
		RetryDelayMS:   job.Retry.Delay.Milliseconds(),
		RepeatMax:      job.Repeat.Max,
		ResultTTLMS:    job.ResultTTL.Milliseconds(),
		JobTTLMS:       job.JobTTL.Milliseconds(),
		Executor:       string(job.Executor),
		Failure:        job.Failure,
		WorkerID:       job.WorkerID,
		LeaseExpiresAt: utcPtr(job.LeaseExpiresAt),
		PurgeAt:        utcPtr(job.PurgeAt),
		ScheduleID:     job.ScheduleID,
		DedupKey:       job.DedupKey,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return string(raw), nil
}

func decodeJob(raw string) (*domain.Job, int64, error) {
	var rec jobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, 0, fmt.Errorf("%w: decode job record: %v", domain.ErrInvalidArgument, err)
	}
	status, err := parseStatus(rec.Status)
	if err != nil {
		return nil, 0, err
	}
	args, kwargs, err := domain.DecodeArgs(rec.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode args of %s: %w", rec.ID, err)
	}
	job := &domain.Job{
		ID:             rec.ID,
		Func:           domain.FunctionRef{Module: rec.Module, Symbol: rec.Symbol},
		Args:           args,
		Kwargs:         kwargs,
		Queue:          rec.Queue,
		Status:         status,
		EnqueuedAt:     rec.EnqueuedAt,
		ScheduledAt:    rec.ScheduledAt,
		StartedAt:      rec.StartedAt,
		CompletedAt:    rec.CompletedAt,
		Attempt:        rec.Attempt,
		Repeats:        rec.Repeats,
		Retry:          domain.RetryPolicy{Max: rec.RetryMax, Delay: time.Duration(rec.RetryDelayMS) * time.Millisecond},
		Repeat:         domain.RepeatPolicy{Max: rec.RepeatMax},
		ResultTTL:      time.Duration(rec.ResultTTLMS) * time.Millisecond,
		JobTTL:         time.Duration(rec.JobTTLMS) * time.Millisecond,
		Executor:       domain.Executor(rec.Executor),
		Failure:        rec.Failure,
		WorkerID:       rec.WorkerID,
		LeaseExpiresAt: rec.LeaseExpiresAt,
		PurgeAt:        rec.PurgeAt,
		ScheduleID:     rec.ScheduleID,
		DedupKey:       rec.DedupKey,
	}
	return job, rec.Seq, nil
}

// expiryFor keeps the purge countdown on rewrites; every other record
// lives until deleted.
func expiryFor(job *domain.Job) time.Duration {
	if job.PurgeAt != nil {
		return redis.KeepTTL
	}
	return 0
}

func effectiveTime(job *domain.Job) time.Time {
	if job.ScheduledAt != nil {
		return *job.ScheduledAt
	}
	return job.EnqueuedAt
}

// sortByArrival orders by effective entry time (fire time for deferred
// jobs, enqueue time otherwise) with arrival sequence as tiebreak.
func sortByArrival(jobs []*domain.Job, order map[string]int64) {
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := effectiveTime(jobs[i]), effectiveTime(jobs[j])
		if ti.Equal(tj) {
			return order[jobs[i].ID] < order[jobs[j].ID]
		}
		return ti.Before(tj)
	})
}

func (s *Store) loadJob(ctx context.Context, id string) (*domain.Job, int64, error) {
	raw, err := s.client.Get(ctx, s.keys.job(id)).Result()
	if err == redis.Nil {
		return nil, 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load job %s: %w", id, err)
	}
	return decodeJob(raw)
}

func (s *Store) saveJob(ctx context.Context, job *domain.Job, seq int64) error {
	raw, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keys.job(job.ID), raw, expiryFor(job)).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// jobsSnapshot loads every registered job. The registry scan serves the
// listing and schedule lookups; queue traffic never touches it. Records
// that expired while still registered are skipped, the sweeper reclaims
// their slots.
func (s *Store) jobsSnapshot(ctx context.Context) ([]*domain.Job, map[string]int64, error) {
	ids, err := s.client.SMembers(ctx, s.keys.jobs()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	jobKeys := make([]string, len(ids))
	for i, id := range ids {
		jobKeys[i] = s.keys.job(id)
	}
	records, err := s.client.MGet(ctx, jobKeys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]*domain.Job, 0, len(records))
	order := make(map[string]int64, len(records))
	for _, raw := range records {
		if raw == nil {
			continue
		}
		job, seq, err := decodeJob(raw.(string))
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, job)
		order[job.ID] = seq
	}
	return jobs, order, nil
}

// attachResults loads the stored results of finished jobs in one round
// trip. A result whose key already expired stays empty.
func (s *Store) attachResults(ctx context.Context, jobs []*domain.Job) error {
	var finished []*domain.Job
	for _, job := range jobs {
		if job.Status == domain.StatusFinished {
			finished = append(finished, job)
		}
	}
	if len(finished) == 0 {
		return nil
	}
	resultKeys := make([]string, len(finished))
	for i, job := range finished {
		resultKeys[i] = s.keys.result(job.ID)
	}
	values, err := s.client.MGet(ctx, resultKeys...).Result()
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	for i, raw := range values {
		if raw != nil {
			finished[i].Result = []byte(raw.(string))
		}
	}
	return nil
}

func (s *Store) PutJob(ctx context.Context, job *domain.Job, overwrite bool) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is empty", domain.ErrInvalidArgument)
	}
	now := s.now()

	var seq int64
	var prior *domain.Job
	raw, err := s.client.Get(ctx, s.keys.job(job.ID)).Result()
	switch {
	case err == redis.Nil:
		seq, err = s.client.Incr(ctx, s.keys.seq()).Result()
		if err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load job %s: %w", job.ID, err)
	default:
		if !overwrite {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
		}
		// A replaced record keeps its queue position.
		prior, seq, err = decodeJob(raw)
		if err != nil {
			return err
		}
	}

	if job.DedupKey != "" {
		ok, err := s.client.SetNX(ctx, s.keys.dedup(job.DedupKey), job.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("reserve dedup key: %w", err)
		}
		if !ok {
			holder, err := s.client.Get(ctx, s.keys.dedup(job.DedupKey)).Result()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("load dedup key: %w", err)
			}
			if holder != job.ID {
				return fmt.Errorf("%w: dedup key %s held by %s", domain.ErrDuplicateJobID, job.DedupKey, holder)
			}
		}
	}

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if prior != nil {
		pipe.LRem(ctx, s.keys.queue(prior.Queue), 1, job.ID)
		pipe.LRem(ctx, s.keys.processing(prior.Queue), 1, job.ID)
		pipe.ZRem(ctx, s.keys.scheduled(prior.Queue), job.ID)
		if prior.DedupKey != "" && prior.DedupKey != job.DedupKey {
			pipe.Del(ctx, s.keys.dedup(prior.DedupKey))
		}
	}
	pipe.Set(ctx, s.keys.job(job.ID), encoded, expiryFor(job))
	pipe.SAdd(ctx, s.keys.jobs(), job.ID)
	pipe.SAdd(ctx, s.keys.queues(), job.Queue)
	switch {
	case job.Due(now):
		pipe.LPush(ctx, s.keys.queue(job.Queue), job.ID)
	case job.Status == domain.StatusQueued || job.Status == domain.StatusDeferred:
		pipe.ZAdd(ctx, s.keys.scheduled(job.Queue), redis.Z{
			Score:  float64(job.ScheduledAt.UnixMilli()),
			Member: job.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, _, err := s.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachResults(ctx, []*domain.Job{job}); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, queue string) ([]*domain.Job, error) {
	all, order, err := s.jobsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, job := range all {
		if queue == "" || job.Queue == queue {
			jobs = append(jobs, job)
		}
	}
	sortByArrival(jobs, order)
	if err := s.attachResults(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) AcquireNext(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	now := s.now()

	// A worker re-issuing its claim gets its leased job back.
	heldID, err := s.client.Get(ctx, s.keys.claim(workerID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load claim of %s: %w", workerID, err)
	}
	if heldID != "" {
		held, _, err := s.loadJob(ctx, heldID)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		if err == nil && held.Status == domain.StatusStarted && held.WorkerID == workerID &&
			held.LeaseExpiresAt != nil && held.LeaseExpiresAt.After(now) &&
			(queue == "" || held.Queue == queue) {
			return held, nil
		}
	}

	if queue == "" {
		return s.acquireAny(ctx, workerID, lease, now)
	}

	if err := s.promote(ctx, queue, now); err != nil {
		return nil, err
	}
	for {
		id, err := s.client.BRPopLPush(ctx, s.keys.queue(queue), s.keys.processing(queue), acquireBlock).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pop %s: %w", queue, err)
		}
		job, claimed, err := s.claimPopped(ctx, queue, id, workerID, lease, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			return job, nil
		}
	}
}

// acquireAny serves the all-queues form: it polls each queue once in name
// order without blocking.
func (s *Store) acquireAny(ctx context.Context, workerID string, lease time.Duration, now time.Time) (*domain.Job, error) {
	queues, err := s.client.SMembers(ctx, s.keys.queues()).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(queues)
	for _, q := range queues {
		if err := s.promote(ctx, q, now); err != nil {
			return nil, err
		}
		for {
			id, err := s.client.RPopLPush(ctx, s.keys.queue(q), s.keys.processing(q)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("pop %s: %w", q, err)
			}
			job, claimed, err := s.claimPopped(ctx, q, id, workerID, lease, now)
			if err != nil {
				return nil, err
			}
			if claimed {
				return job, nil
			}
		}
	}
	return nil, nil
}

// claimPopped turns a popped id into a started job, or cleans the id up
// when its record is gone, expired or no longer runnable.
func (s *Store) claimPopped(ctx context.Context, queue, id, workerID string, lease time.Duration, now time.Time) (*domain.Job, bool, error) {
	job, seq, err := s.loadJob(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		// The record was deleted or purged while the id sat in the list.
		if err := s.client.LRem(ctx, s.keys.processing(queue), 1, id).Err(); err != nil {
			return nil, false, fmt.Errorf("drop orphan %s: %w", id, err)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if job.Expired(now) {
		if err := s.evict(ctx, job); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if !job.Due(now) {
		pipe := s.client.TxPipeline()
		pipe.LRem(ctx, s.keys.processing(queue), 1, id)
		if (job.Status == domain.StatusQueued || job.Status == domain.StatusDeferred) &&
			job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			// A replace can move the fire time back out; park it again.
			pipe.ZAdd(ctx, s.keys.scheduled(queue), redis.Z{
				Score:  float64(job.ScheduledAt.UnixMilli()),
				Member: id,
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, false, fmt.Errorf("drop stale %s: %w", id, err)
		}
		return nil, false, nil
	}

	job.Status = domain.StatusStarted
	job.StartedAt = &now
	job.Attempt++
	job.WorkerID = workerID
	deadline := now.Add(lease)
	job.LeaseExpiresAt = &deadline

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return nil, false, err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.Set(ctx, s.keys.claim(workerID), id, lease)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return job, true, nil
}

func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusStarted || job.WorkerID != workerID {
		return fmt.Errorf("%w: job %s not held by %s", domain.ErrLeaseExpired, id, workerID)
	}
	deadline := s.now().Add(lease)
	job.LeaseExpiresAt = &deadline

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.Set(ctx, s.keys.claim(workerID), id, lease)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renew lease of %s: %w", id, err)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, failure string) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusStarted {
		return fmt.Errorf("%w: complete %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	now := s.now()
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil

	pipe := s.client.TxPipeline()
	if failure != "" {
		job.Status = domain.StatusFailed
		job.Failure = failure
	} else {
		job.Status = domain.StatusFinished
		job.Failure = ""
		if job.ResultTTL > 0 {
			pipe.Set(ctx, s.keys.result(id), result, job.ResultTTL)
		}
	}
	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.LRem(ctx, s.keys.processing(job.Queue), 1, id)
	pipe.Del(ctx, s.keys.claim(job.WorkerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

func (s *Store) RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusStarted {
		return fmt.Errorf("%w: retry %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	holder := job.WorkerID
	at = at.UTC()
	job.Status = domain.StatusQueued
	job.ScheduledAt = &at
	job.StartedAt = nil
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.Failure = failure

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.LRem(ctx, s.keys.processing(job.Queue), 1, id)
	pipe.Del(ctx, s.keys.claim(holder))
	if at.After(s.now()) {
		pipe.ZAdd(ctx, s.keys.scheduled(job.Queue), redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, s.keys.queue(job.Queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s for retry: %w", id, err)
	}
	return nil
}

func (s *Store) RequeueForRepeat(ctx context.Context, id string) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusFinished {
		return fmt.Errorf("%w: repeat %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	now := s.now()
	job.Status = domain.StatusQueued
	job.ScheduledAt = &now
	job.StartedAt = nil
	job.CompletedAt = nil
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.Repeats++
	job.Result = nil

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.Del(ctx, s.keys.result(id))
	pipe.LPush(ctx, s.keys.queue(job.Queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue job %s for repeat: %w", id, err)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.Status, domain.StatusCanceled) {
		return fmt.Errorf("%w: cancel %s from %s", domain.ErrIllegalTransition, id, job.Status)
	}
	now := s.now()
	job.Status = domain.StatusCanceled
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil

	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.job(id), encoded, expiryFor(job))
	pipe.LRem(ctx, s.keys.queue(job.Queue), 1, id)
	pipe.ZRem(ctx, s.keys.scheduled(job.Queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string, ttl time.Duration) error {
	job, seq, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return s.evict(ctx, job)
	}

	now := s.now()
	deadline := now.Add(ttl)
	job.PurgeAt = &deadline
	// The record stays readable until the deadline but must not run.
	if domain.CanTransition(job.Status, domain.StatusCanceled) {
		job.Status = domain.StatusCanceled
		job.CompletedAt = &now
		job.LeaseExpiresAt = nil
	}
	encoded, err := encodeJob(job, seq)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	// Redis handles the purge itself; the sweeper only reclaims the
	// registry slot once the key is gone.
	pipe.Set(ctx, s.keys.job(id), encoded, ttl)
	pipe.LRem(ctx, s.keys.queue(job.Queue), 1, id)
	pipe.ZRem(ctx, s.keys.scheduled(job.Queue), id)
	if job.DedupKey != "" {
		pipe.PExpire(ctx, s.keys.dedup(job.DedupKey), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *Store) JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error) {
	all, order, err := s.jobsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []*domain.Job
	for _, job := range all {
		if job.ScheduleID == scheduleID {
			jobs = append(jobs, job)
		}
	}
	sortByArrival(jobs, order)
	if err := s.attachResults(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) RunningJobCountBySchedule(ctx context.Context, scheduleID string) (int, error) {
	all, _, err := s.jobsSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range all {
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
