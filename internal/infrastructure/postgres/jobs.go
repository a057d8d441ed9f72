package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// Wire codes for the status column. The table stores small ints; the string
// form exists only in Go.
const (
	codeQueued   = 1
	codeDeferred = 2
	codeStarted  = 3
	codeFinished = 4
	codeFailed   = 5
	codeCanceled = 6
)

func codeForStatus(s domain.Status) (int, error) {
	switch s {
	case domain.StatusQueued:
		return codeQueued, nil
	case domain.StatusDeferred:
		return codeDeferred, nil
	case domain.StatusStarted:
		return codeStarted, nil
	case domain.StatusFinished:
		return codeFinished, nil
	case domain.StatusFailed:
		return codeFailed, nil
	case domain.StatusCanceled:
		return codeCanceled, nil
	default:
		return 0, fmt.Errorf("%w: status %q", domain.ErrInvalidArgument, s)
	}
}

func statusFromCode(code int) (domain.Status, error) {
	switch code {
	case codeQueued:
		return domain.StatusQueued, nil
	case codeDeferred:
		return domain.StatusDeferred, nil
	case codeStarted:
		return domain.StatusStarted, nil
	case codeFinished:
		return domain.StatusFinished, nil
	case codeFailed:
		return domain.StatusFailed, nil
	case codeCanceled:
		return domain.StatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: status code %d", domain.ErrInvalidArgument, code)
	}
}

const jobColumns = `id, queue, module, symbol, payload, status,
	enqueued_at, scheduled_at, started_at, completed_at,
	attempt, repeats, retry_max, retry_delay_ms, repeat_max,
	result_ttl_ms, job_ttl_ms, executor, result, failure,
	worker_id, lease_expires_at, purge_at, schedule_id, dedup_key`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job      domain.Job
		payload  []byte
		code     int
		delayMS  int64
		resultMS int64
		jobMS    int64
		executor string
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.Func.Module, &job.Func.Symbol, &payload, &code,
		&job.EnqueuedAt, &job.ScheduledAt, &job.StartedAt, &job.CompletedAt,
		&job.Attempt, &job.Repeats, &job.Retry.Max, &delayMS, &job.Repeat.Max,
		&resultMS, &jobMS, &executor, &job.Result, &job.Failure,
		&job.WorkerID, &job.LeaseExpiresAt, &job.PurgeAt, &job.ScheduleID, &job.DedupKey,
	)
	if err != nil {
		return nil, err
	}
	job.Status, err = statusFromCode(code)
	if err != nil {
		return nil, err
	}
	job.Args, job.Kwargs, err = domain.DecodeArgs(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}
	job.Retry.Delay = time.Duration(delayMS) * time.Millisecond
	job.ResultTTL = time.Duration(resultMS) * time.Millisecond
	job.JobTTL = time.Duration(jobMS) * time.Millisecond
	job.Executor = domain.Executor(executor)
	return &job, nil
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) PutJob(ctx context.Context, job *domain.Job, overwrite bool) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id is empty", domain.ErrInvalidArgument)
	}
	code, err := codeForStatus(job.Status)
	if err != nil {
		return err
	}
	payload, err := domain.EncodeArgs(job.Args, job.Kwargs)
	if err != nil {
		return fmt.Errorf("encode payload of job %s: %w", job.ID, err)
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `, ttl_expires_at, result_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, NOW())`
	if overwrite {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue, module = EXCLUDED.module, symbol = EXCLUDED.symbol,
			payload = EXCLUDED.payload, status = EXCLUDED.status,
			enqueued_at = EXCLUDED.enqueued_at, scheduled_at = EXCLUDED.scheduled_at,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
			attempt = EXCLUDED.attempt, repeats = EXCLUDED.repeats,
			retry_max = EXCLUDED.retry_max, retry_delay_ms = EXCLUDED.retry_delay_ms,
			repeat_max = EXCLUDED.repeat_max, result_ttl_ms = EXCLUDED.result_ttl_ms,
			job_ttl_ms = EXCLUDED.job_ttl_ms, executor = EXCLUDED.executor,
			result = EXCLUDED.result, failure = EXCLUDED.failure,
			worker_id = EXCLUDED.worker_id, lease_expires_at = EXCLUDED.lease_expires_at,
			purge_at = EXCLUDED.purge_at, schedule_id = EXCLUDED.schedule_id,
			dedup_key = EXCLUDED.dedup_key, ttl_expires_at = EXCLUDED.ttl_expires_at,
			result_expires_at = EXCLUDED.result_expires_at, updated_at = NOW()`
	}

	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Queue, job.Func.Module, job.Func.Symbol, payload, code,
		job.EnqueuedAt, job.ScheduledAt, job.StartedAt, job.CompletedAt,
		job.Attempt, job.Repeats, job.Retry.Max, job.Retry.Delay.Milliseconds(), job.Repeat.Max,
		job.ResultTTL.Milliseconds(), job.JobTTL.Milliseconds(), string(job.Executor), job.Result, job.Failure,
		job.WorkerID, job.LeaseExpiresAt, job.PurgeAt, job.ScheduleID, job.DedupKey,
		job.TTLDeadline(), job.ResultDeadline(),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, queue string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if queue != "" {
		query += ` WHERE queue = $1`
		args = append(args, queue)
	}
	query += ` ORDER BY COALESCE(scheduled_at, enqueued_at), seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) AcquireNext(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, error) {
	// A worker re-issuing its claim gets its leased job back.
	heldQuery := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 3 AND worker_id = $1 AND lease_expires_at > NOW()`
	heldArgs := []any{workerID}
	if queue != "" {
		heldQuery += ` AND queue = $2`
		heldArgs = append(heldArgs, queue)
	}
	heldQuery += ` LIMIT 1`

	job, err := scanJob(s.pool.QueryRow(ctx, heldQuery, heldArgs...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check held claim: %w", err)
	}

	where := `status IN (1, 2)
			AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			AND (ttl_expires_at IS NULL OR ttl_expires_at >= NOW())`
	claimArgs := []any{workerID, lease.Milliseconds()}
	if queue != "" {
		where += ` AND queue = $3`
		claimArgs = append(claimArgs, queue)
	}
	claimQuery := fmt.Sprintf(`
		UPDATE jobs
		SET status = 3, started_at = NOW(), attempt = attempt + 1, worker_id = $1,
		    lease_expires_at = NOW() + make_interval(secs => $2 / 1000.0), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE %s
			ORDER BY COALESCE(scheduled_at, enqueued_at), seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, where)

	job, err = scanJob(s.pool.QueryRow(ctx, claimQuery, claimArgs...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3 / 1000.0), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 3`
	tag, err := s.pool.Exec(ctx, query, id, workerID, lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not held by %s", domain.ErrLeaseExpired, id, workerID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, failure string) error {
	query := `
		UPDATE jobs
		SET status = CASE WHEN $3 = '' THEN 4 ELSE 5 END,
		    result = CASE WHEN $3 = '' AND result_ttl_ms > 0 THEN $2 ELSE NULL END,
		    result_expires_at = CASE WHEN $3 = '' AND result_ttl_ms > 0
		                             THEN NOW() + make_interval(secs => result_ttl_ms / 1000.0)
		                             ELSE NULL END,
		    failure = $3, completed_at = NOW(), lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 3`
	tag, err := s.pool.Exec(ctx, query, id, result, failure)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: complete %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error {
	query := `
		UPDATE jobs
		SET status = 1, scheduled_at = $2, failure = $3, started_at = NULL,
		    worker_id = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 3`
	tag, err := s.pool.Exec(ctx, query, id, at, failure)
	if err != nil {
		return fmt.Errorf("requeue job for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: retry %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) RequeueForRepeat(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = 1, repeats = repeats + 1, scheduled_at = NOW(), started_at = NULL,
		    completed_at = NULL, result = NULL, result_expires_at = NULL,
		    worker_id = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 4`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue job for repeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: repeat %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET status = 6, completed_at = NOW(), lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN (1, 2)`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: cancel %s", domain.ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil
	}

	// The record stays readable until the deadline but must not run.
	query := `
		UPDATE jobs
		SET purge_at = NOW() + make_interval(secs => $2 / 1000.0),
		    completed_at = CASE WHEN status IN (1, 2) THEN NOW() ELSE completed_at END,
		    lease_expires_at = CASE WHEN status IN (1, 2) THEN NULL ELSE lease_expires_at END,
		    status = CASE WHEN status IN (1, 2) THEN 6 ELSE status END,
		    updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("mark job for deferred purge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

func (s *Store) JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE schedule_id = $1
		ORDER BY COALESCE(scheduled_at, enqueued_at), seq`
	rows, err := s.pool.Query(ctx, query, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list jobs of schedule: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) RunningJobCountBySchedule(ctx context.Context, scheduleID string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE schedule_id = $1 AND status IN (1, 2, 3)`
	var count int
	if err := s.pool.QueryRow(ctx, query, scheduleID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count running jobs of schedule: %w", err)
	}
	return count, nil
}
