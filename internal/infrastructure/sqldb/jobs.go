package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// Wire codes for the status column, identical across all SQL backends.
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
		job       domain.Job
		payload   []byte
		code      int
		enqueued  string
		scheduled sql.NullString
		started   sql.NullString
		completed sql.NullString
		delayMS   int64
		resultMS  int64
		jobMS     int64
		executor  string
		lease     sql.NullString
		purge     sql.NullString
		dedup     sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Queue, &job.Func.Module, &job.Func.Symbol, &payload, &code,
		&enqueued, &scheduled, &started, &completed,
		&job.Attempt, &job.Repeats, &job.Retry.Max, &delayMS, &job.Repeat.Max,
		&resultMS, &jobMS, &executor, &job.Result, &job.Failure,
		&job.WorkerID, &lease, &purge, &job.ScheduleID, &dedup,
	)
	if err != nil {
		return nil, err
	}
	if job.Status, err = statusFromCode(code); err != nil {
		return nil, err
	}
	if job.EnqueuedAt, err = decodeTime(enqueued); err != nil {
		return nil, err
	}
	if job.ScheduledAt, err = decodeTimePtr(scheduled); err != nil {
		return nil, err
	}
	if job.StartedAt, err = decodeTimePtr(started); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = decodeTimePtr(completed); err != nil {
		return nil, err
	}
	if job.LeaseExpiresAt, err = decodeTimePtr(lease); err != nil {
		return nil, err
	}
	if job.PurgeAt, err = decodeTimePtr(purge); err != nil {
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
	job.DedupKey = dedup.String
	return &job, nil
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

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var probe string
		err := tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id = ?`+s.dialect.rowLock, job.ID).Scan(&probe)
		exists := err == nil
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("probe job: %w", err)
		}
		if exists && !overwrite {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
		}

		nowStr := encodeTime(s.now())
		args := []any{
			job.Queue, job.Func.Module, job.Func.Symbol, payload, code,
			encodeTime(job.EnqueuedAt), encodeTimePtr(job.ScheduledAt),
			encodeTimePtr(job.StartedAt), encodeTimePtr(job.CompletedAt),
			job.Attempt, job.Repeats, job.Retry.Max, job.Retry.Delay.Milliseconds(), job.Repeat.Max,
			job.ResultTTL.Milliseconds(), job.JobTTL.Milliseconds(), string(job.Executor),
			job.Result, job.Failure,
			job.WorkerID, encodeTimePtr(job.LeaseExpiresAt),
			encodeTimePtr(job.TTLDeadline()), encodeTimePtr(job.ResultDeadline()),
			encodeTimePtr(job.PurgeAt), job.ScheduleID, nullIfEmpty(job.DedupKey),
			nowStr,
		}

		if exists {
			query := `
				UPDATE jobs
				SET queue = ?, module = ?, symbol = ?, payload = ?, status = ?,
				    enqueued_at = ?, scheduled_at = ?, started_at = ?, completed_at = ?,
				    attempt = ?, repeats = ?, retry_max = ?, retry_delay_ms = ?, repeat_max = ?,
				    result_ttl_ms = ?, job_ttl_ms = ?, executor = ?, result = ?, failure = ?,
				    worker_id = ?, lease_expires_at = ?, ttl_expires_at = ?, result_expires_at = ?,
				    purge_at = ?, schedule_id = ?, dedup_key = ?, updated_at = ?
				WHERE id = ?`
			if _, err := tx.ExecContext(ctx, query, append(args, job.ID)...); err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			return nil
		}

		query := `
			INSERT INTO jobs (id, queue, module, symbol, payload, status,
				enqueued_at, scheduled_at, started_at, completed_at,
				attempt, repeats, retry_max, retry_delay_ms, repeat_max,
				result_ttl_ms, job_ttl_ms, executor, result, failure,
				worker_id, lease_expires_at, ttl_expires_at, result_expires_at,
				purge_at, schedule_id, dedup_key, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, append([]any{job.ID}, args...)...); err != nil {
			if s.dialect.isDuplicate(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.ID)
			}
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (s *Store) getJobTx(ctx context.Context, tx *sql.Tx, id string, lock bool) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if lock {
		query += s.dialect.rowLock
	}
	job, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if isNoRows(err) {
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
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY COALESCE(scheduled_at, enqueued_at), ` + s.dialect.tiebreak

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var claimed *domain.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		nowStr := encodeTime(now)

		// A worker re-issuing its claim gets its leased job back.
		heldQuery := `SELECT ` + jobColumns + ` FROM jobs
			WHERE status = 3 AND worker_id = ? AND lease_expires_at > ?`
		heldArgs := []any{workerID, nowStr}
		if queue != "" {
			heldQuery += ` AND queue = ?`
			heldArgs = append(heldArgs, queue)
		}
		heldQuery += ` LIMIT 1`
		job, err := scanJob(tx.QueryRowContext(ctx, heldQuery, heldArgs...))
		if err == nil {
			claimed = job
			return nil
		}
		if !isNoRows(err) {
			return fmt.Errorf("check held claim: %w", err)
		}

		pickQuery := `SELECT id FROM jobs
			WHERE status IN (1, 2)
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			  AND (ttl_expires_at IS NULL OR ttl_expires_at >= ?)`
		pickArgs := []any{nowStr, nowStr}
		if queue != "" {
			pickQuery += ` AND queue = ?`
			pickArgs = append(pickArgs, queue)
		}
		pickQuery += ` ORDER BY COALESCE(scheduled_at, enqueued_at), ` + s.dialect.tiebreak +
			` LIMIT 1` + s.dialect.claimLock

		var id string
		err = tx.QueryRowContext(ctx, pickQuery, pickArgs...).Scan(&id)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pick job: %w", err)
		}

		updateQuery := `
			UPDATE jobs
			SET status = 3, started_at = ?, attempt = attempt + 1,
			    worker_id = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, updateQuery,
			nowStr, workerID, encodeTime(now.Add(lease)), nowStr, id); err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		claimed, err = s.getJobTx(ctx, tx, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) RenewLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	now := s.now()
	query := `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = 3`
	res, err := s.db.ExecContext(ctx, query, encodeTime(now.Add(lease)), encodeTime(now), id, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if rowsAffected(res) == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not held by %s", domain.ErrLeaseExpired, id, workerID)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, failure string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusStarted {
			return fmt.Errorf("%w: complete %s from %s", domain.ErrIllegalTransition, id, job.Status)
		}

		now := s.now()
		status := codeFinished
		var stored []byte
		var resultExpires any
		if failure != "" {
			status = codeFailed
		} else if job.ResultTTL > 0 {
			stored = result
			resultExpires = encodeTime(now.Add(job.ResultTTL))
		}

		query := `
			UPDATE jobs
			SET status = ?, result = ?, result_expires_at = ?, failure = ?,
			    completed_at = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`
		nowStr := encodeTime(now)
		if _, err := tx.ExecContext(ctx, query, status, stored, resultExpires, failure, nowStr, nowStr, id); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		return nil
	})
}

func (s *Store) RequeueForRetry(ctx context.Context, id string, at time.Time, failure string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusStarted {
			return fmt.Errorf("%w: retry %s from %s", domain.ErrIllegalTransition, id, job.Status)
		}
		query := `
			UPDATE jobs
			SET status = 1, scheduled_at = ?, failure = ?, started_at = NULL,
			    worker_id = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, encodeTime(at), failure, encodeTime(s.now()), id); err != nil {
			return fmt.Errorf("requeue job for retry: %w", err)
		}
		return nil
	})
}

func (s *Store) RequeueForRepeat(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if job.Status != domain.StatusFinished {
			return fmt.Errorf("%w: repeat %s from %s", domain.ErrIllegalTransition, id, job.Status)
		}
		nowStr := encodeTime(s.now())
		query := `
			UPDATE jobs
			SET status = 1, repeats = repeats + 1, scheduled_at = ?, started_at = NULL,
			    completed_at = NULL, result = NULL, result_expires_at = NULL,
			    worker_id = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, nowStr, nowStr, id); err != nil {
			return fmt.Errorf("requeue job for repeat: %w", err)
		}
		return nil
	})
}

func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !domain.CanTransition(job.Status, domain.StatusCanceled) {
			return fmt.Errorf("%w: cancel %s from %s", domain.ErrIllegalTransition, id, job.Status)
		}
		nowStr := encodeTime(s.now())
		query := `
			UPDATE jobs
			SET status = 6, completed_at = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, nowStr, nowStr, id); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteJob(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if rowsAffected(res) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		now := s.now()
		nowStr := encodeTime(now)
		purgeAt := encodeTime(now.Add(ttl))

		// The record stays readable until the deadline but must not run.
		if domain.CanTransition(job.Status, domain.StatusCanceled) {
			query := `
				UPDATE jobs
				SET purge_at = ?, status = 6, completed_at = ?,
				    lease_expires_at = NULL, updated_at = ?
				WHERE id = ?`
			_, err = tx.ExecContext(ctx, query, purgeAt, nowStr, nowStr, id)
		} else {
			query := `UPDATE jobs SET purge_at = ?, updated_at = ? WHERE id = ?`
			_, err = tx.ExecContext(ctx, query, purgeAt, nowStr, id)
		}
		if err != nil {
			return fmt.Errorf("mark job for deferred purge: %w", err)
		}
		return nil
	})
}

func (s *Store) JobsByScheduleID(ctx context.Context, scheduleID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE schedule_id = ?
		ORDER BY COALESCE(scheduled_at, enqueued_at), ` + s.dialect.tiebreak
	rows, err := s.db.QueryContext(ctx, query, scheduleID)
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
	query := `SELECT COUNT(*) FROM jobs WHERE schedule_id = ? AND status IN (1, 2, 3)`
	var count int
	if err := s.db.QueryRowContext(ctx, query, scheduleID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count running jobs of schedule: %w", err)
	}
	return count, nil
}
