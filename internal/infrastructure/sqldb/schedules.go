package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

const (
	codeCoalesceLatest   = 1
	codeCoalesceEarliest = 2
	codeCoalesceAll      = 3
)

func codeForCoalesce(c domain.Coalesce) (int, error) {
	switch c {
	case domain.CoalesceLatest:
		return codeCoalesceLatest, nil
	case domain.CoalesceEarliest:
		return codeCoalesceEarliest, nil
	case domain.CoalesceAll:
		return codeCoalesceAll, nil
	default:
		return 0, fmt.Errorf("%w: coalesce %q", domain.ErrInvalidArgument, c)
	}
}

func coalesceFromCode(code int) (domain.Coalesce, error) {
	switch code {
	case codeCoalesceLatest:
		return domain.CoalesceLatest, nil
	case codeCoalesceEarliest:
		return domain.CoalesceEarliest, nil
	case codeCoalesceAll:
		return domain.CoalesceAll, nil
	default:
		return "", fmt.Errorf("%w: coalesce code %d", domain.ErrInvalidArgument, code)
	}
}

var scheduleColumns = fmt.Sprintf(`id, queue, module, symbol, payload,
	trigger_kind, trigger_payload, next_fire_at, last_fire_at,
	misfire_grace_ms, max_jitter_ms, %s, max_running_jobs, paused,
	result_ttl_ms, executor, created_at, updated_at`, coalesceCol)

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		schedule    domain.Schedule
		payload     []byte
		triggerKind int
		triggerBody []byte
		next        sql.NullString
		last        sql.NullString
		graceMS     int64
		jitterMS    int64
		coalesce    int
		paused      int
		resultMS    int64
		executor    string
		created     string
		updated     string
	)
	err := row.Scan(
		&schedule.ID, &schedule.Queue, &schedule.Func.Module, &schedule.Func.Symbol, &payload,
		&triggerKind, &triggerBody, &next, &last,
		&graceMS, &jitterMS, &coalesce, &schedule.MaxRunningJobs, &paused,
		&resultMS, &executor, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	schedule.Trigger, err = trigger.DecodeBody(triggerKind, triggerBody)
	if err != nil {
		return nil, fmt.Errorf("decode trigger of schedule %s: %w", schedule.ID, err)
	}
	schedule.Args, schedule.Kwargs, err = domain.DecodeArgs(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of schedule %s: %w", schedule.ID, err)
	}
	if schedule.Coalesce, err = coalesceFromCode(coalesce); err != nil {
		return nil, err
	}
	if schedule.NextFireAt, err = decodeTimePtr(next); err != nil {
		return nil, err
	}
	if schedule.LastFireAt, err = decodeTimePtr(last); err != nil {
		return nil, err
	}
	if schedule.CreatedAt, err = decodeTime(created); err != nil {
		return nil, err
	}
	if schedule.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	schedule.MisfireGrace = time.Duration(graceMS) * time.Millisecond
	schedule.MaxJitter = time.Duration(jitterMS) * time.Millisecond
	schedule.ResultTTL = time.Duration(resultMS) * time.Millisecond
	schedule.Paused = paused != 0
	schedule.Executor = domain.Executor(executor)
	return &schedule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) PutSchedule(ctx context.Context, schedule *domain.Schedule, conflict domain.ConflictPolicy) error {
	if schedule.ID == "" {
		return fmt.Errorf("%w: schedule id is empty", domain.ErrInvalidArgument)
	}
	coalesce, err := codeForCoalesce(schedule.Coalesce)
	if err != nil {
		return err
	}
	triggerKind, err := trigger.KindCode(schedule.Trigger)
	if err != nil {
		return err
	}
	triggerBody, err := trigger.EncodeBody(schedule.Trigger)
	if err != nil {
		return err
	}
	payload, err := domain.EncodeArgs(schedule.Args, schedule.Kwargs)
	if err != nil {
		return fmt.Errorf("encode payload of schedule %s: %w", schedule.ID, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var probe string
		err := tx.QueryRowContext(ctx, `SELECT id FROM schedules WHERE id = ?`+s.dialect.rowLock, schedule.ID).Scan(&probe)
		exists := err == nil
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("probe schedule: %w", err)
		}
		nowStr := encodeTime(s.now())

		if !exists {
			query := fmt.Sprintf(`
				INSERT INTO schedules (id, queue, module, symbol, payload,
					trigger_kind, trigger_payload, next_fire_at, last_fire_at,
					misfire_grace_ms, max_jitter_ms, %s, max_running_jobs, paused,
					result_ttl_ms, executor, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, coalesceCol)
			_, err := tx.ExecContext(ctx, query,
				schedule.ID, schedule.Queue, schedule.Func.Module, schedule.Func.Symbol, payload,
				triggerKind, triggerBody, encodeTimePtr(schedule.NextFireAt), encodeTimePtr(schedule.LastFireAt),
				schedule.MisfireGrace.Milliseconds(), schedule.MaxJitter.Milliseconds(), coalesce,
				schedule.MaxRunningJobs, boolToInt(schedule.Paused),
				schedule.ResultTTL.Milliseconds(), string(schedule.Executor), nowStr, nowStr,
			)
			if err != nil {
				if s.dialect.isDuplicate(err) {
					return fmt.Errorf("%w: %s", domain.ErrDuplicateScheduleID, schedule.ID)
				}
				return fmt.Errorf("insert schedule: %w", err)
			}
			return nil
		}

		switch conflict {
		case domain.ConflictDoNothing:
			return fmt.Errorf("%w: %s", domain.ErrDuplicateScheduleID, schedule.ID)
		case domain.ConflictReplace:
			query := fmt.Sprintf(`
				UPDATE schedules
				SET queue = ?, module = ?, symbol = ?, payload = ?,
				    trigger_kind = ?, trigger_payload = ?, next_fire_at = ?, last_fire_at = ?,
				    misfire_grace_ms = ?, max_jitter_ms = ?, %s = ?, max_running_jobs = ?,
				    paused = ?, result_ttl_ms = ?, executor = ?, updated_at = ?
				WHERE id = ?`, coalesceCol)
			_, err := tx.ExecContext(ctx, query,
				schedule.Queue, schedule.Func.Module, schedule.Func.Symbol, payload,
				triggerKind, triggerBody, encodeTimePtr(schedule.NextFireAt), encodeTimePtr(schedule.LastFireAt),
				schedule.MisfireGrace.Milliseconds(), schedule.MaxJitter.Milliseconds(), coalesce,
				schedule.MaxRunningJobs, boolToInt(schedule.Paused),
				schedule.ResultTTL.Milliseconds(), string(schedule.Executor), nowStr, schedule.ID,
			)
			if err != nil {
				return fmt.Errorf("replace schedule: %w", err)
			}
			return nil
		case domain.ConflictUpdate:
			// Fire bookkeeping survives an update; everything else is replaced.
			query := fmt.Sprintf(`
				UPDATE schedules
				SET queue = ?, module = ?, symbol = ?, payload = ?,
				    trigger_kind = ?, trigger_payload = ?,
				    misfire_grace_ms = ?, max_jitter_ms = ?, %s = ?, max_running_jobs = ?,
				    paused = ?, result_ttl_ms = ?, executor = ?, updated_at = ?
				WHERE id = ?`, coalesceCol)
			_, err := tx.ExecContext(ctx, query,
				schedule.Queue, schedule.Func.Module, schedule.Func.Symbol, payload,
				triggerKind, triggerBody,
				schedule.MisfireGrace.Milliseconds(), schedule.MaxJitter.Milliseconds(), coalesce,
				schedule.MaxRunningJobs, boolToInt(schedule.Paused),
				schedule.ResultTTL.Milliseconds(), string(schedule.Executor), nowStr, schedule.ID,
			)
			if err != nil {
				return fmt.Errorf("update schedule: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("%w: conflict policy %q", domain.ErrInvalidArgument, conflict)
		}
	})
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`
	schedule, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	query := `UPDATE schedules SET paused = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, boolToInt(paused), encodeTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set schedule paused: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules
		WHERE paused = 0 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at`
	args := []any{encodeTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var due []*domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, schedule)
	}
	return due, rows.Err()
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, next *time.Time, last time.Time) error {
	query := `UPDATE schedules SET next_fire_at = ?, last_fire_at = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, encodeTimePtr(next), encodeTime(last), encodeTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}
