package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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

const scheduleColumns = `id, queue, module, symbol, payload,
	trigger_kind, trigger_payload, next_fire_at, last_fire_at,
	misfire_grace_ms, max_jitter_ms, "coalesce", max_running_jobs, paused,
	result_ttl_ms, executor, created_at, updated_at`

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var (
		schedule    domain.Schedule
		payload     []byte
		triggerKind int
		triggerBody []byte
		graceMS     int64
		jitterMS    int64
		coalesce    int
		resultMS    int64
		executor    string
	)
	err := row.Scan(
		&schedule.ID, &schedule.Queue, &schedule.Func.Module, &schedule.Func.Symbol, &payload,
		&triggerKind, &triggerBody, &schedule.NextFireAt, &schedule.LastFireAt,
		&graceMS, &jitterMS, &coalesce, &schedule.MaxRunningJobs, &schedule.Paused,
		&resultMS, &executor, &schedule.CreatedAt, &schedule.UpdatedAt,
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
	schedule.Coalesce, err = coalesceFromCode(coalesce)
	if err != nil {
		return nil, err
	}
	schedule.MisfireGrace = time.Duration(graceMS) * time.Millisecond
	schedule.MaxJitter = time.Duration(jitterMS) * time.Millisecond
	schedule.ResultTTL = time.Duration(resultMS) * time.Millisecond
	schedule.Executor = domain.Executor(executor)
	return &schedule, nil
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

	query := `
		INSERT INTO schedules (id, queue, module, symbol, payload,
			trigger_kind, trigger_payload, next_fire_at, last_fire_at,
			misfire_grace_ms, max_jitter_ms, "coalesce", max_running_jobs, paused,
			result_ttl_ms, executor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())`
	switch conflict {
	case domain.ConflictDoNothing:
	case domain.ConflictReplace:
		query += `
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue, module = EXCLUDED.module, symbol = EXCLUDED.symbol,
			payload = EXCLUDED.payload, trigger_kind = EXCLUDED.trigger_kind,
			trigger_payload = EXCLUDED.trigger_payload, next_fire_at = EXCLUDED.next_fire_at,
			last_fire_at = EXCLUDED.last_fire_at, misfire_grace_ms = EXCLUDED.misfire_grace_ms,
			max_jitter_ms = EXCLUDED.max_jitter_ms, "coalesce" = EXCLUDED."coalesce",
			max_running_jobs = EXCLUDED.max_running_jobs, paused = EXCLUDED.paused,
			result_ttl_ms = EXCLUDED.result_ttl_ms, executor = EXCLUDED.executor,
			updated_at = NOW()`
	case domain.ConflictUpdate:
		// Fire bookkeeping survives an update; everything else is replaced.
		query += `
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue, module = EXCLUDED.module, symbol = EXCLUDED.symbol,
			payload = EXCLUDED.payload, trigger_kind = EXCLUDED.trigger_kind,
			trigger_payload = EXCLUDED.trigger_payload, misfire_grace_ms = EXCLUDED.misfire_grace_ms,
			max_jitter_ms = EXCLUDED.max_jitter_ms, "coalesce" = EXCLUDED."coalesce",
			max_running_jobs = EXCLUDED.max_running_jobs, paused = EXCLUDED.paused,
			result_ttl_ms = EXCLUDED.result_ttl_ms, executor = EXCLUDED.executor,
			updated_at = NOW()`
	default:
		return fmt.Errorf("%w: conflict policy %q", domain.ErrInvalidArgument, conflict)
	}

	_, err = s.pool.Exec(ctx, query,
		schedule.ID, schedule.Queue, schedule.Func.Module, schedule.Func.Symbol, payload,
		triggerKind, triggerBody, schedule.NextFireAt, schedule.LastFireAt,
		schedule.MisfireGrace.Milliseconds(), schedule.MaxJitter.Milliseconds(), coalesce,
		schedule.MaxRunningJobs, schedule.Paused,
		schedule.ResultTTL.Milliseconds(), string(schedule.Executor),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateScheduleID, schedule.ID)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	schedule, err := scanSchedule(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
		query += ` WHERE queue = $1`
		args = append(args, queue)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	query := `UPDATE schedules SET paused = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, paused)
	if err != nil {
		return fmt.Errorf("set schedule paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE NOT paused AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		ORDER BY next_fire_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	query := `UPDATE schedules SET next_fire_at = $2, last_fire_at = $3, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, next, last)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, id)
	}
	return nil
}
