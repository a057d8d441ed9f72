package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// The queue-broker role never hosts schedules; the scheduler keeps them
// in its own data store and only materialized jobs reach Redis.
func unsupported(op string) error {
	return fmt.Errorf("%w: %s on the redis queue backend", domain.ErrUnsupportedOperation, op)
}

func (s *Store) PutSchedule(ctx context.Context, schedule *domain.Schedule, conflict domain.ConflictPolicy) error {
	return unsupported("put schedule")
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return nil, unsupported("get schedule")
}

func (s *Store) ListSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error) {
	return nil, unsupported("list schedules")
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return unsupported("delete schedule")
}

func (s *Store) SetSchedulePaused(ctx context.Context, id string, paused bool) error {
	return unsupported("pause schedule")
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	return nil, unsupported("list due schedules")
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, next *time.Time, last time.Time) error {
	return unsupported("advance schedule")
}
