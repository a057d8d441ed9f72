package domain

import (
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

// Coalesce picks how overdue fires collapse when the scheduler catches up
// after downtime.
type Coalesce string

const (
	CoalesceLatest   Coalesce = "latest"
	CoalesceEarliest Coalesce = "earliest"
	CoalesceAll      Coalesce = "all"
)

func (c Coalesce) Valid() bool {
	switch c {
	case CoalesceLatest, CoalesceEarliest, CoalesceAll:
		return true
	}
	return false
}

// ConflictPolicy decides what happens when a schedule is added under an
// id that already exists.
type ConflictPolicy string

const (
	ConflictDoNothing ConflictPolicy = "do-nothing"
	ConflictReplace   ConflictPolicy = "replace"
	ConflictUpdate    ConflictPolicy = "update"
)

func (p ConflictPolicy) Valid() bool {
	switch p {
	case ConflictDoNothing, ConflictReplace, ConflictUpdate:
		return true
	}
	return false
}

type Schedule struct {
	ID     string
	Func   FunctionRef
	Args   []any
	Kwargs map[string]any
	Queue  string

	Trigger trigger.Trigger

	NextFireAt *time.Time // nil once the trigger is exhausted
	LastFireAt *time.Time

	MisfireGrace   time.Duration // how late a missed fire may still run
	MaxJitter      time.Duration // random delay added per fire
	Coalesce       Coalesce
	MaxRunningJobs int // 0 = unlimited
	Paused         bool

	ResultTTL time.Duration
	Executor  Executor

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether the schedule should fire at now. Paused and
// exhausted schedules are never due.
func (s *Schedule) Due(now time.Time) bool {
	return !s.Paused && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// Exhausted reports whether the trigger will never fire again.
func (s *Schedule) Exhausted() bool { return s.NextFireAt == nil }

// FireDedupKey identifies one (schedule, fire instant) pair. Jobs carrying
// the same key are the same logical fire, so a crashed-and-restarted
// scheduler cannot materialize it twice.
func FireDedupKey(scheduleID string, fireAt time.Time) string {
	return fmt.Sprintf("sched:%s:%d", scheduleID, fireAt.UnixMilli())
}
