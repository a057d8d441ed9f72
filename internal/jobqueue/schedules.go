package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

// AddSchedule registers a recurring materialization of the referenced
// function and returns the schedule id. Exactly one trigger source must be
// supplied: the trig argument or one of WithCron, WithInterval, WithRunDate.
// Without WithScheduleID the id derives from the function reference, growing
// numbered successors when taken.
func (m *Manager) AddSchedule(ctx context.Context, ref string, trig trigger.Trigger, opts ...ScheduleOption) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if m.unsupported(OpAddSchedule) {
		return "", fmt.Errorf("%w: schedules on role %s", domain.ErrUnsupportedOperation, m.role)
	}
	fn, err := domain.ParseFunctionRef(ref)
	if err != nil {
		return "", err
	}
	o, err := applyScheduleOptions(opts, m.defaults)
	if err != nil {
		return "", err
	}
	trig, err = selectTrigger(trig, o)
	if err != nil {
		return "", err
	}
	if err := trig.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
	}

	now := m.now()
	next, ok := trig.Next(now)
	if !ok {
		return "", fmt.Errorf("%w: trigger yields no future fire", domain.ErrInvalidArgument)
	}

	id := o.id
	if id == "" {
		id, err = m.autoScheduleID(ctx, fn, o.conflict != domain.ConflictDoNothing)
		if err != nil {
			return "", err
		}
	}

	sched := &domain.Schedule{
		ID:             id,
		Func:           fn,
		Args:           o.args,
		Kwargs:         o.kwargs,
		Queue:          o.queue,
		Trigger:        trig,
		NextFireAt:     &next,
		Coalesce:       o.coalesce,
		MaxRunningJobs: o.maxRunningJobs,
		Paused:         o.paused,
		ResultTTL:      DefaultResultTTL,
		Executor:       o.executor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if sched.Queue == "" {
		sched.Queue = m.pickQueue()
	}
	if o.misfireGrace != nil {
		sched.MisfireGrace = *o.misfireGrace
	}
	if o.maxJitter != nil {
		sched.MaxJitter = *o.maxJitter
	}
	if o.resultTTL != nil {
		sched.ResultTTL = *o.resultTTL
	}
	if sched.Executor == "" {
		sched.Executor = m.desc.DefaultExecutor
	}

	if err := repository.Retry(ctx, repository.PublishRetries, func() error {
		return m.store.PutSchedule(ctx, sched, o.conflict)
	}); err != nil {
		return "", err
	}
	m.publish(ctx, domain.NewEvent(domain.EventScheduleAdded, id, map[string]any{
		"queue":        sched.Queue,
		"next_fire_at": next.Format(time.RFC3339Nano),
	}))
	m.logger.Info("schedule added", "schedule_id", id, "func", fn.String(), "trigger", trig.Kind(), "queue", sched.Queue, "next_fire_at", next)
	return id, nil
}

func selectTrigger(trig trigger.Trigger, o *scheduleOptions) (trigger.Trigger, error) {
	sources := 0
	if trig != nil {
		sources++
	}
	if o.cron != "" {
		sources++
	}
	if o.interval != nil {
		sources++
	}
	if o.runDate != nil {
		sources++
	}
	if sources != 1 {
		return nil, fmt.Errorf("%w: exactly one trigger source (trigger, cron, interval or run date)", domain.ErrInvalidArgument)
	}
	switch {
	case trig != nil:
		return trig, nil
	case o.cron != "":
		return &trigger.Cron{Expr: o.cron}, nil
	case o.interval != nil:
		return trigger.Every(*o.interval), nil
	default:
		return &trigger.Date{RunAt: *o.runDate}, nil
	}
}

// autoScheduleID derives an id from the function reference. A taken base
// name grows numbered successors; an overwriting add reuses the first
// successor instead of minting ever more.
func (m *Manager) autoScheduleID(ctx context.Context, fn domain.FunctionRef, overwrite bool) (string, error) {
	existing, err := m.store.ListSchedules(ctx, "")
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, s := range existing {
		taken[s.ID] = true
	}
	base := fn.String()
	if !taken[base] {
		return base, nil
	}
	if overwrite {
		return base + "-1", nil
	}
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s-%d", base, n)
		if !taken[id] {
			return id, nil
		}
	}
}

// GetSchedule returns the stored schedule record.
func (m *Manager) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return m.store.GetSchedule(ctx, id)
}

// GetSchedules lists schedules. Queue "" means every queue.
func (m *Manager) GetSchedules(ctx context.Context, queue string) ([]*domain.Schedule, error) {
	return m.store.ListSchedules(ctx, queue)
}

// ScheduleIDs lists schedule ids. Queue "" means every queue.
func (m *Manager) ScheduleIDs(ctx context.Context, queue string) ([]string, error) {
	scheds, err := m.store.ListSchedules(ctx, queue)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(scheds))
	for i, s := range scheds {
		ids[i] = s.ID
	}
	return ids, nil
}

// ScheduleResults collects the decoded results of the schedule's finished
// jobs in arrival order and applies the selector: an index ("3"), a slice
// ("1:4"), an index list ("1,3,5") or one of all, latest, earliest.
func (m *Manager) ScheduleResults(ctx context.Context, id, selector string) ([]any, error) {
	jobs, err := m.store.JobsByScheduleID(ctx, id)
	if err != nil {
		return nil, err
	}
	results := make([]any, 0, len(jobs))
	for _, job := range jobs {
		if job.Status != domain.StatusFinished {
			continue
		}
		value, err := domain.DecodeResult(job.Result)
		if err != nil {
			return nil, err
		}
		results = append(results, value)
	}
	indices, err := parseResultSelector(selector, len(results))
	if err != nil {
		return nil, err
	}
	picked := make([]any, len(indices))
	for i, idx := range indices {
		picked[i] = results[idx]
	}
	return picked, nil
}

func parseResultSelector(selector string, n int) ([]int, error) {
	switch selector {
	case "", "all":
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	case "latest":
		if n == 0 {
			return nil, fmt.Errorf("%w: schedule has no results", domain.ErrResultNotFound)
		}
		return []int{n - 1}, nil
	case "earliest":
		if n == 0 {
			return nil, fmt.Errorf("%w: schedule has no results", domain.ErrResultNotFound)
		}
		return []int{0}, nil
	}
	if before, after, found := strings.Cut(selector, ":"); found {
		start, err := strconv.Atoi(before)
		if err != nil {
			return nil, fmt.Errorf("%w: result selector %q", domain.ErrInvalidArgument, selector)
		}
		end, err := strconv.Atoi(after)
		if err != nil {
			return nil, fmt.Errorf("%w: result selector %q", domain.ErrInvalidArgument, selector)
		}
		if start < 0 || end > n || start > end {
			return nil, fmt.Errorf("%w: slice %q out of range for %d results", domain.ErrInvalidArgument, selector, n)
		}
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		return indices, nil
	}
	parts := strings.Split(selector, ",")
	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: result selector %q", domain.ErrInvalidArgument, selector)
		}
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: result index %d out of range for %d results", domain.ErrInvalidArgument, idx, n)
		}
		indices = append(indices, idx)
	}
	return indices, nil
}

// PauseSchedule stops the schedule from firing until resumed. Unknown ids
// and unsupported roles report false.
func (m *Manager) PauseSchedule(ctx context.Context, id string) (bool, error) {
	return m.setSchedulePaused(ctx, id, true, OpPauseSchedule)
}

// ResumeSchedule lets a paused schedule fire again.
func (m *Manager) ResumeSchedule(ctx context.Context, id string) (bool, error) {
	return m.setSchedulePaused(ctx, id, false, OpResumeSchedule)
}

func (m *Manager) setSchedulePaused(ctx context.Context, id string, paused bool, op Operation) (bool, error) {
	if m.unsupported(op) {
		return false, nil
	}
	err := m.store.SetSchedulePaused(ctx, id, paused)
	switch {
	case err == nil:
		m.logger.Info("schedule updated", "schedule_id", id, "paused", paused)
		return true, nil
	case errors.Is(err, domain.ErrScheduleNotFound):
		return false, nil
	default:
		return false, err
	}
}

// PauseAllSchedules pauses every schedule and reports how many changed.
func (m *Manager) PauseAllSchedules(ctx context.Context) (int, error) {
	return m.setAllSchedulesPaused(ctx, true, OpPauseSchedule)
}

// ResumeAllSchedules resumes every schedule and reports how many changed.
func (m *Manager) ResumeAllSchedules(ctx context.Context) (int, error) {
	return m.setAllSchedulesPaused(ctx, false, OpResumeSchedule)
}

func (m *Manager) setAllSchedulesPaused(ctx context.Context, paused bool, op Operation) (int, error) {
	if m.unsupported(op) {
		return 0, nil
	}
	scheds, err := m.store.ListSchedules(ctx, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range scheds {
		if s.Paused == paused {
			continue
		}
		if err := m.store.SetSchedulePaused(ctx, s.ID, paused); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		m.logger.Info("schedules updated", "paused", paused, "count", count)
	}
	return count, nil
}

// CancelSchedule removes the schedule but leaves already-materialized jobs
// to run out. Unknown ids and unsupported roles report false.
func (m *Manager) CancelSchedule(ctx context.Context, id string) (bool, error) {
	if m.unsupported(OpCancelSchedule) {
		return false, nil
	}
	return m.removeSchedule(ctx, id, false)
}

// DeleteSchedule removes the schedule and its unfinished jobs. Settled jobs
// and their results stay.
func (m *Manager) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	if m.unsupported(OpDeleteSchedule) {
		return false, nil
	}
	return m.removeSchedule(ctx, id, true)
}

func (m *Manager) removeSchedule(ctx context.Context, id string, purgeJobs bool) (bool, error) {
	if _, err := m.store.GetSchedule(ctx, id); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			return false, nil
		}
		return false, err
	}
	if purgeJobs {
		jobs, err := m.store.JobsByScheduleID(ctx, id)
		if err != nil {
			return false, err
		}
		for _, job := range jobs {
			if job.Status.Terminal() {
				continue
			}
			if err := m.store.DeleteJob(ctx, job.ID, 0); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
				return false, err
			}
		}
	}
	err := m.store.DeleteSchedule(ctx, id)
	switch {
	case err == nil:
		m.publish(ctx, domain.NewEvent(domain.EventScheduleRemoved, id, nil))
		m.logger.Info("schedule removed", "schedule_id", id, "purged_jobs", purgeJobs)
		return true, nil
	case errors.Is(err, domain.ErrScheduleNotFound):
		return false, nil
	default:
		return false, err
	}
}

// CancelAllSchedules removes every schedule, leaving materialized jobs, and
// reports how many were removed.
func (m *Manager) CancelAllSchedules(ctx context.Context) (int, error) {
	return m.removeAllSchedules(ctx, false, OpCancelSchedule)
}

// DeleteAllSchedules removes every schedule and their unfinished jobs, and
// reports how many schedules were removed.
func (m *Manager) DeleteAllSchedules(ctx context.Context) (int, error) {
	return m.removeAllSchedules(ctx, true, OpDeleteSchedule)
}

func (m *Manager) removeAllSchedules(ctx context.Context, purgeJobs bool, op Operation) (int, error) {
	if m.unsupported(op) {
		return 0, nil
	}
	scheds, err := m.store.ListSchedules(ctx, "")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range scheds {
		ok, err := m.removeSchedule(ctx, s.ID, purgeJobs)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}
