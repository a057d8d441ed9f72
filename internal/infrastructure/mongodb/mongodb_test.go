package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

func TestJobDocRoundTrip(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	scheduled := base.Add(time.Minute)
	started := base.Add(2 * time.Minute)
	job := &domain.Job{
		ID:          "j1",
		Func:        domain.FunctionRef{Module: "app.tasks", Symbol: "send_email"},
		Args:        []any{"hello", float64(7)},
		Kwargs:      map[string]any{"retries": float64(2)},
		Queue:       "mail",
		Status:      domain.StatusStarted,
		EnqueuedAt:  base,
		ScheduledAt: &scheduled,
		StartedAt:   &started,
		Attempt:     1,
		Retry:       domain.RetryPolicy{Max: 3, Delay: 10 * time.Second},
		Repeat:      domain.RepeatPolicy{Max: 1},
		ResultTTL:   5 * time.Minute,
		JobTTL:      time.Hour,
		Executor:    domain.ExecutorAsync,
		WorkerID:    "w1",
		ScheduleID:  "sched-1",
		DedupKey:    "sched:sched-1:1705320060",
	}

	doc, err := docFromJob(job)
	require.NoError(t, err)
	assert.Equal(t, scheduled, doc.FireAt, "fire time tracks the deferral")
	require.NotNil(t, doc.TTLExpiresAt)
	assert.Equal(t, base.Add(time.Hour), *doc.TTLExpiresAt)
	assert.Nil(t, doc.ResultExpiresAt, "no result stored yet")

	got, err := jobFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Func, got.Func)
	assert.Equal(t, job.Args, got.Args)
	assert.Equal(t, job.Kwargs, got.Kwargs)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.EnqueuedAt, got.EnqueuedAt)
	assert.Equal(t, job.ScheduledAt, got.ScheduledAt)
	assert.Equal(t, job.StartedAt, got.StartedAt)
	assert.Equal(t, job.Retry, got.Retry)
	assert.Equal(t, job.Repeat, got.Repeat)
	assert.Equal(t, job.ResultTTL, got.ResultTTL)
	assert.Equal(t, job.JobTTL, got.JobTTL)
	assert.Equal(t, job.Executor, got.Executor)
	assert.Equal(t, job.WorkerID, got.WorkerID)
	assert.Equal(t, job.ScheduleID, got.ScheduleID)
	assert.Equal(t, job.DedupKey, got.DedupKey)
}

func TestJobDocFireAtFallsBackToEnqueued(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	job := &domain.Job{
		ID:         "j1",
		Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:      "default",
		Status:     domain.StatusQueued,
		EnqueuedAt: base,
	}
	doc, err := docFromJob(job)
	require.NoError(t, err)
	assert.Equal(t, base, doc.FireAt)
	assert.Nil(t, doc.TTLExpiresAt, "no lifetime bound configured")
}

func TestJobDocRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	_, err := jobFromDoc(&jobDoc{ID: "j1", Status: 99})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = docFromJob(&domain.Job{ID: "j1", Status: domain.Status("bogus")})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScheduleDocRoundTrip(t *testing.T) {
	t.Parallel()
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	next := base.Add(5 * time.Minute)
	last := base
	schedule := &domain.Schedule{
		ID:             "nightly",
		Func:           domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Args:           []any{"full"},
		Queue:          "default",
		Trigger:        &trigger.Interval{Minutes: 5},
		NextFireAt:     &next,
		LastFireAt:     &last,
		MisfireGrace:   30 * time.Second,
		MaxJitter:      5 * time.Second,
		Coalesce:       domain.CoalesceEarliest,
		MaxRunningJobs: 2,
		Paused:         true,
		ResultTTL:      time.Minute,
		Executor:       domain.ExecutorThreadPool,
	}

	doc, err := docFromSchedule(schedule)
	require.NoError(t, err)
	assert.Equal(t, codeCoalesceEarliest, doc.Coalesce)

	got, err := scheduleFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, schedule.ID, got.ID)
	assert.Equal(t, schedule.Func, got.Func)
	assert.Equal(t, schedule.Args, got.Args)
	assert.Equal(t, schedule.Trigger, got.Trigger)
	assert.Equal(t, schedule.NextFireAt, got.NextFireAt)
	assert.Equal(t, schedule.LastFireAt, got.LastFireAt)
	assert.Equal(t, schedule.MisfireGrace, got.MisfireGrace)
	assert.Equal(t, schedule.MaxJitter, got.MaxJitter)
	assert.Equal(t, schedule.Coalesce, got.Coalesce)
	assert.Equal(t, schedule.MaxRunningJobs, got.MaxRunningJobs)
	assert.True(t, got.Paused)
	assert.Equal(t, schedule.ResultTTL, got.ResultTTL)
	assert.Equal(t, schedule.Executor, got.Executor)
}

func TestScheduleDocExhausted(t *testing.T) {
	t.Parallel()
	schedule := &domain.Schedule{
		ID:       "one-shot",
		Func:     domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
		Queue:    "default",
		Trigger:  &trigger.Date{RunAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)},
		Coalesce: domain.CoalesceLatest,
		Executor: domain.ExecutorThreadPool,
	}
	doc, err := docFromSchedule(schedule)
	require.NoError(t, err)
	assert.Nil(t, doc.NextFireAt)

	got, err := scheduleFromDoc(doc)
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt)
}
