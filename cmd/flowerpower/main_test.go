package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/jobqueue"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 1, exitCode(domain.ErrJobNotFound))
	assert.Equal(t, 2, exitCode(domain.ErrBackendUnavailable))
	assert.Equal(t, 2, exitCode(fmt.Errorf("open store: %w", domain.ErrBackendUnavailable)))
}

func TestRoleFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, jobqueue.RoleRedisQueue, roleFor(backend.Redis))
	assert.Equal(t, jobqueue.RoleInProcess, roleFor(backend.Memory))
	assert.Equal(t, jobqueue.RoleSchedulerStore, roleFor(backend.PostgreSQL))
	assert.Equal(t, jobqueue.RoleSchedulerStore, roleFor(backend.SQLite))
	assert.Equal(t, jobqueue.RoleSchedulerStore, roleFor(backend.MongoDB))
}

func TestRenderJobs(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderJobs(&buf, []*domain.Job{
		{
			ID:         "j1",
			Queue:      "default",
			Status:     domain.StatusQueued,
			Func:       domain.FunctionRef{Module: "math", Symbol: "add"},
			EnqueuedAt: at,
		},
		{
			ID:         "j2",
			Queue:      "reports",
			Status:     domain.StatusFinished,
			Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
			EnqueuedAt: at,
			ScheduleID: "etl",
		},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 3, "header plus one line per job")
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[1], "math:add")
	assert.Contains(t, lines[1], "2024-01-15T12:00:00Z")
	assert.True(t, strings.HasSuffix(lines[1], "-"), "jobs without a schedule render a dash")
	assert.Contains(t, lines[2], "etl")
}

func TestRenderSchedules(t *testing.T) {
	t.Parallel()

	next := time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderSchedules(&buf, []*domain.Schedule{
		{
			ID:         "reports:nightly",
			Queue:      "reports",
			Func:       domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"},
			Trigger:    &trigger.Cron{Expr: "0 3 * * *"},
			NextFireAt: &next,
		},
		{
			ID:     "once",
			Queue:  "default",
			Func:   domain.FunctionRef{Module: "math", Symbol: "add"},
			Paused: true,
		},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[1], "cron")
	assert.Contains(t, lines[1], "2024-01-16T03:00:00Z")
	assert.Contains(t, lines[1], "false")
	assert.Contains(t, lines[2], "true", "paused schedules show their flag")
	assert.Contains(t, lines[2], "-", "exhausted schedules render dashes")
}
