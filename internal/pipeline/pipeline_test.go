package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/jobqueue"
	"github.com/flowerpower-dev/flowerpower/internal/registry"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
	"github.com/flowerpower-dev/flowerpower/internal/worker"
)

// fakePipelines serves pipelines from a map and records the kwargs each
// run received.
type fakePipelines struct {
	mu    sync.Mutex
	runs  map[string][]map[string]any
	funcs map[string]func(kwargs map[string]any) (any, error)
}

func newFakePipelines() *fakePipelines {
	return &fakePipelines{
		runs:  make(map[string][]map[string]any),
		funcs: make(map[string]func(map[string]any) (any, error)),
	}
}

func (f *fakePipelines) define(name string, fn func(map[string]any) (any, error)) {
	f.funcs[name] = fn
}

func (f *fakePipelines) Names() []string {
	names := make([]string, 0, len(f.funcs))
	for name := range f.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakePipelines) Run(_ context.Context, name string, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	fn, ok := f.funcs[name]
	if ok {
		f.runs[name] = append(f.runs[name], kwargs)
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pipeline %s not defined", name)
	}
	return fn(kwargs)
}

func (f *fakePipelines) recorded(name string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.runs[name])
}

func newQueueHarness(t *testing.T) (*jobqueue.Manager, *registry.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	broker := memory.NewBroker(logger)
	funcs := registry.New()

	desc, err := backend.New(backend.Memory)
	require.NoError(t, err)

	mgr, err := jobqueue.New(context.Background(), jobqueue.RoleInProcess, desc, logger,
		jobqueue.WithClients(store, broker),
		jobqueue.WithWorkerOptions(
			worker.WithClients(store, broker),
			worker.WithRegistry(funcs),
			worker.WithPollInterval(5*time.Millisecond),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mgr.Close())
		require.NoError(t, broker.Close())
		require.NoError(t, store.Close())
	})
	return mgr, funcs
}

func TestBindDispatchesByName(t *testing.T) {
	t.Parallel()

	pipes := newFakePipelines()
	pipes.define("etl", func(kwargs map[string]any) (any, error) {
		return kwargs["rows"], nil
	})

	funcs := registry.New()
	require.NoError(t, Bind(funcs, pipes))

	ref, err := domain.ParseFunctionRef(RunnerRef)
	require.NoError(t, err)
	fn, err := funcs.Resolve(ref)
	require.NoError(t, err)

	out, err := fn(context.Background(), nil, Kwargs("etl", map[string]any{"rows": 42}))
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	got := pipes.recorded("etl")
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"rows": 42}, got[0], "the name kwarg stays with the runner")
}

func TestBindValidation(t *testing.T) {
	t.Parallel()

	funcs := registry.New()
	require.ErrorIs(t, Bind(funcs, nil), domain.ErrInvalidArgument)

	require.NoError(t, Bind(funcs, newFakePipelines()))
	ref, err := domain.ParseFunctionRef(RunnerRef)
	require.NoError(t, err)
	fn, err := funcs.Resolve(ref)
	require.NoError(t, err)

	_, err = fn(context.Background(), nil, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = fn(context.Background(), nil, map[string]any{NameKwarg: 7})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRunnerExecutesThroughQueue(t *testing.T) {
	t.Parallel()

	mgr, funcs := newQueueHarness(t)
	ctx := context.Background()

	pipes := newFakePipelines()
	pipes.define("etl", func(kwargs map[string]any) (any, error) {
		rows, _ := kwargs["rows"].(float64)
		return rows * 2, nil
	})
	r, err := NewRunner(pipes, mgr, funcs)
	require.NoError(t, err)

	require.NoError(t, mgr.StartWorker(ctx, true))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := r.RunJob(waitCtx, "etl", map[string]any{"rows": 21.0})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)

	got := pipes.recorded("etl")
	require.Len(t, got, 1)
	assert.Equal(t, map[string]any{"rows": 21.0}, got[0])

	require.NoError(t, mgr.StopWorker(ctx))
}

func TestRunnerRejectsUnknownPipeline(t *testing.T) {
	t.Parallel()

	mgr, funcs := newQueueHarness(t)
	ctx := context.Background()

	pipes := newFakePipelines()
	pipes.define("etl", func(map[string]any) (any, error) { return nil, nil })
	r, err := NewRunner(pipes, mgr, funcs)
	require.NoError(t, err)

	_, err = r.AddJob(ctx, "ghost", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.RunJob(ctx, "ghost", nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = r.AddSchedule(ctx, "ghost", trigger.Every(time.Minute), nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	jobs, err := mgr.GetJobs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected names must not leave records")
}

func TestRunnerAddScheduleDefaultsToName(t *testing.T) {
	t.Parallel()

	mgr, funcs := newQueueHarness(t)
	ctx := context.Background()

	pipes := newFakePipelines()
	pipes.define("reports.nightly", func(map[string]any) (any, error) { return nil, nil })
	r, err := NewRunner(pipes, mgr, funcs)
	require.NoError(t, err)

	id, err := r.AddSchedule(ctx, "reports.nightly", trigger.Every(time.Hour), map[string]any{"day": "mon"})
	require.NoError(t, err)
	assert.Equal(t, "reports.nightly", id)

	sched, err := mgr.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunnerRef, sched.Func.String())
	assert.Equal(t, map[string]any{"name": "reports.nightly", "day": "mon"}, sched.Kwargs)

	id2, err := r.AddSchedule(ctx, "reports.nightly", trigger.Every(time.Minute), nil,
		jobqueue.WithScheduleID("reports.nightly:hourly"))
	require.NoError(t, err)
	assert.Equal(t, "reports.nightly:hourly", id2, "an explicit id overrides the pipeline-name default")
}
