// Package pipeline wires the project's pipeline registry into the job
// system. Pipelines stay opaque here; jobs and schedules reference them
// through a single runner function that dispatches by name.
package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/jobqueue"
	"github.com/flowerpower-dev/flowerpower/internal/registry"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

// Registry is the surface the pipeline subsystem exposes to the job
// system. Run executes the named pipeline with its keyword arguments
// and returns the pipeline's final value.
type Registry interface {
	Names() []string
	Run(ctx context.Context, name string, kwargs map[string]any) (any, error)
}

// RunnerRef is the function reference jobs and schedules carry to
// execute a pipeline. The target pipeline travels in the NameKwarg
// keyword argument, so every pipeline run shares one registration.
const RunnerRef = "flowerpower.pipeline.runner:run"

// NameKwarg selects the pipeline inside the runner's keyword arguments.
const NameKwarg = "name"

// Bind registers the pipeline runner in funcs. Jobs enqueued with
// RunnerRef execute the pipeline named by their NameKwarg kwarg; the
// remaining kwargs pass through to the pipeline untouched.
func Bind(funcs *registry.Registry, pipelines Registry) error {
	if pipelines == nil {
		return fmt.Errorf("%w: nil pipeline registry", domain.ErrInvalidArgument)
	}
	return funcs.Register(RunnerRef, func(ctx context.Context, _ []any, kwargs map[string]any) (any, error) {
		name, _ := kwargs[NameKwarg].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: pipeline runner needs a %q kwarg", domain.ErrInvalidArgument, NameKwarg)
		}
		rest := make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			if k != NameKwarg {
				rest[k] = v
			}
		}
		return pipelines.Run(ctx, name, rest)
	})
}

// Kwargs builds the runner's keyword arguments for the named pipeline.
func Kwargs(name string, kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs)+1)
	for k, v := range kwargs {
		out[k] = v
	}
	out[NameKwarg] = name
	return out
}

// Runner enqueues pipeline runs through a queue manager. It validates
// names against the registry up front, so a typo fails at enqueue time
// instead of inside a worker.
type Runner struct {
	pipelines Registry
	manager   *jobqueue.Manager
}

// NewRunner binds the runner function in funcs and returns a Runner
// placing jobs through m.
func NewRunner(pipelines Registry, m *jobqueue.Manager, funcs *registry.Registry) (*Runner, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil queue manager", domain.ErrInvalidArgument)
	}
	if err := Bind(funcs, pipelines); err != nil {
		return nil, err
	}
	return &Runner{pipelines: pipelines, manager: m}, nil
}

// AddJob enqueues a one-off run of the named pipeline and returns the
// job id.
func (r *Runner) AddJob(ctx context.Context, name string, kwargs map[string]any, opts ...jobqueue.JobOption) (string, error) {
	if err := r.known(name); err != nil {
		return "", err
	}
	opts = append(slices.Clone(opts), jobqueue.WithKwargs(Kwargs(name, kwargs)))
	return r.manager.AddJob(ctx, RunnerRef, opts...)
}

// RunJob executes the named pipeline through the queue and waits for
// its result.
func (r *Runner) RunJob(ctx context.Context, name string, kwargs map[string]any, opts ...jobqueue.JobOption) (any, error) {
	if err := r.known(name); err != nil {
		return nil, err
	}
	opts = append(slices.Clone(opts), jobqueue.WithKwargs(Kwargs(name, kwargs)))
	return r.manager.RunJob(ctx, RunnerRef, opts...)
}

// AddSchedule places a recurring run of the named pipeline and returns
// the schedule id. The id defaults to the pipeline name; pass
// jobqueue.WithScheduleID to run one pipeline on several schedules.
func (r *Runner) AddSchedule(ctx context.Context, name string, trig trigger.Trigger, kwargs map[string]any, opts ...jobqueue.ScheduleOption) (string, error) {
	if err := r.known(name); err != nil {
		return "", err
	}
	all := make([]jobqueue.ScheduleOption, 0, len(opts)+2)
	all = append(all, jobqueue.WithScheduleID(name))
	all = append(all, opts...)
	all = append(all, jobqueue.WithScheduleKwargs(Kwargs(name, kwargs)))
	return r.manager.AddSchedule(ctx, RunnerRef, trig, all...)
}

func (r *Runner) known(name string) error {
	if slices.Contains(r.pipelines.Names(), name) {
		return nil
	}
	return fmt.Errorf("%w: unknown pipeline %q", domain.ErrInvalidArgument, name)
}
