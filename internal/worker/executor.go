package worker

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/registry"
)

// outcome carries one function return across the executor boundary.
type outcome struct {
	value any
	err   error
}

// ExecPool bounds how many job functions run concurrently in one process.
// The workers of a Pool share a single instance, so MaxConcurrentJobs caps
// the process rather than each worker.
type ExecPool struct {
	slots chan struct{}
}

func NewExecPool(size int) *ExecPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &ExecPool{slots: make(chan struct{}, size)}
}

// Size returns the slot capacity.
func (p *ExecPool) Size() int { return cap(p.slots) }

// Submit runs fn on its own goroutine once a slot frees up. It reports the
// interrupt cause instead when the job is canceled while still waiting.
func (p *ExecPool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	go func() {
		defer func() { <-p.slots }()
		fn()
	}()
	return nil
}

// dispatch starts the job function under its executor kind and returns the
// channel its outcome arrives on. The channel is buffered so an abandoned
// run can finish with nobody listening.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job) <-chan outcome {
	done := make(chan outcome, 1)

	fn, err := w.registry.Resolve(job.Func)
	if err != nil {
		done <- outcome{err: err}
		return done
	}

	run := func() {
		done <- w.invoke(ctx, fn, job)
	}

	switch job.Executor {
	case domain.ExecutorAsync:
		go run()
	case domain.ExecutorProcessPool:
		w.processPoolOnce.Do(func() {
			w.logger.Info("process-pool executor runs in-process here; start separate worker processes for isolation")
		})
		fallthrough
	default:
		if err := w.pool.Submit(ctx, run); err != nil {
			done <- outcome{err: err}
		}
	}
	return done
}

// invoke runs one job function, converting a panic into a failure so a bad
// job cannot take the worker down with it.
func (w *Worker) invoke(ctx context.Context, fn registry.Func, job *domain.Job) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job function panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			out = outcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err := fn(ctx, job.Args, job.Kwargs)
	return outcome{value: value, err: err}
}
