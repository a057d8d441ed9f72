package jobqueue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/worker"
)

// loop tracks one supervised background goroutine. err is set before done
// closes, so any number of waiters may read it afterwards.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// StartWorker runs one worker bound to the named queues (default: all
// configured). Foreground mode blocks until the worker stops; background
// mode returns once the worker is running.
func (m *Manager) StartWorker(ctx context.Context, background bool, queues ...string) error {
	return m.startWorkers(ctx, 1, background, queues)
}

// StartWorkerPool runs a supervised pool of n workers. n <= 0 picks the
// configured concurrency or the CPU count.
func (m *Manager) StartWorkerPool(ctx context.Context, n int, background bool, queues ...string) error {
	return m.startWorkers(ctx, n, background, queues)
}

func (m *Manager) startWorkers(ctx context.Context, n int, background bool, queues []string) error {
	opts := slices.Clone(m.workerOpts)
	if len(queues) > 0 {
		opts = append(opts, worker.WithQueues(queues...))
	}
	pool := worker.NewPool(m.desc, m.baseLogger, n, opts...)

	base := ctx
	if background {
		// A background pool outlives the call; only StopWorker or Close
		// ends it.
		base = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(base)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: manager closed", domain.ErrQueueShutdown)
	}
	if m.workers != nil {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: workers already running", domain.ErrInvalidArgument)
	}
	run := &loop{cancel: cancel, done: make(chan struct{})}
	m.workers = run
	m.ensureSweeperLocked()
	m.mu.Unlock()

	go func() {
		run.err = pool.Start(runCtx)
		close(run.done)
	}()

	if !background {
		<-run.done
		m.clearWorkers(run)
		return run.err
	}
	select {
	case <-pool.Ready():
		return nil
	case <-run.done:
		m.clearWorkers(run)
		return run.err
	case <-ctx.Done():
		cancel()
		<-run.done
		m.clearWorkers(run)
		return ctx.Err()
	}
}

// StopWorker stops the running worker: cooperative first, abandoned to
// lease expiry after StopTimeout.
func (m *Manager) StopWorker(ctx context.Context) error {
	return m.stopWorkers(ctx)
}

// StopWorkerPool stops the running pool.
func (m *Manager) StopWorkerPool(ctx context.Context) error {
	return m.stopWorkers(ctx)
}

func (m *Manager) stopWorkers(ctx context.Context) error {
	m.mu.Lock()
	run := m.workers
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	timer := time.NewTimer(worker.StopTimeout)
	defer timer.Stop()
	select {
	case <-run.done:
		m.clearWorkers(run)
		return run.err
	case <-timer.C:
		m.logger.Warn("workers did not stop in time, abandoning to lease expiry", "timeout", worker.StopTimeout)
		m.clearWorkers(run)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clearWorkers drops the worker registration and retires the sweep-only
// loop that existed solely to back them.
func (m *Manager) clearWorkers(run *loop) {
	run.cancel()
	var sweeper *loop
	m.mu.Lock()
	if m.workers == run {
		m.workers = nil
		if m.schedAuto {
			sweeper = m.sched
			m.sched = nil
			m.schedAuto = false
		}
	}
	m.mu.Unlock()
	if sweeper != nil {
		sweeper.cancel()
		<-sweeper.done
	}
}

// ensureSweeperLocked keeps leases and TTLs reclaimed while workers run
// without a full scheduler. Caller holds m.mu.
func (m *Manager) ensureSweeperLocked() {
	if m.sched != nil {
		return
	}
	m.startSchedulerLocked(context.Background(), worker.SweepOnly())
	m.schedAuto = true
}

// startSchedulerLocked launches the scheduler loop on the manager's own
// clients. Caller holds m.mu and has checked m.sched is free.
func (m *Manager) startSchedulerLocked(base context.Context, extra ...worker.SchedulerOption) *loop {
	opts := append([]worker.SchedulerOption{worker.WithSchedulerClients(m.store, m.events)}, m.schedOpts...)
	opts = append(opts, extra...)
	s := worker.NewScheduler(m.desc, m.baseLogger, opts...)

	runCtx, cancel := context.WithCancel(base)
	run := &loop{cancel: cancel, done: make(chan struct{})}
	m.sched = run
	go func() {
		run.err = s.Start(runCtx)
		close(run.done)
	}()
	return run
}

// StartScheduler runs the schedule firing loop. One instance per manager;
// a sweep-only loop backing running workers is upgraded in place.
func (m *Manager) StartScheduler(ctx context.Context, background bool) error {
	base := ctx
	if background {
		base = context.WithoutCancel(ctx)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager closed", domain.ErrQueueShutdown)
	}
	if m.sched != nil && !m.schedAuto {
		m.mu.Unlock()
		return fmt.Errorf("%w: scheduler already running", domain.ErrInvalidArgument)
	}
	if auto := m.sched; auto != nil {
		auto.cancel()
		<-auto.done
		m.sched = nil
		m.schedAuto = false
	}
	run := m.startSchedulerLocked(base)
	m.mu.Unlock()

	if background {
		return nil
	}
	<-run.done
	m.clearScheduler(run)
	return run.err
}

// StopScheduler stops the firing loop. Workers still running get their
// sweep-only loop back so leases keep being reclaimed.
func (m *Manager) StopScheduler(ctx context.Context) error {
	m.mu.Lock()
	run := m.sched
	m.sched = nil
	m.schedAuto = false
	m.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	if m.workers != nil && m.sched == nil && !m.closed {
		m.ensureSweeperLocked()
	}
	m.mu.Unlock()
	return run.err
}

func (m *Manager) clearScheduler(run *loop) {
	run.cancel()
	m.mu.Lock()
	if m.sched == run {
		m.sched = nil
		m.schedAuto = false
		if m.workers != nil && !m.closed {
			m.ensureSweeperLocked()
		}
	}
	m.mu.Unlock()
}
