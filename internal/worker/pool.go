package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
)

const (
	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second
	backoffResetAfter = time.Minute

	// StopTimeout is how long a graceful stop waits for running jobs
	// before abandoning them to lease expiry.
	StopTimeout = 10 * time.Second
)

var errWorkerCrashed = errors.New("worker crashed")

// Pool supervises a fixed population of workers in one process. Each worker
// gets a distinct acquisition id and its own backend clients; the execution
// pool is shared so MaxConcurrentJobs bounds the process, not each worker.
// A crashed worker is restarted with capped backoff.
type Pool struct {
	desc   *backend.Descriptor
	logger *slog.Logger
	size   int
	baseID string
	shared *ExecPool
	opts   []Option
	ready  chan struct{}
}

func NewPool(desc *backend.Descriptor, logger *slog.Logger, size int, opts ...Option) *Pool {
	if size <= 0 {
		size = desc.MaxConcurrentJobs
	}
	if size <= 0 {
		size = runtime.NumCPU()
	}
	hostname, _ := os.Hostname()
	return &Pool{
		desc:   desc,
		logger: logger.With("component", "worker-pool"),
		size:   size,
		baseID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		shared: NewExecPool(desc.MaxConcurrentJobs),
		opts:   opts,
		ready:  make(chan struct{}),
	}
}

// Size returns the supervised worker count.
func (p *Pool) Size() int { return p.size }

// Ready is closed once every worker goroutine has been launched. Callers
// starting the pool in the background wait on it before returning.
func (p *Pool) Ready() <-chan struct{} { return p.ready }

// Start runs the pool until ctx is canceled. It may be called once.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.size, "max_concurrent_jobs", p.shared.Size())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		index := i
		g.Go(func() error { return p.supervise(gctx, index) })
	}
	close(p.ready)

	err := g.Wait()
	p.logger.Info("worker pool shut down")
	return err
}

// supervise keeps one worker slot populated, restarting after crashes and
// unexpected exits until shutdown.
func (p *Pool) supervise(ctx context.Context, index int) error {
	backoff := restartBackoffMin
	for {
		started := time.Now()
		err := p.runWorker(ctx, index)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > backoffResetAfter {
			backoff = restartBackoffMin
		}
		if err != nil {
			p.logger.Error("worker crashed, restarting", "worker_index", index, "error", err, "backoff", backoff)
		} else {
			p.logger.Warn("worker stopped unexpectedly, restarting", "worker_index", index, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, restartBackoffMax)
	}
}

// runWorker runs one worker to completion, converting an escaped panic
// into an error so the supervisor can restart the slot.
func (p *Pool) runWorker(ctx context.Context, index int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errWorkerCrashed, r, debug.Stack())
		}
	}()
	opts := append([]Option{
		WithID(fmt.Sprintf("%s-%d", p.baseID, index)),
		WithExecPool(p.shared),
	}, p.opts...)
	return New(p.desc, p.logger, opts...).Start(ctx)
}
