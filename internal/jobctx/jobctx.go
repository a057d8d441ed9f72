// Package jobctx carries job and worker identity through context so log
// lines and events can be correlated, and exposes the cancellation probe
// that cooperative job functions poll.
package jobctx

import (
	"context"

	"github.com/google/uuid"
)

type jobIDKey struct{}
type workerIDKey struct{}
type cancelKey struct{}

// NewID generates a fresh job ID.
func NewID() string {
	return uuid.NewString()
}

// WithJobID returns a copy of ctx carrying the job ID.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobID extracts the job ID from context. Returns "" if absent.
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// WithWorkerID returns a copy of ctx carrying the worker ID.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerID extracts the worker ID from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	id, _ := ctx.Value(workerIDKey{}).(string)
	return id
}

// CancelCheck reports why the running job should stop, or nil to keep going.
type CancelCheck func() error

// WithCancelCheck attaches a cancellation probe to ctx. Job functions that
// run longer than a lease should call Canceled at convenient boundaries.
func WithCancelCheck(ctx context.Context, check CancelCheck) context.Context {
	return context.WithValue(ctx, cancelKey{}, check)
}

// Canceled polls the attached probe, falling back to ctx.Err() when no
// probe is attached or the probe reports nothing.
func Canceled(ctx context.Context) error {
	if check, ok := ctx.Value(cancelKey{}).(CancelCheck); ok && check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	return ctx.Err()
}
