package jobctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, JobID(ctx))

	ctx = WithJobID(ctx, "job-1")
	assert.Equal(t, "job-1", JobID(ctx))
}

func TestWorkerIDRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, WorkerID(ctx))

	ctx = WithWorkerID(ctx, "host-42")
	assert.Equal(t, "host-42", WorkerID(ctx))
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, NewID(), NewID())
}

func TestCanceledWithoutProbe(t *testing.T) {
	t.Parallel()

	require.NoError(t, Canceled(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Canceled(ctx), context.Canceled)
}

func TestCanceledPollsProbe(t *testing.T) {
	t.Parallel()

	stop := errors.New("job canceled by operator")
	var armed bool
	ctx := WithCancelCheck(context.Background(), func() error {
		if armed {
			return stop
		}
		return nil
	})

	require.NoError(t, Canceled(ctx))
	armed = true
	assert.ErrorIs(t, Canceled(ctx), stop)
}
