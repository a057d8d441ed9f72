package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()
	reg := New()

	called := false
	err := reg.Register("pipelines.etl:run", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		called = true
		return "done", nil
	})
	require.NoError(t, err)

	fn, err := reg.Resolve(domain.FunctionRef{Module: "pipelines.etl", Symbol: "run"})
	require.NoError(t, err)

	result, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "done", result)
}

func TestResolveUnregistered(t *testing.T) {
	t.Parallel()
	reg := New()

	_, err := reg.Resolve(domain.FunctionRef{Module: "pipelines.etl", Symbol: "missing"})
	assert.ErrorIs(t, err, domain.ErrFunctionNotRegistered)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	t.Parallel()
	reg := New()

	noop := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return nil, nil }

	err := reg.Register("no-symbol", noop)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = reg.Register("pipelines.etl:run", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRegisterReplaces(t *testing.T) {
	t.Parallel()
	reg := New()

	require.NoError(t, reg.Register("m:f", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "first", nil
	}))
	require.NoError(t, reg.Register("m:f", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "second", nil
	}))

	fn, err := reg.Resolve(domain.FunctionRef{Module: "m", Symbol: "f"})
	require.NoError(t, err)
	result, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", result)
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	reg := New()

	noop := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) { return nil, nil }
	require.NoError(t, reg.Register("b:f", noop))
	require.NoError(t, reg.Register("a:f", noop))
	require.NoError(t, reg.Register("c:f", noop))

	assert.Equal(t, []string{"a:f", "b:f", "c:f"}, reg.Names())
}
