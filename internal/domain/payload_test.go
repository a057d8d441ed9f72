package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"both", []any{float64(1), "two", true}, map[string]any{"retries": float64(3)}},
		{"args only", []any{"solo"}, nil},
		{"kwargs only", nil, map[string]any{"verbose": true}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload, err := EncodeArgs(tt.args, tt.kwargs)
			require.NoError(t, err)

			args, kwargs, err := DecodeArgs(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.args, args)
			assert.Equal(t, tt.kwargs, kwargs)
		})
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := EncodeResult(map[string]any{"rows": float64(42)})
	require.NoError(t, err)

	v, err := DecodeResult(payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": float64(42)}, v)
}

func TestNilResultIsStillAResult(t *testing.T) {
	t.Parallel()

	payload, err := EncodeResult(nil)
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	v, err := DecodeResult(payload)
	require.NoError(t, err)
	assert.Nil(t, v)

	// An empty payload, by contrast, carries no result at all.
	_, err = DecodeResult(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	t.Parallel()

	payload, err := EncodeArgs([]any{"x"}, nil)
	require.NoError(t, err)

	_, _, err = DecodeArgs(payload[:len(payload)-2])
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDecodeSkipsUnknownSegments(t *testing.T) {
	t.Parallel()

	payload, err := EncodeArgs([]any{"keep"}, nil)
	require.NoError(t, err)

	// Prepend a segment with a tag this reader does not know: tag 0x7f,
	// length 2, body "{}".
	unknown := append([]byte{0x7f, 0x02, '{', '}'}, payload...)
	args, _, err := DecodeArgs(unknown)
	require.NoError(t, err)
	assert.Equal(t, []any{"keep"}, args)
}
