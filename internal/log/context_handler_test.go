package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/jobctx"
)

func TestContextHandlerEnrichesRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := jobctx.WithJobID(context.Background(), "job-1")
	ctx = jobctx.WithWorkerID(ctx, "worker-a")
	logger.InfoContext(ctx, "claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job-1", line["job_id"])
	assert.Equal(t, "worker-a", line["worker_id"])
}

func TestContextHandlerSkipsAbsentIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "idle")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "job_id")
	assert.NotContains(t, line, "worker_id")
}
