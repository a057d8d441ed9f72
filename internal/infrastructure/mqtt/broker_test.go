package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
)

func testDispatchBroker() *Broker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Broker{
		logger: logger.With("component", "mqtt-events"),
		local:  memory.NewBroker(logger),
	}
}

func TestDispatchDeliversEvent(t *testing.T) {
	t.Parallel()
	broker := testDispatchBroker()
	defer broker.local.Close()

	received := make(chan domain.Event, 1)
	sub, err := broker.Subscribe(domain.EventJobCompleted, func(e domain.Event) {
		received <- e
	})
	require.NoError(t, err)
	defer sub.Close()

	payload, err := json.Marshal(domain.NewEvent(domain.EventJobCompleted, "j1", map[string]any{"queue": "default"}))
	require.NoError(t, err)
	broker.dispatch(payload)

	select {
	case got := <-received:
		assert.Equal(t, domain.EventJobCompleted, got.Type)
		assert.Equal(t, "j1", got.EntityID)
		assert.Equal(t, "default", got.Payload["queue"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	t.Parallel()
	broker := testDispatchBroker()
	defer broker.local.Close()

	received := make(chan domain.Event, 1)
	sub, err := broker.Subscribe("", func(e domain.Event) { received <- e })
	require.NoError(t, err)
	defer sub.Close()

	broker.dispatch([]byte("{not json"))

	select {
	case <-received:
		t.Fatal("malformed payload reached a subscriber")
	case <-time.After(50 * time.Millisecond):
	}
}
