package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.EventBroker = (*Broker)(nil)

// EventChannel is the pub/sub channel all queue events travel on.
const EventChannel = keyPrefix + "events"

// Broker publishes events on a Redis channel and fans incoming messages
// out to local subscribers.
type Broker struct {
	client     *redis.Client
	ownsClient bool
	logger     *slog.Logger
	local      *memory.Broker
	pubsub     *redis.PubSub
	done       chan struct{}
}

// NewBroker connects a standalone broker to the Redis named by the
// descriptor.
func NewBroker(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (*Broker, error) {
	client, err := NewClient(desc)
	if err != nil {
		return nil, err
	}
	broker, err := newBroker(ctx, client, true, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return broker, nil
}

// FromStore rides on an existing store's client, so pairing the redis
// queue with the redis event broker costs one connection pool.
func FromStore(ctx context.Context, store *Store, logger *slog.Logger) (*Broker, error) {
	return newBroker(ctx, store.client, false, logger)
}

func newBroker(ctx context.Context, client *redis.Client, ownsClient bool, logger *slog.Logger) (*Broker, error) {
	pubsub := client.Subscribe(ctx, EventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", EventChannel, err)
	}
	b := &Broker{
		client:     client,
		ownsClient: ownsClient,
		logger:     logger.With("component", "redis-events"),
		local:      memory.NewBroker(logger),
		pubsub:     pubsub,
		done:       make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = repository.Retry(ctx, repository.PublishRetries, func() error {
		return b.client.Publish(ctx, EventChannel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Broker) Subscribe(eventType domain.EventType, handler repository.EventHandler) (repository.Subscription, error) {
	return b.local.Subscribe(eventType, handler)
}

// pump fans incoming messages out to local subscribers. The client
// resubscribes on its own after a connection loss, so one plain receive
// loop suffices.
func (b *Broker) pump() {
	defer close(b.done)
	ctx := context.Background()
	for msg := range b.pubsub.Channel() {
		var event domain.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		if err := b.local.Publish(ctx, event); err != nil {
			b.logger.Warn("dropping event", "type", event.Type, "error", err)
		}
	}
}

func (b *Broker) Close() error {
	err := b.pubsub.Close()
	<-b.done
	if b.ownsClient {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := b.local.Close(); err == nil {
		err = cerr
	}
	return err
}
