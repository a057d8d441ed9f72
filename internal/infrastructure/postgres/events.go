package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.EventBroker = (*Broker)(nil)

// NotifyChannel is the pg_notify channel all queue events travel on.
const NotifyChannel = "flowerpower_events"

const listenRetryDelay = time.Second

// Broker publishes events with pg_notify and fans incoming notifications
// out to local subscribers. A dedicated listener connection outside the
// pool holds the LISTEN, so pooled connections never carry subscription
// state.
type Broker struct {
	pool     *pgxpool.Pool
	uri      string
	ownsPool bool
	logger   *slog.Logger
	local    *memory.Broker
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBroker connects a standalone broker to the database named by the
// descriptor.
func NewBroker(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (*Broker, error) {
	uri := normalizeURI(desc.URI)
	pool, err := NewPool(ctx, uri, desc.Schema)
	if err != nil {
		return nil, err
	}
	return newBroker(pool, uri, true, logger), nil
}

// FromDataStore rides on an existing store's pool, so pairing the
// postgresql data store with the postgresql event broker costs one set of
// connections plus the listener.
func FromDataStore(store *Store, logger *slog.Logger) *Broker {
	return newBroker(store.pool, store.uri, false, logger)
}

// Serves reports whether the store is connected to the database the uri
// names, descriptor normalization applied.
func (s *Store) Serves(uri string) bool { return s.uri == normalizeURI(uri) }

func newBroker(pool *pgxpool.Pool, uri string, ownsPool bool, logger *slog.Logger) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		pool:     pool,
		uri:      uri,
		ownsPool: ownsPool,
		logger:   logger.With("component", "postgres-events"),
		local:    memory.NewBroker(logger),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.listen(ctx)
	return b
}

func (b *Broker) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = repository.Retry(ctx, repository.PublishRetries, func() error {
		_, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(body))
		return err
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *Broker) Subscribe(eventType domain.EventType, handler repository.EventHandler) (repository.Subscription, error) {
	return b.local.Subscribe(eventType, handler)
}

// listen keeps one LISTEN connection alive, reconnecting after failures
// until the broker is closed.
func (b *Broker) listen(ctx context.Context) {
	defer close(b.done)
	for {
		err := b.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("listener disconnected, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(listenRetryDelay):
		}
	}
}

func (b *Broker) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.uri)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", NotifyChannel, err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			b.logger.Warn("dropping malformed event", "error", err)
			continue
		}
		if err := b.local.Publish(ctx, event); err != nil {
			return err
		}
	}
}

func (b *Broker) Close() error {
	b.cancel()
	<-b.done
	if b.ownsPool {
		b.pool.Close()
	}
	return b.local.Close()
}
