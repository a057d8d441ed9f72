// Package infrastructure selects the concrete store and event broker for a
// backend descriptor. Managers and workers each open their own clients; only
// the in-process backend hands out a shared instance, because memory state
// cannot cross a constructor.
package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/memory"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/mongodb"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/mqtt"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/postgres"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/redisq"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure/sqldb"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var (
	sharedMu     sync.Mutex
	sharedStore  *memory.Store
	sharedBroker *memory.Broker
)

// SharedMemoryStore returns the process-wide in-memory store. Every opener
// of the memory backend sees the same instance; that is what lets an
// in-process manager and its workers share state.
func SharedMemoryStore() *memory.Store {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedStore == nil {
		sharedStore = memory.NewStore()
	}
	return sharedStore
}

// SharedMemoryBroker returns the process-wide in-memory broker.
func SharedMemoryBroker(logger *slog.Logger) *memory.Broker {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedBroker == nil {
		sharedBroker = memory.NewBroker(logger)
	}
	return sharedBroker
}

type sharedStoreHandle struct{ *memory.Store }

// Close is a no-op: the shared store outlives any single opener.
func (sharedStoreHandle) Close() error { return nil }

type sharedBrokerHandle struct{ *memory.Broker }

func (sharedBrokerHandle) Close() error { return nil }

// OpenStore builds the store realization named by the descriptor kind.
func OpenStore(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (repository.Store, error) {
	switch desc.Kind {
	case backend.Memory:
		return sharedStoreHandle{SharedMemoryStore()}, nil
	case backend.PostgreSQL:
		return postgres.New(ctx, desc, logger)
	case backend.MySQL, backend.SQLite:
		return sqldb.New(ctx, desc, logger)
	case backend.MongoDB:
		return mongodb.New(ctx, desc, logger)
	case backend.Redis:
		return redisq.New(ctx, desc, logger)
	default:
		return nil, fmt.Errorf("%w: no store realization for backend kind %q", domain.ErrUnsupportedOperation, desc.Kind)
	}
}

// OpenBroker builds the event broker for the descriptor kind. A postgres or
// redis store already serving the named backend lends the broker its
// connection pool, and any redis store gets the broker bound so the
// transitions only the store witnesses still produce events.
func OpenBroker(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger, store repository.Store) (repository.EventBroker, error) {
	broker, err := openBroker(ctx, desc, logger, store)
	if err != nil {
		return nil, err
	}
	if rs, ok := store.(*redisq.Store); ok {
		rs.BindBroker(broker)
	}
	return broker, nil
}

func openBroker(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger, store repository.Store) (repository.EventBroker, error) {
	switch desc.Kind {
	case backend.Memory:
		return sharedBrokerHandle{SharedMemoryBroker(logger)}, nil
	case backend.PostgreSQL:
		if ps, ok := store.(*postgres.Store); ok && ps.Serves(desc.URI) {
			return postgres.FromDataStore(ps, logger), nil
		}
		return postgres.NewBroker(ctx, desc, logger)
	case backend.Redis:
		if rs, ok := store.(*redisq.Store); ok {
			return redisq.FromStore(ctx, rs, logger)
		}
		return redisq.NewBroker(ctx, desc, logger)
	case backend.MQTT:
		return mqtt.NewBroker(ctx, desc, logger)
	default:
		return nil, fmt.Errorf("%w: no event broker for backend kind %q", domain.ErrUnsupportedOperation, desc.Kind)
	}
}
