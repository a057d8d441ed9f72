// Package jobqueue is the façade the rest of the system talks to. A Manager
// wraps one backend assembly (store plus event broker) and offers enqueueing,
// schedule management, introspection and worker control. Everything on it is
// safe for concurrent use.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/infrastructure"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
	"github.com/flowerpower-dev/flowerpower/internal/worker"
)

// Role names a backend assembly. Each role accepts a closed set of backend
// kinds and decides which manager operations are meaningful.
type Role string

const (
	// RoleRedisQueue is the fused queue broker: jobs only, events emitted
	// inline by the store. Accepts redis and memory.
	RoleRedisQueue Role = "redis-queue"

	// RoleSchedulerStore composes a durable data store, an event broker and
	// the schedule firing loop. Accepts the SQL kinds, mongodb and memory.
	RoleSchedulerStore Role = "scheduler-store"

	// RoleInProcess is the memory pair, for tests and single-process use.
	RoleInProcess Role = "in-process"
)

func (r Role) accepted() []backend.Kind {
	switch r {
	case RoleRedisQueue:
		return []backend.Kind{backend.Redis, backend.Memory}
	case RoleSchedulerStore:
		return []backend.Kind{backend.PostgreSQL, backend.MySQL, backend.SQLite, backend.MongoDB, backend.Memory}
	case RoleInProcess:
		return []backend.Kind{backend.Memory}
	}
	return nil
}

// eventBrokerKinds are the backends that can carry the event stream.
var eventBrokerKinds = []backend.Kind{backend.PostgreSQL, backend.MQTT, backend.Redis, backend.Memory}

// Operation names a manager capability whose availability depends on the
// active role. Callers probe with Supports before relying on one.
type Operation string

const (
	OpAddSchedule    Operation = "add-schedule"
	OpPauseSchedule  Operation = "pause-schedule"
	OpResumeSchedule Operation = "resume-schedule"
	OpCancelSchedule Operation = "cancel-schedule"
	OpDeleteSchedule Operation = "delete-schedule"
	OpQuerySchedules Operation = "query-schedules"
)

// Manager is the long-lived queue façade. It exclusively owns the store and
// broker clients it opens; workers started through it open their own.
type Manager struct {
	role Role
	desc *backend.Descriptor

	store  repository.Store
	events repository.EventBroker

	// baseLogger is handed to workers and the scheduler, which attach
	// their own component fields.
	baseLogger *slog.Logger
	logger     *slog.Logger
	now        func() time.Time

	ownsClients bool
	workerOpts  []worker.Option
	schedOpts   []worker.SchedulerOption
	defaults    ScheduleDefaults

	mu        sync.Mutex
	workers   *loop
	sched     *loop
	schedAuto bool // sched is the sweep-only loop backing the workers
	closed    bool
}

// New validates the descriptor against the role's accepted kinds, opens the
// store and event broker and returns a ready Manager. The event broker rides
// the same backend when it can carry events; otherwise events stay on an
// in-process broker unless WithEventBackend routes them elsewhere.
func New(ctx context.Context, role Role, desc *backend.Descriptor, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil backend descriptor", domain.ErrInvalidArgument)
	}
	accepted := role.accepted()
	if accepted == nil {
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, role)
	}
	if !slices.Contains(accepted, desc.Kind) {
		return nil, fmt.Errorf("%w: role %s accepts %v, got %q", backend.ErrInvalidBackendKind, role, accepted, desc.Kind)
	}

	o := managerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		role:       role,
		desc:       desc,
		baseLogger: logger,
		logger:     logger.With("component", "jobqueue", "backend", string(desc.Kind)),
		now:        o.now,
		workerOpts: o.workerOpts,
		schedOpts:  o.schedOpts,
		defaults:   o.defaults,
	}

	if o.store != nil {
		m.store, m.events = o.store, o.events
	} else {
		store, err := infrastructure.OpenStore(ctx, desc, logger)
		if err != nil {
			return nil, err
		}
		brokerDesc, err := m.brokerDescriptor(o.eventBackend)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		events, err := infrastructure.OpenBroker(ctx, brokerDesc, logger, store)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		m.store, m.events = store, events
		m.ownsClients = true
	}

	m.logger.Info("job queue ready", "role", string(role), "queues", desc.Queues)
	return m, nil
}

func (m *Manager) brokerDescriptor(explicit *backend.Descriptor) (*backend.Descriptor, error) {
	if explicit != nil {
		if !slices.Contains(eventBrokerKinds, explicit.Kind) {
			return nil, fmt.Errorf("%w: event broker accepts %v, got %q", backend.ErrInvalidBackendKind, eventBrokerKinds, explicit.Kind)
		}
		return explicit, nil
	}
	if slices.Contains(eventBrokerKinds, m.desc.Kind) {
		return m.desc, nil
	}
	m.logger.Info("backend carries no event stream, events stay in-process", "backend", string(m.desc.Kind))
	return backend.New(backend.Memory)
}

// Store exposes the backing store, for health probes and direct reads.
// Callers must not close it.
func (m *Manager) Store() repository.Store { return m.store }

// Events exposes the event broker the manager publishes on.
func (m *Manager) Events() repository.EventBroker { return m.events }

// Supports reports whether the active role implements the named operation.
// The queue-broker role moves jobs only; schedule operations on it report
// false instead of failing.
func (m *Manager) Supports(op Operation) bool {
	switch op {
	case OpAddSchedule, OpPauseSchedule, OpResumeSchedule, OpCancelSchedule, OpDeleteSchedule, OpQuerySchedules:
		return m.role != RoleRedisQueue
	}
	return true
}

func (m *Manager) unsupported(op Operation) bool {
	if m.Supports(op) {
		return false
	}
	m.logger.Info("operation not supported by backend", "op", string(op), "role", string(m.role))
	return true
}

// Close stops workers and the scheduler loop, then closes the clients the
// manager owns. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), worker.StopTimeout)
	defer cancel()
	_ = m.stopWorkers(ctx)
	_ = m.StopScheduler(ctx)

	var errs []error
	if m.ownsClients {
		if m.events != nil {
			errs = append(errs, m.events.Close())
		}
		if m.store != nil {
			errs = append(errs, m.store.Close())
		}
	}
	m.logger.Info("job queue closed")
	return errors.Join(errs...)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: manager closed", domain.ErrQueueShutdown)
	}
	return nil
}

func (m *Manager) pickQueue() string {
	queues := m.desc.Queues
	if len(queues) == 0 {
		return backend.DefaultQueue
	}
	return queues[rand.Intn(len(queues))]
}

func (m *Manager) publish(ctx context.Context, event domain.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Warn("dropping event", "event_type", event.Type, "entity_id", event.EntityID, "error", err)
	}
}
