package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var (
	_ repository.Store       = (*Store)(nil)
	_ repository.EventBroker = (*Broker)(nil)
)

// subscriberBuffer bounds how far one subscriber may lag before events are
// dropped for it. Publishers never block.
const subscriberBuffer = 100

// Broker is the in-process event broker: each subscriber owns a buffered
// channel drained by its own goroutine, so one slow handler cannot stall
// publishers or its peers.
type Broker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger: logger.With("component", "event-broker"),
		subs:   make(map[int]*subscription),
	}
}

type subscription struct {
	id        int
	eventType domain.EventType
	ch        chan domain.Event
	broker    *Broker
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s.id)
		s.broker.mu.Unlock()
		close(s.ch)
		<-s.done
	})
}

func (b *Broker) Publish(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: event broker closed", domain.ErrBackendUnavailable)
	}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"event_type", event.Type, "entity_id", event.EntityID)
		}
	}
	return nil
}

func (b *Broker) Subscribe(eventType domain.EventType, handler repository.EventHandler) (repository.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: event broker closed", domain.ErrBackendUnavailable)
	}
	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		eventType: eventType,
		ch:        make(chan domain.Event, subscriberBuffer),
		broker:    b,
		done:      make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go func() {
		defer close(sub.done)
		for event := range sub.ch {
			handler(event)
		}
	}()
	return sub, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
