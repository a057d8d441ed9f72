package repository

import (
	"context"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

// EventHandler receives one event. Handlers must be fast or hand off to
// their own goroutine; a slow handler can cost its subscription events.
type EventHandler func(domain.Event)

// Subscription is a live event feed; Close unsubscribes.
type Subscription interface {
	Close()
}

// EventBroker fans job and schedule lifecycle events out to observers.
// Delivery is at-least-once and ordered per entity id; nothing is ordered
// across entities.
type EventBroker interface {
	Publish(ctx context.Context, event domain.Event) error
	// Subscribe registers a handler for one event type; the empty type
	// subscribes to everything.
	Subscribe(eventType domain.EventType, handler EventHandler) (Subscription, error)
	Close() error
}
