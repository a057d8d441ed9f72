package domain

import "time"

type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobAcquired  EventType = "job.acquired"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCanceled  EventType = "job.canceled"

	EventScheduleAdded   EventType = "schedule.added"
	EventScheduleFired   EventType = "schedule.fired"
	EventScheduleRemoved EventType = "schedule.removed"
)

// Event is the envelope published on the event broker for every job and
// schedule state change. Delivery is at-least-once; consumers key
// deduplication on (Type, EntityID, TimestampMS).
type Event struct {
	Type        EventType      `json:"event_type"`
	EntityID    string         `json:"entity_id"`
	TimestampMS int64          `json:"timestamp_ms"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func NewEvent(t EventType, entityID string, payload map[string]any) Event {
	return Event{
		Type:        t,
		EntityID:    entityID,
		TimestampMS: time.Now().UnixMilli(),
		Payload:     payload,
	}
}
