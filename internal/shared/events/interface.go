package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one journal entry.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Actor information
	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type"` // hospital, system, operator

	Data map[string]any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// WithCorrelation ties the event to a request or referral chain.
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// EventBus appends events to named streams and reads them back in order.
type EventBus interface {
	Publish(ctx context.Context, stream string, event Event) error
	// Read returns at most max events from the start of stream. A missing
	// stream yields no events and no error.
	Read(ctx context.Context, stream string, max uint64) ([]Event, error)
	Close()
	Health() error
}

// Ensure implementations satisfy EventBus
var (
	_ EventBus = (*Bus)(nil)
	_ EventBus = (*MemoryBus)(nil)
)
