package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes events placed on the bus.
type EventType string

const (
	// Engine lifecycle events.
	EventEngineStarted EventType = "EngineStarted"
	EventEngineStopped EventType = "EngineStopped"
	EventEngineError   EventType = "EngineError"

	// Engine-specific events.
	EventMemoryStored      EventType = "MemoryStored"
	EventMemoryRetrieved   EventType = "MemoryRetrieved"
	EventTaskStarted       EventType = "TaskStarted"
	EventTaskCompleted     EventType = "TaskCompleted"
	EventTaskFailed        EventType = "TaskFailed"
	EventGenerationStarted EventType = "GenerationStarted"
	EventGenerationDone    EventType = "GenerationDone"

	// Coordination events.
	EventCoordinationRequest EventType = "CoordinationRequest"
	EventEngineHandoff       EventType = "EngineHandoff"

	// System events.
	EventSystemAlert    EventType = "SystemAlert"
	EventSystemShutdown EventType = "SystemShutdown"
)

// Priority bounds for events. Out-of-range priorities are clamped at
// construction.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Event is an immutable record of something that happened, distributed
// via the bus. A nil Target means broadcast; a non-nil Target restricts
// delivery to the subscriber with that id. Events are never mutated
// after construction.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Type          EventType      `json:"type"`
	Source        EngineID       `json:"source"`
	Target        *string        `json:"target,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority"`
}

// NewEvent constructs an event with a fresh id and timestamp, clamping
// priority into [MinPriority, MaxPriority].
func NewEvent(typ EventType, source EngineID, payload map[string]any, priority int) Event {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Priority:  priority,
	}
}
