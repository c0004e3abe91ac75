package kansoku

import (
	"context"
	"time"
)

// Public types are standalone structs with no internal imports;
// conversion helpers live in kansoku.go because the root is the only
// package that sees both sides of the boundary.

// EngineStatus is the coarse operational state reported by an engine.
type EngineStatus string

const (
	StatusActive  EngineStatus = "active"
	StatusIdle    EngineStatus = "idle"
	StatusBusy    EngineStatus = "busy"
	StatusError   EngineStatus = "error"
	StatusOffline EngineStatus = "offline"
)

// EngineReport is the result of an engine status query: a status flag
// plus an open bag of engine-specific fields.
type EngineReport struct {
	Status       EngineStatus
	Uptime       time.Duration
	CPUPercent   float64
	MemoryMB     float64
	Throughput   float64
	ErrorRate    float64
	LastActivity time.Time
	Extra        map[string]any
}

// StatusProvider is implemented by live engines registered through
// WithStatusProvider. A returned error marks the engine offline for
// that poll tick; monitoring continues.
type StatusProvider interface {
	Status(ctx context.Context) (EngineReport, error)
}

// Event is a published bus event as seen by public subscribers.
type Event struct {
	ID            string
	Type          string
	Source        string
	Target        string // empty = broadcast
	Timestamp     time.Time
	Payload       map[string]any
	CorrelationID string
	Priority      int
}

// EventHandler receives events matching a subscription. A returned
// error is logged per subscriber and never stops delivery to others.
type EventHandler func(ctx context.Context, ev Event) error

// RoutingRule names the destination engines for one event type. All
// set means logical broadcast to every engine.
type RoutingRule struct {
	All          bool
	Destinations []string
}
