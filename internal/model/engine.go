// Package model defines the core data types shared across the hub:
// engine identities, metric records, events, and message envelopes.
package model

import (
	"fmt"
	"time"
)

// EngineID identifies one of the fixed set of processing engines.
// The set is closed: new engines require a new constant and an entry
// in allEngines.
type EngineID string

const (
	EnginePerfectRecall EngineID = "perfect_recall"
	EngineParallelMind  EngineID = "parallel_mind"
	EngineCreative      EngineID = "creative"
)

var allEngines = []EngineID{
	EnginePerfectRecall,
	EngineParallelMind,
	EngineCreative,
}

// AllEngines returns the closed set of known engine identities.
// The returned slice is a copy; callers may mutate it freely.
func AllEngines() []EngineID {
	out := make([]EngineID, len(allEngines))
	copy(out, allEngines)
	return out
}

// UnknownEngineError is returned by ParseEngineID for tags outside the
// closed engine set.
type UnknownEngineError struct {
	Tag string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("model: unknown engine %q", e.Tag)
}

// ParseEngineID maps a raw tag to an EngineID. It is total over the
// closed set: any unrecognized tag yields *UnknownEngineError.
func ParseEngineID(tag string) (EngineID, error) {
	switch EngineID(tag) {
	case EnginePerfectRecall, EngineParallelMind, EngineCreative:
		return EngineID(tag), nil
	default:
		return "", &UnknownEngineError{Tag: tag}
	}
}

// EngineStatus is the coarse operational state reported by an engine.
type EngineStatus string

const (
	StatusActive  EngineStatus = "active"
	StatusIdle    EngineStatus = "idle"
	StatusBusy    EngineStatus = "busy"
	StatusError   EngineStatus = "error"
	StatusOffline EngineStatus = "offline"
)

// Online reports whether the status represents a reachable engine.
func (s EngineStatus) Online() bool {
	return s == StatusActive || s == StatusIdle || s == StatusBusy
}

// EngineReport is the raw result of an engine status query: a status
// flag plus an open bag of engine-specific fields.
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
