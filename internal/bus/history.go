package bus

import (
	"sync"

	"github.com/kansoku-dev/kansoku/internal/model"
)

// History is a bounded, ordered list of published events with
// oldest-first eviction once maxSize is reached.
type History struct {
	mu      sync.RWMutex
	events  []model.Event
	maxSize int
}

// NewHistory creates a history bounded to maxSize events.
func NewHistory(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &History{maxSize: maxSize}
}

// Append records an event, evicting the oldest entries when full.
func (h *History) Append(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if len(h.events) > h.maxSize {
		h.events = append([]model.Event(nil), h.events[len(h.events)-h.maxSize:]...)
	}
}

// Len returns the current number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Filter selects events by type and source.  Empty slices match
// everything.
type Filter struct {
	Types   []model.EventType
	Sources []model.EngineID
	Limit   int
}

// Tail returns a copy of the most recent events matching the filter,
// at most Limit entries (default 100), oldest first.
func (h *History) Tail(f Filter) []model.Event {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	typeSet := make(map[model.EventType]bool, len(f.Types))
	for _, t := range f.Types {
		typeSet[t] = true
	}
	sourceSet := make(map[model.EngineID]bool, len(f.Sources))
	for _, s := range f.Sources {
		sourceSet[s] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]model.Event, 0, limit)
	// Walk backwards so the limit keeps the newest matches.
	for i := len(h.events) - 1; i >= 0 && len(matched) < limit; i-- {
		ev := h.events[i]
		if len(typeSet) > 0 && !typeSet[ev.Type] {
			continue
		}
		if len(sourceSet) > 0 && !sourceSet[ev.Source] {
			continue
		}
		matched = append(matched, ev)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}
