package bus

import (
	"testing"

	"github.com/kansoku-dev/kansoku/internal/model"
)

func historyEvent(typ model.EventType, source model.EngineID, seq int) model.Event {
	return model.NewEvent(typ, source, map[string]any{"seq": seq}, model.DefaultPriority)
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)

	var all []model.Event
	for i := 0; i < 5; i++ {
		ev := historyEvent(model.EventTaskStarted, model.EngineCreative, i)
		all = append(all, ev)
		h.Append(ev)
	}

	if h.Len() != 3 {
		t.Fatalf("history length = %d, want 3", h.Len())
	}

	got := h.Tail(Filter{})
	if len(got) != 3 {
		t.Fatalf("tail length = %d, want 3", len(got))
	}
	// Strictly the oldest entries were evicted: events 2, 3, 4 remain.
	for i, ev := range got {
		if ev.ID != all[i+2].ID {
			t.Errorf("position %d: got event %s, want %s", i, ev.ID, all[i+2].ID)
		}
	}
}

func TestHistoryNeverExceedsMax(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 100; i++ {
		h.Append(historyEvent(model.EventTaskStarted, model.EngineCreative, i))
		if h.Len() > 10 {
			t.Fatalf("history grew to %d after %d appends", h.Len(), i+1)
		}
	}
}

func TestHistoryTailFilters(t *testing.T) {
	h := NewHistory(100)
	h.Append(historyEvent(model.EventTaskStarted, model.EngineCreative, 0))
	h.Append(historyEvent(model.EventTaskCompleted, model.EngineCreative, 1))
	h.Append(historyEvent(model.EventTaskCompleted, model.EngineParallelMind, 2))
	h.Append(historyEvent(model.EventEngineError, model.EngineParallelMind, 3))

	byType := h.Tail(Filter{Types: []model.EventType{model.EventTaskCompleted}})
	if len(byType) != 2 {
		t.Fatalf("type filter: got %d events, want 2", len(byType))
	}

	bySource := h.Tail(Filter{Sources: []model.EngineID{model.EngineParallelMind}})
	if len(bySource) != 2 {
		t.Fatalf("source filter: got %d events, want 2", len(bySource))
	}

	both := h.Tail(Filter{
		Types:   []model.EventType{model.EventTaskCompleted},
		Sources: []model.EngineID{model.EngineParallelMind},
	})
	if len(both) != 1 {
		t.Fatalf("combined filter: got %d events, want 1", len(both))
	}
}

func TestHistoryTailLimitKeepsNewest(t *testing.T) {
	h := NewHistory(100)
	var all []model.Event
	for i := 0; i < 10; i++ {
		ev := historyEvent(model.EventTaskStarted, model.EngineCreative, i)
		all = append(all, ev)
		h.Append(ev)
	}

	got := h.Tail(Filter{Limit: 4})
	if len(got) != 4 {
		t.Fatalf("tail length = %d, want 4", len(got))
	}
	// Oldest-first ordering over the newest 4 entries.
	for i, ev := range got {
		if ev.ID != all[i+6].ID {
			t.Errorf("position %d: got event %s, want %s", i, ev.ID, all[i+6].ID)
		}
	}
}
