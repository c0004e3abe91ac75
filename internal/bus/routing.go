package bus

import "github.com/kansoku-dev/kansoku/internal/model"

// RoutingRule names the destination engines for one event type. All
// set means logical broadcast to every engine.
type RoutingRule struct {
	All          bool
	Destinations []model.EngineID
}

// RoutingTable is the static auto-routing map consulted after normal
// subscriber delivery. Routed events are forwarded to engine-addressed
// subscribers (subscriber id equal to the engine id), excluding the
// event's source.
type RoutingTable map[model.EventType]RoutingRule

// DefaultRouting returns the built-in routing table: errors, handoffs,
// and coordination requests fan out to every engine; completed work is
// forwarded to perfect_recall for memorization.
func DefaultRouting() RoutingTable {
	return RoutingTable{
		model.EventEngineError:         {All: true},
		model.EventEngineHandoff:       {All: true},
		model.EventCoordinationRequest: {All: true},
		model.EventSystemAlert:         {All: true},
		model.EventTaskCompleted:       {Destinations: []model.EngineID{model.EnginePerfectRecall}},
		model.EventGenerationDone:      {Destinations: []model.EngineID{model.EnginePerfectRecall}},
	}
}

// destinations resolves the rule for an event type into concrete engine
// ids, excluding the source engine. Returns nil when no rule exists.
func (t RoutingTable) destinations(typ model.EventType, source model.EngineID) []model.EngineID {
	rule, ok := t[typ]
	if !ok {
		return nil
	}
	candidates := rule.Destinations
	if rule.All {
		candidates = model.AllEngines()
	}
	out := make([]model.EngineID, 0, len(candidates))
	for _, dest := range candidates {
		if dest != source {
			out = append(out, dest)
		}
	}
	return out
}
