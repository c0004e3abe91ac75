package metrics

import (
	"fmt"

	"github.com/kansoku-dev/kansoku/internal/model"
)

// Operator compares a sampled value against a rule limit.
type Operator string

const (
	OpGreater Operator = ">"
	OpLess    Operator = "<"
)

// Rule is one threshold: metric name, comparison operator, and limit.
// Detection only; breaches produce alert strings, never remediation.
type Rule struct {
	Metric string
	Op     Operator
	Limit  float64
}

// ThresholdTable maps each engine kind to its threshold rules.
type ThresholdTable map[model.EngineID][]Rule

// DefaultThresholds returns the built-in per-engine rule table.
func DefaultThresholds() ThresholdTable {
	base := []Rule{
		{Metric: "cpu_percent", Op: OpGreater, Limit: 90},
		{Metric: "memory_mb", Op: OpGreater, Limit: 4096},
		{Metric: "error_rate", Op: OpGreater, Limit: 0.1},
	}
	return ThresholdTable{
		model.EnginePerfectRecall: append([]Rule{
			{Metric: "throughput", Op: OpLess, Limit: 1},
		}, base...),
		model.EngineParallelMind: base,
		model.EngineCreative:     base,
	}
}

// Evaluate checks a record against the table and returns one
// human-readable alert string per breach. Offline engines are skipped:
// their zeroed counters would trip lower-bound rules spuriously.
func (t ThresholdTable) Evaluate(rec model.MetricRecord) []string {
	if !rec.Status.Online() {
		return nil
	}

	var alerts []string
	for _, rule := range t[rec.Engine] {
		value, ok := metricValue(rec, rule.Metric)
		if !ok {
			continue
		}
		breached := false
		switch rule.Op {
		case OpGreater:
			breached = value > rule.Limit
		case OpLess:
			breached = value < rule.Limit
		}
		if breached {
			alerts = append(alerts, fmt.Sprintf("%s: %s %.2f %s limit %.2f",
				rec.Engine, rule.Metric, value, rule.Op, rule.Limit))
		}
	}
	return alerts
}

func metricValue(rec model.MetricRecord, metric string) (float64, bool) {
	switch metric {
	case "cpu_percent":
		return rec.CPUPercent, true
	case "memory_mb":
		return rec.MemoryMB, true
	case "error_rate":
		return rec.ErrorRate, true
	case "throughput":
		return rec.Throughput, true
	default:
		return 0, false
	}
}
