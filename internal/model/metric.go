package model

import "time"

// MetricRecord is one point-in-time snapshot of an engine's health and
// performance counters. Records are appended to per-engine history each
// poll tick and evicted by the retention loop.
type MetricRecord struct {
	Engine       EngineID       `json:"engine"`
	Status       EngineStatus   `json:"status"`
	Uptime       time.Duration  `json:"uptime"`
	CPUPercent   float64        `json:"cpu_percent"`
	MemoryMB     float64        `json:"memory_mb"`
	Throughput   float64        `json:"throughput"`
	ErrorRate    float64        `json:"error_rate"`
	LastActivity time.Time      `json:"last_activity"`
	SampledAt    time.Time      `json:"sampled_at"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// OfflineRecord synthesizes a zeroed record for an engine whose status
// query failed or whose provider is absent. Monitoring continues on
// synthesized records; they are indistinguishable from real ones apart
// from the status and zeroed counters.
func OfflineRecord(engine EngineID, status EngineStatus, at time.Time) MetricRecord {
	return MetricRecord{
		Engine:    engine,
		Status:    status,
		SampledAt: at,
	}
}

// HealthStatus is the aggregate system state derived from the latest
// record of every engine.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// SystemHealth is the aggregate health snapshot returned by the
// collector: overall status, per-engine online flags, and one
// human-readable alert string per threshold breach.
type SystemHealth struct {
	Status        HealthStatus      `json:"status"`
	EnginesOnline int               `json:"engines_online"`
	EnginesTotal  int               `json:"engines_total"`
	Engines       map[EngineID]bool `json:"engines"`
	Alerts        []string          `json:"alerts,omitempty"`
	ComputedAt    time.Time         `json:"computed_at"`
}
