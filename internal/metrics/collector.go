// Package metrics polls engine status providers, maintains bounded
// per-engine metric history, and computes aggregate system health.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kansoku-dev/kansoku/internal/model"
	"github.com/kansoku-dev/kansoku/internal/telemetry"
)

// StatusProvider is the status-query interface an engine exposes.
// A provider that returns an error, or an engine with no provider at
// all, is treated as offline.
type StatusProvider interface {
	Status(ctx context.Context) (model.EngineReport, error)
}

// failureBackoffThreshold is the number of consecutive sample failures
// after which an engine's poll interval doubles (once). The first
// successful sample restores the configured interval.
const failureBackoffThreshold = 3

// sampleTimeout bounds a single status query so a hung provider cannot
// stall its poll loop.
const sampleTimeout = 5 * time.Second

// Config holds collector tuning knobs.
type Config struct {
	PollInterval time.Duration
	Retention    time.Duration
}

// Collector polls each known engine on an interval, normalizes results
// into MetricRecords, and retains a time-bounded history per engine.
// One goroutine runs per engine plus one retention-cleanup goroutine;
// a failure in one engine never halts the others.
type Collector struct {
	providers  map[model.EngineID]StatusProvider
	thresholds ThresholdTable
	logger     *slog.Logger
	cfg        Config

	mu      sync.RWMutex
	current map[model.EngineID]model.MetricRecord
	history map[model.EngineID][]model.MetricRecord

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	metricsOnce sync.Once
}

// New creates a collector for the closed engine set. Engines missing
// from providers are still polled and synthesized as offline.
func New(providers map[model.EngineID]StatusProvider, thresholds ThresholdTable, logger *slog.Logger, cfg Config) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Collector{
		providers:  providers,
		thresholds: thresholds,
		logger:     logger,
		cfg:        cfg,
		current:    make(map[model.EngineID]model.MetricRecord),
		history:    make(map[model.EngineID][]model.MetricRecord),
	}
}

// Start launches the poll and cleanup loops. Idempotent: calling Start
// on a running collector is a no-op.
func (c *Collector) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})
	// Register on the first Start only; observable-gauge callbacks on
	// the global meter would otherwise stack across Stop/Start cycles.
	c.metricsOnce.Do(c.registerMetrics)

	for _, engine := range model.AllEngines() {
		c.wg.Add(1)
		go c.pollLoop(ctx, engine)
	}
	c.wg.Add(1)
	go c.cleanupLoop(ctx)

	c.logger.Info("metrics: collector started",
		"engines", len(model.AllEngines()),
		"poll_interval", c.cfg.PollInterval,
		"retention", c.cfg.Retention,
	)
}

// Stop signals all loops to exit and waits for them. Idempotent.
func (c *Collector) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	close(c.done)
	c.wg.Wait()
	c.running = false
	c.logger.Info("metrics: collector stopped")
}

// pollLoop samples one engine on a fixed interval. After
// failureBackoffThreshold consecutive failures the interval doubles
// once; a successful sample restores it.
func (c *Collector) pollLoop(ctx context.Context, engine model.EngineID) {
	defer c.wg.Done()

	interval := c.cfg.PollInterval
	failures := 0
	timer := time.NewTimer(0) // sample immediately on start
	defer timer.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		rec := c.Sample(ctx, engine)
		if rec.Status == model.StatusOffline {
			failures++
			if failures == failureBackoffThreshold {
				interval = c.cfg.PollInterval * 2
				c.logger.Warn("metrics: engine unreachable, backing off",
					"engine", engine, "interval", interval)
			}
		} else if failures > 0 {
			failures = 0
			interval = c.cfg.PollInterval
		}

		timer.Reset(interval)
	}
}

// Sample queries the engine's status provider and records the result.
// Absence or failure synthesizes an offline record with zeroed counters
// instead of propagating an error; the loop always survives.
func (c *Collector) Sample(ctx context.Context, engine model.EngineID) model.MetricRecord {
	now := time.Now().UTC()

	provider, ok := c.providers[engine]
	if !ok {
		rec := model.OfflineRecord(engine, model.StatusOffline, now)
		c.record(rec)
		return rec
	}

	sampleCtx, cancel := context.WithTimeout(ctx, sampleTimeout)
	report, err := provider.Status(sampleCtx)
	cancel()
	if err != nil {
		c.logger.Warn("metrics: status query failed", "engine", engine, "error", err)
		rec := model.OfflineRecord(engine, model.StatusOffline, now)
		c.record(rec)
		return rec
	}

	rec := model.MetricRecord{
		Engine:       engine,
		Status:       report.Status,
		Uptime:       report.Uptime,
		CPUPercent:   report.CPUPercent,
		MemoryMB:     report.MemoryMB,
		Throughput:   report.Throughput,
		ErrorRate:    report.ErrorRate,
		LastActivity: report.LastActivity,
		SampledAt:    now,
		Extra:        report.Extra,
	}
	c.record(rec)
	return rec
}

func (c *Collector) record(rec model.MetricRecord) {
	c.mu.Lock()
	c.current[rec.Engine] = rec
	c.history[rec.Engine] = append(c.history[rec.Engine], rec)
	c.mu.Unlock()
}

// Current returns the last record for one engine, O(1).
func (c *Collector) Current(engine model.EngineID) (model.MetricRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.current[engine]
	return rec, ok
}

// CurrentAll returns a point-in-time copy of the latest record for
// every engine that has been sampled.
func (c *Collector) CurrentAll() map[model.EngineID]model.MetricRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.EngineID]model.MetricRecord, len(c.current))
	for id, rec := range c.current {
		out[id] = rec
	}
	return out
}

// History returns a copy of the engine's records newer than window.
// Concurrent eviction cannot corrupt the returned slice.
func (c *Collector) History(engine model.EngineID, window time.Duration) []model.MetricRecord {
	cutoff := time.Now().UTC().Add(-window)

	c.mu.RLock()
	defer c.mu.RUnlock()
	records := c.history[engine]
	out := make([]model.MetricRecord, 0, len(records))
	for _, rec := range records {
		if rec.SampledAt.After(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// cleanupLoop periodically evicts history entries older than the
// retention window. Cadence is a quarter of the window, clamped to
// [5s, 1m].
func (c *Collector) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	cadence := c.cfg.Retention / 4
	if cadence < 5*time.Second {
		cadence = 5 * time.Second
	}
	if cadence > time.Minute {
		cadence = time.Minute
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *Collector) evictStale() {
	cutoff := time.Now().UTC().Add(-c.cfg.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	for engine, records := range c.history {
		// History is time-ordered; find the first record to keep.
		keep := 0
		for keep < len(records) && !records[keep].SampledAt.After(cutoff) {
			keep++
		}
		if keep > 0 {
			c.history[engine] = append([]model.MetricRecord(nil), records[keep:]...)
		}
	}
}

// SystemHealth computes the aggregate status: critical when zero
// engines are online, warning when any threshold alert is present,
// degraded when some engines are offline, otherwise healthy. One alert
// string is emitted per threshold breach.
func (c *Collector) SystemHealth() model.SystemHealth {
	current := c.CurrentAll()
	engines := model.AllEngines()

	health := model.SystemHealth{
		EnginesTotal: len(engines),
		Engines:      make(map[model.EngineID]bool, len(engines)),
		ComputedAt:   time.Now().UTC(),
	}

	for _, engine := range engines {
		rec, ok := current[engine]
		online := ok && rec.Status.Online()
		health.Engines[engine] = online
		if online {
			health.EnginesOnline++
		}
		if ok {
			health.Alerts = append(health.Alerts, c.thresholds.Evaluate(rec)...)
		}
	}

	switch {
	case health.EnginesOnline == 0:
		health.Status = model.HealthCritical
	case len(health.Alerts) > 0:
		health.Status = model.HealthWarning
	case health.EnginesOnline < health.EnginesTotal:
		health.Status = model.HealthDegraded
	default:
		health.Status = model.HealthHealthy
	}
	return health
}

// registerMetrics registers observable OTEL gauges for collector state.
func (c *Collector) registerMetrics() {
	meter := telemetry.Meter("kansoku/metrics")

	_, _ = meter.Int64ObservableGauge("kansoku.engines.online",
		metric.WithDescription("Number of engines currently online"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.SystemHealth().EnginesOnline))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.metrics.history_size",
		metric.WithDescription("Total metric records currently retained"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.RLock()
			var n int
			for _, records := range c.history {
				n += len(records)
			}
			c.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
