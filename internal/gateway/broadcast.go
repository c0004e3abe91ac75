package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kansoku-dev/kansoku/internal/model"
)

// Scheduler pushes collector snapshots to subscribed connections on a
// fixed interval. Engines with no subscribers are skipped entirely.
type Scheduler struct {
	manager  *Manager
	metrics  MetricsSource
	logger   *slog.Logger
	interval time.Duration

	// lastStatus tracks the status last broadcast per engine so
	// transitions are pushed as engine_status exactly once.
	lastStatus map[model.EngineID]model.EngineStatus

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a broadcast scheduler. Interval defaults to 1s.
func NewScheduler(manager *Manager, metrics MetricsSource, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		manager:    manager,
		metrics:    metrics,
		logger:     logger,
		interval:   interval,
		lastStatus: make(map[model.EngineID]model.EngineStatus),
	}
}

// Start launches the broadcast loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("gateway: broadcast scheduler started", "interval", s.interval)
}

// Stop signals the loop to exit and waits for it. Idempotent.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	close(s.done)
	s.wg.Wait()
	s.running = false
	s.logger.Info("gateway: broadcast scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one broadcast pass: each engine's latest metric record goes
// only to that engine's subscribers, a status transition is pushed once
// as engine_status, and while the system health report carries alerts a
// system_alert goes to every connection. Alerts are intentionally
// re-sent every tick for as long as the condition persists, so
// observers joining mid-incident still see them.
func (s *Scheduler) Tick() {
	for _, engine := range model.AllEngines() {
		if s.manager.SubscriberCount(engine) == 0 {
			continue
		}
		rec, ok := s.metrics.Current(engine)
		if !ok {
			continue
		}
		if last, seen := s.lastStatus[engine]; !seen || last != rec.Status {
			s.lastStatus[engine] = rec.Status
			s.manager.BroadcastToSubscribers(engine, model.NewOutbound(model.OutEngineStatus, model.EngineStatusPayload{
				Engine: engine,
				Status: rec.Status,
			}))
		}
		s.manager.BroadcastToSubscribers(engine, model.NewOutbound(model.OutEngineMetrics, rec))
	}

	health := s.metrics.SystemHealth()
	if len(health.Alerts) > 0 {
		s.manager.BroadcastToAll(model.NewOutbound(model.OutSystemAlert, health))
	}
}
