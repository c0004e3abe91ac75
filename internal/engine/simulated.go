// Package engine provides status providers for the known engines. The
// real platform registers live providers through the public App
// options; the simulated set here keeps the binary functional without
// the rest of the platform.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kansoku-dev/kansoku/internal/metrics"
	"github.com/kansoku-dev/kansoku/internal/model"
)

// Simulated is a StatusProvider that reports plausible jittered
// metrics. Safe for concurrent use.
type Simulated struct {
	engine    model.EngineID
	startedAt time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulated creates a simulated provider for one engine.
func NewSimulated(engine model.EngineID) *Simulated {
	return &Simulated{
		engine:    engine,
		startedAt: time.Now(),
		rand:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

// Status reports a synthetic but internally consistent engine report.
func (s *Simulated) Status(_ context.Context) (model.EngineReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.StatusIdle
	if s.rand.Float64() < 0.4 {
		status = model.StatusActive
	}
	return model.EngineReport{
		Status:       status,
		Uptime:       time.Since(s.startedAt),
		CPUPercent:   5 + s.rand.Float64()*40,
		MemoryMB:     256 + s.rand.Float64()*512,
		Throughput:   1 + s.rand.Float64()*20,
		ErrorRate:    s.rand.Float64() * 0.02,
		LastActivity: time.Now().UTC(),
		Extra: map[string]any{
			"queue_depth": s.rand.IntN(8),
		},
	}, nil
}

// DefaultProviders returns a simulated provider for every known engine.
func DefaultProviders() map[model.EngineID]metrics.StatusProvider {
	providers := make(map[model.EngineID]metrics.StatusProvider)
	for _, id := range model.AllEngines() {
		providers[id] = NewSimulated(id)
	}
	return providers
}
