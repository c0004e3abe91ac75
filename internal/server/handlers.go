package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kansoku-dev/kansoku/internal/bus"
	"github.com/kansoku-dev/kansoku/internal/gateway"
	"github.com/kansoku-dev/kansoku/internal/metrics"
	"github.com/kansoku-dev/kansoku/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	collector *metrics.Collector
	bus       *bus.Bus
	manager   *gateway.Manager
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	startedAt time.Time
	version   string
}

// NewHandlers creates handlers with all dependencies.
func NewHandlers(collector *metrics.Collector, b *bus.Bus, manager *gateway.Manager, logger *slog.Logger, version string) *Handlers {
	return &Handlers{
		collector: collector,
		bus:       b,
		manager:   manager,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observer authorization is handled upstream; accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		version:   version,
	}
}

// HandleHealthz handles GET /healthz.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleWebSocket handles GET /ws: upgrade, register the connection,
// then pump inbound messages until the peer goes away. A read error of
// any kind tears the connection down.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("server: websocket upgrade failed", "error", err)
		return
	}

	transport := gateway.NewWebSocketTransport(wsConn)
	id, err := h.manager.Connect(transport)
	if err != nil {
		h.logger.Warn("server: websocket welcome failed", "error", err)
		return
	}

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			h.manager.Disconnect(id)
			return
		}
		if err := h.manager.HandleMessage(id, data); err != nil {
			// Connection already removed from the registry.
			return
		}
	}
}

// HandleStatus handles GET /api/v1/status: initialized flags plus
// aggregate stats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized": map[string]bool{
			"collector": h.collector != nil,
			"bus":       h.bus != nil,
			"gateway":   h.manager != nil,
		},
		"version":     h.version,
		"uptime_s":    int64(time.Since(h.startedAt).Seconds()),
		"connections": h.manager.ConnectionCount(),
		"observers":   h.manager.Connections(),
		"bus":         h.bus.Stats(),
		"health":      h.collector.SystemHealth(),
	})
}

// HandleMetricsHistory handles GET /api/v1/metrics/history?engine=X&minutes=N.
func (h *Handlers) HandleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	engine, err := model.ParseEngineID(r.URL.Query().Get("engine"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	minutes := 5
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "minutes must be a positive integer")
			return
		}
		minutes = n
	}

	records := h.collector.History(engine, time.Duration(minutes)*time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":  engine,
		"minutes": minutes,
		"records": records,
	})
}

// HandleEvents handles GET /api/v1/events?type=T&source=S&limit=N: the
// filtered tail of the bus history.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var f bus.Filter
	if v := r.URL.Query().Get("type"); v != "" {
		f.Types = []model.EventType{model.EventType(v)}
	}
	if v := r.URL.Query().Get("source"); v != "" {
		source, err := model.ParseEngineID(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		f.Sources = []model.EngineID{source}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": h.bus.EventHistory(f),
	})
}
