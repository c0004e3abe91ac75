package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kansoku-dev/kansoku/internal/model"
)

// ErrConnectionNotFound is returned when a connection id is not in the
// active set (already disconnected or never registered).
var ErrConnectionNotFound = errors.New("gateway: connection not found")

// MetricsSource is the collector-facing interface the gateway consumes.
type MetricsSource interface {
	Current(engine model.EngineID) (model.MetricRecord, bool)
	CurrentAll() map[model.EngineID]model.MetricRecord
	SystemHealth() model.SystemHealth
}

// Connection is one registered observer. Its subscription set is
// mutated only under the manager's lock.
type Connection struct {
	ID           string
	transport    Transport
	ConnectedAt  time.Time
	lastActivity time.Time
	engines      map[model.EngineID]bool
}

// Manager owns the active-connection set and the per-engine subscriber
// sets. All set mutation happens under one lock; sends happen outside
// it on a snapshot, so a slow or dead connection never blocks the
// registry.
type Manager struct {
	metrics MetricsSource
	logger  *slog.Logger

	mu         sync.Mutex
	conns      map[string]*Connection
	engineSubs map[model.EngineID]map[string]bool
}

// NewManager creates a connection manager with an empty registry.
func NewManager(metrics MetricsSource, logger *slog.Logger) *Manager {
	m := &Manager{
		metrics:    metrics,
		logger:     logger,
		conns:      make(map[string]*Connection),
		engineSubs: make(map[model.EngineID]map[string]bool),
	}
	for _, engine := range model.AllEngines() {
		m.engineSubs[engine] = make(map[string]bool)
	}
	return m
}

// Connect registers a transport, allocates a connection id, and sends
// the welcome message enumerating the known engines. A welcome send
// failure tears the connection down and returns the error.
func (m *Manager) Connect(t Transport) (string, error) {
	now := time.Now().UTC()
	conn := &Connection{
		ID:           uuid.NewString(),
		transport:    t,
		ConnectedAt:  now,
		lastActivity: now,
		engines:      make(map[model.EngineID]bool),
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	welcome := model.NewOutbound(model.OutConnectionEstablished, map[string]any{
		"connection_id": conn.ID,
		"engines":       model.AllEngines(),
	})
	if err := m.Send(conn.ID, welcome); err != nil {
		return "", fmt.Errorf("gateway: welcome failed: %w", err)
	}

	m.logger.Info("gateway: connection established", "connection_id", conn.ID)
	return conn.ID, nil
}

// Disconnect removes a connection from the active set and from every
// engine's subscriber set, then closes its transport. Idempotent.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		for _, subs := range m.engineSubs {
			delete(subs, id)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.transport.Close()
	m.logger.Info("gateway: connection closed", "connection_id", id)
}

// Send writes one message to a connection. A transport failure forces
// disconnect and returns the error; it never panics out to the caller.
func (m *Manager) Send(id string, msg model.OutboundMessage) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}

	if err := conn.transport.WriteJSON(msg); err != nil {
		m.logger.Warn("gateway: send failed, disconnecting",
			"connection_id", id, "error", err)
		m.Disconnect(id)
		return fmt.Errorf("gateway: send to %s: %w", id, err)
	}
	return nil
}

// BroadcastToSubscribers sends a message to every connection subscribed
// to the engine. The subscriber set is snapshotted before iterating;
// failed sends prune their connection without affecting the rest.
func (m *Manager) BroadcastToSubscribers(engine model.EngineID, msg model.OutboundMessage) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.engineSubs[engine]))
	for id := range m.engineSubs[engine] {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Send(id, msg)
	}
}

// BroadcastToAll sends a message to every active connection with the
// same prune-on-failure discipline.
func (m *Manager) BroadcastToAll(msg model.OutboundMessage) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Send(id, msg)
	}
}

// HandleMessage parses one inbound payload and dispatches the command.
// Malformed payloads and unknown types produce an error reply; the
// connection stays open. Only an unknown connection id is an error to
// the caller.
func (m *Manager) HandleMessage(id string, raw []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		conn.lastActivity = time.Now().UTC()
	}
	m.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}

	var in model.InboundMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		_ = m.Send(id, model.ErrorMessage("malformed message: "+err.Error()))
		return nil
	}

	switch in.Type {
	case model.InSubscribeEngine:
		m.handleSubscribe(id, in.Data, true)
	case model.InUnsubscribeEngine:
		m.handleSubscribe(id, in.Data, false)
	case model.InRequestMetrics:
		m.handleRequestMetrics(id, in.Data)
	case model.InExecuteTask:
		m.handleExecuteTask(id, in.Data)
	case model.InPing:
		_ = m.Send(id, model.NewOutbound(model.OutPong, map[string]any{}))
	case model.InGetStatus:
		_ = m.Send(id, model.NewOutbound(model.OutStatusUpdate, m.statusSnapshot()))
	default:
		_ = m.Send(id, model.ErrorMessage(fmt.Sprintf("unknown message type %q", in.Type)))
	}
	return nil
}

// handleSubscribe validates the engine tag and mutates both the
// connection's and the engine's sets. An unrecognized engine yields an
// error reply and mutates nothing.
func (m *Manager) handleSubscribe(id string, data json.RawMessage, subscribe bool) {
	var payload model.SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Engine == "" {
		_ = m.Send(id, model.ErrorMessage("subscribe: missing or malformed engine field"))
		return
	}

	engine, err := model.ParseEngineID(payload.Engine)
	if err != nil {
		_ = m.Send(id, model.ErrorMessage(err.Error()))
		return
	}

	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		if subscribe {
			conn.engines[engine] = true
			m.engineSubs[engine][id] = true
		} else {
			delete(conn.engines, engine)
			delete(m.engineSubs[engine], id)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	action := "subscribed"
	if !subscribe {
		action = "unsubscribed"
	}
	_ = m.Send(id, model.NewOutbound(model.OutStatusUpdate, map[string]any{
		"action": action,
		"engine": engine,
	}))
}

func (m *Manager) handleRequestMetrics(id string, data json.RawMessage) {
	var payload model.RequestMetricsPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			_ = m.Send(id, model.ErrorMessage("request_metrics: malformed payload"))
			return
		}
	}

	if payload.Engine == "" {
		_ = m.Send(id, model.NewOutbound(model.OutEngineMetrics, m.metrics.CurrentAll()))
		return
	}

	engine, err := model.ParseEngineID(payload.Engine)
	if err != nil {
		_ = m.Send(id, model.ErrorMessage(err.Error()))
		return
	}
	rec, ok := m.metrics.Current(engine)
	if !ok {
		_ = m.Send(id, model.ErrorMessage(fmt.Sprintf("no metrics sampled yet for %s", engine)))
		return
	}
	_ = m.Send(id, model.NewOutbound(model.OutEngineMetrics, rec))
}

// handleExecuteTask acknowledges the task only: execution is delegated
// to the agent layer, outside this subsystem.
func (m *Manager) handleExecuteTask(id string, data json.RawMessage) {
	var payload model.ExecuteTaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		_ = m.Send(id, model.ErrorMessage("execute_task: malformed payload"))
		return
	}
	_ = m.Send(id, model.NewOutbound(model.OutTaskUpdate, map[string]any{
		"status":  "accepted",
		"task_id": uuid.NewString(),
	}))
}

func (m *Manager) statusSnapshot() map[string]any {
	return map[string]any{
		"connections": m.ConnectionCount(),
		"health":      m.metrics.SystemHealth(),
	}
}

// ConnectionInfo is a read-only summary of one active connection for
// the admin status surface.
type ConnectionInfo struct {
	ID           string           `json:"id"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
	Engines      []model.EngineID `json:"engines"`
}

// Connections returns a snapshot of all active connections, ordered
// arbitrarily.
func (m *Manager) Connections() []ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		engines := make([]model.EngineID, 0, len(conn.engines))
		for engine := range conn.engines {
			engines = append(engines, engine)
		}
		out = append(out, ConnectionInfo{
			ID:           conn.ID,
			ConnectedAt:  conn.ConnectedAt,
			LastActivity: conn.lastActivity,
			Engines:      engines,
		})
	}
	return out
}

// ConnectionCount returns the number of active connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SubscriberCount returns the number of connections subscribed to the
// engine.
func (m *Manager) SubscriberCount(engine model.EngineID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.engineSubs[engine])
}

// Subscribed reports whether a connection is subscribed to an engine.
func (m *Manager) Subscribed(id string, engine model.EngineID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engineSubs[engine][id]
}

// LastActivity returns the last inbound-message time for a connection.
func (m *Manager) LastActivity(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	if !ok {
		return time.Time{}, false
	}
	return conn.lastActivity, true
}
