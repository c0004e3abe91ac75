package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kansoku-dev/kansoku/internal/bus"
	"github.com/kansoku-dev/kansoku/internal/gateway"
	"github.com/kansoku-dev/kansoku/internal/metrics"
	"github.com/kansoku-dev/kansoku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) (*Server, *metrics.Collector, *bus.Bus) {
	t.Helper()
	logger := testLogger()
	collector := metrics.New(nil, metrics.DefaultThresholds(), logger, metrics.Config{
		PollInterval: time.Second,
		Retention:    time.Minute,
	})
	eventBus := bus.New(bus.DefaultRouting(), logger, bus.Config{})
	manager := gateway.NewManager(collector, logger)

	return New(ServerConfig{
		Collector:    collector,
		Bus:          eventBus,
		Manager:      manager,
		Logger:       logger,
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Version:      "test",
	}), collector, eventBus
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStatusSnapshot(t *testing.T) {
	srv, collector, eventBus := newTestServer(t)
	collector.Sample(context.Background(), model.EngineCreative)
	eventBus.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Initialized map[string]bool `json:"initialized"`
		Connections int             `json:"connections"`
		Bus         bus.Stats       `json:"bus"`
		Health      struct {
			Status string `json:"status"`
		} `json:"health"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, component := range []string{"collector", "bus", "gateway"} {
		if !body.Initialized[component] {
			t.Errorf("initialized[%s] = false, want true", component)
		}
	}
	if body.Bus.Published != 1 {
		t.Errorf("bus.published = %d, want 1", body.Bus.Published)
	}
	if body.Health.Status == "" {
		t.Error("health status missing")
	}
}

func TestMetricsHistoryQuery(t *testing.T) {
	srv, collector, _ := newTestServer(t)
	collector.Sample(context.Background(), model.EnginePerfectRecall)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/history?engine=perfect_recall&minutes=10", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Engine  string               `json:"engine"`
		Minutes int                  `json:"minutes"`
		Records []model.MetricRecord `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Engine != "perfect_recall" || body.Minutes != 10 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(body.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(body.Records))
	}
}

func TestMetricsHistoryRejectsUnknownEngine(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/history?engine=not_real", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "not_real") {
		t.Fatalf("error body should name the bad engine: %s", rr.Body.String())
	}
}

func TestEventsQuery(t *testing.T) {
	srv, _, eventBus := newTestServer(t)
	eventBus.PublishSimple(model.EventTaskCompleted, model.EngineCreative, nil)
	eventBus.PublishSimple(model.EventTaskCompleted, model.EngineParallelMind, nil)
	eventBus.PublishSimple(model.EventEngineError, model.EngineCreative, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?type=TaskCompleted&source=creative", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body struct {
		Events []model.Event `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Events) != 1 {
		t.Fatalf("got %d events, want 1", len(body.Events))
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readMessage := func() model.OutboundMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg model.OutboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	// Welcome arrives first.
	welcome := readMessage()
	if welcome.Type != model.OutConnectionEstablished {
		t.Fatalf("first message type = %s, want connection_established", welcome.Type)
	}

	// Subscribe and expect the ack.
	err = conn.WriteJSON(map[string]any{
		"type": "subscribe_engine",
		"data": map[string]string{"engine": "perfect_recall"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readMessage()
	if ack.Type != model.OutStatusUpdate {
		t.Fatalf("ack type = %s, want status_update", ack.Type)
	}

	// Ping-pong over the same connection.
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readMessage()
	if pong.Type != model.OutPong {
		t.Fatalf("reply type = %s, want pong", pong.Type)
	}
}
