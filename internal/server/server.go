// Package server implements the HTTP surface of the hub: the WebSocket
// observer endpoint and the administrative query API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kansoku-dev/kansoku/internal/bus"
	"github.com/kansoku-dev/kansoku/internal/gateway"
	"github.com/kansoku-dev/kansoku/internal/metrics"
)

// Server is the kansoku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Collector *metrics.Collector
	Bus       *bus.Bus
	Manager   *gateway.Manager
	Logger    *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a Server with all routes registered.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.Collector, cfg.Bus, cfg.Manager, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	mux.HandleFunc("GET /api/v1/status", h.HandleStatus)
	mux.HandleFunc("GET /api/v1/metrics/history", h.HandleMetricsHistory)
	mux.HandleFunc("GET /api/v1/events", h.HandleEvents)

	var handler http.Handler = mux
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// ListenAndServe starts accepting connections. Blocks until Shutdown
// or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
