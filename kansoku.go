// Package kansoku is the public API for embedding the kansoku
// telemetry hub: engine status polling, event distribution, and the
// WebSocket observer bridge.
//
// Platform consumers construct and run the hub without forking it:
//
//	hub, err := kansoku.New(
//	    kansoku.WithVersion(version),
//	    kansoku.WithLogger(logger),
//	    kansoku.WithStatusProvider("perfect_recall", recallProvider),
//	)
//	if err != nil { ... }
//	if err := hub.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kansoku (root)
// imports internal/*, but internal/* never imports kansoku (root).
package kansoku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kansoku-dev/kansoku/internal/bus"
	"github.com/kansoku-dev/kansoku/internal/config"
	"github.com/kansoku-dev/kansoku/internal/engine"
	"github.com/kansoku-dev/kansoku/internal/gateway"
	"github.com/kansoku-dev/kansoku/internal/metrics"
	"github.com/kansoku-dev/kansoku/internal/model"
	"github.com/kansoku-dev/kansoku/internal/server"
	"github.com/kansoku-dev/kansoku/internal/telemetry"
)

// App is the hub lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg       config.Config
	collector *metrics.Collector
	bus       *bus.Bus
	manager   *gateway.Manager
	scheduler *gateway.Scheduler
	srv       *server.Server
	logger    *slog.Logger
	version   string
}

// New initialises the hub: loads configuration, wires the collector,
// bus, and gateway, and returns a ready-to-run App. It does NOT start
// any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.pollInterval > 0 {
		cfg.PollInterval = o.pollInterval
	}
	if o.broadcastInterval > 0 {
		cfg.BroadcastInterval = o.broadcastInterval
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	providers := engine.DefaultProviders()
	for tag, p := range o.providers {
		id, err := model.ParseEngineID(tag)
		if err != nil {
			return nil, fmt.Errorf("status provider: %w", err)
		}
		providers[id] = &providerAdapter{p: p}
	}

	routing := bus.DefaultRouting()
	for typ, rule := range o.routing {
		internal, err := toInternalRule(rule)
		if err != nil {
			return nil, fmt.Errorf("routing rule for %s: %w", typ, err)
		}
		routing[model.EventType(typ)] = internal
	}

	collector := metrics.New(providers, metrics.DefaultThresholds(), logger, metrics.Config{
		PollInterval: cfg.PollInterval,
		Retention:    cfg.Retention,
	})
	eventBus := bus.New(routing, logger, bus.Config{
		QueueSize:  cfg.QueueSize,
		MaxHistory: cfg.MaxHistory,
	})
	manager := gateway.NewManager(collector, logger)
	scheduler := gateway.NewScheduler(manager, collector, logger, cfg.BroadcastInterval)

	srv := server.New(server.ServerConfig{
		Collector:    collector,
		Bus:          eventBus,
		Manager:      manager,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	return &App{
		cfg:       cfg,
		collector: collector,
		bus:       eventBus,
		manager:   manager,
		scheduler: scheduler,
		srv:       srv,
		logger:    logger,
		version:   version,
	}, nil
}

// Publish places an event on the bus. The source must be a known
// engine tag; the returned string is the event id.
func (a *App) Publish(eventType, source string, payload map[string]any) (string, error) {
	src, err := model.ParseEngineID(source)
	if err != nil {
		return "", err
	}
	ev := a.bus.PublishSimple(model.EventType(eventType), src, payload)
	return ev.ID.String(), nil
}

// Subscribe registers an in-process event handler. Re-subscribing with
// the same id replaces the previous subscription.
func (a *App) Subscribe(id string, eventTypes []string, handler EventHandler, sources ...string) error {
	types := make([]model.EventType, len(eventTypes))
	for i, t := range eventTypes {
		types[i] = model.EventType(t)
	}
	srcs := make([]model.EngineID, len(sources))
	for i, s := range sources {
		src, err := model.ParseEngineID(s)
		if err != nil {
			return err
		}
		srcs[i] = src
	}

	h := bus.HandlerFunc(func(ctx context.Context, ev model.Event) error {
		return handler(ctx, toPublicEvent(ev))
	})
	return a.bus.Subscribe(id, types, h, srcs...)
}

// Unsubscribe removes an in-process subscription. Unknown ids are a
// no-op.
func (a *App) Unsubscribe(id string) {
	a.bus.Unsubscribe(id)
}

// Run starts all loops and the HTTP server and blocks until ctx is
// cancelled, then shuts everything down cooperatively. In-flight sends
// complete or fail fast; no loop is force-killed.
func (a *App) Run(ctx context.Context) error {
	otelShutdown, err := telemetry.Init(ctx, a.cfg.OTELEndpoint, a.cfg.ServiceName, a.version, true)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	a.collector.Start(ctx)
	a.bus.Start(ctx)
	a.scheduler.Start(ctx)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.srv.ListenAndServe()
	})
	g.Go(func() error {
		<-runCtx.Done()
		a.logger.Info("kansoku: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a.scheduler.Stop()
		a.collector.Stop()
		a.bus.Stop()

		var firstErr error
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
		if err := otelShutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// providerAdapter bridges the public StatusProvider to the internal
// collector interface.
type providerAdapter struct {
	p StatusProvider
}

func (a *providerAdapter) Status(ctx context.Context) (model.EngineReport, error) {
	report, err := a.p.Status(ctx)
	if err != nil {
		return model.EngineReport{}, err
	}
	return model.EngineReport{
		Status:       model.EngineStatus(report.Status),
		Uptime:       report.Uptime,
		CPUPercent:   report.CPUPercent,
		MemoryMB:     report.MemoryMB,
		Throughput:   report.Throughput,
		ErrorRate:    report.ErrorRate,
		LastActivity: report.LastActivity,
		Extra:        report.Extra,
	}, nil
}

func toPublicEvent(ev model.Event) Event {
	target := ""
	if ev.Target != nil {
		target = *ev.Target
	}
	return Event{
		ID:            ev.ID.String(),
		Type:          string(ev.Type),
		Source:        string(ev.Source),
		Target:        target,
		Timestamp:     ev.Timestamp,
		Payload:       ev.Payload,
		CorrelationID: ev.CorrelationID,
		Priority:      ev.Priority,
	}
}

func toInternalRule(rule RoutingRule) (bus.RoutingRule, error) {
	out := bus.RoutingRule{All: rule.All}
	for _, dest := range rule.Destinations {
		id, err := model.ParseEngineID(dest)
		if err != nil {
			return bus.RoutingRule{}, err
		}
		out.Destinations = append(out.Destinations, id)
	}
	return out, nil
}
