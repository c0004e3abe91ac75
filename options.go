package kansoku

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port              int
	logger            *slog.Logger
	version           string
	pollInterval      time.Duration
	broadcastInterval time.Duration
	providers         map[string]StatusProvider
	routing           map[string]RoutingRule
}

// WithPort overrides the TCP port from config (KANSOKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPollInterval overrides the engine poll interval from config
// (KANSOKU_POLL_INTERVAL env var).
func WithPollInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.pollInterval = d }
}

// WithBroadcastInterval overrides the observer broadcast interval from
// config (KANSOKU_BROADCAST_INTERVAL env var).
func WithBroadcastInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.broadcastInterval = d }
}

// WithStatusProvider replaces the simulated status provider for one
// engine with a live one. New() fails if the engine tag is not in the
// closed engine set.
func WithStatusProvider(engine string, p StatusProvider) Option {
	return func(o *resolvedOptions) {
		if o.providers == nil {
			o.providers = make(map[string]StatusProvider)
		}
		o.providers[engine] = p
	}
}

// WithRoutingRule overrides or adds one auto-routing rule. New() fails
// if a destination tag is not in the closed engine set.
func WithRoutingRule(eventType string, rule RoutingRule) Option {
	return func(o *resolvedOptions) {
		if o.routing == nil {
			o.routing = make(map[string]RoutingRule)
		}
		o.routing[eventType] = rule
	}
}
