// Package bus implements the typed publish/subscribe core: a bounded
// event queue with a single consuming goroutine, subscription matching,
// bounded history, and static auto-routing.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kansoku-dev/kansoku/internal/model"
	"github.com/kansoku-dev/kansoku/internal/telemetry"
)

// Handler receives events matching a subscription. Implementations own
// their own state; the bus never retains anything beyond the reference.
type Handler interface {
	HandleEvent(ctx context.Context, ev model.Event) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev model.Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

// subscription is a standing registration to receive matching events.
type subscription struct {
	id      string
	types   map[model.EventType]bool
	sources map[model.EngineID]bool // empty = any source
	handler Handler
}

func (s *subscription) matches(ev model.Event) bool {
	if !s.types[ev.Type] {
		return false
	}
	if len(s.sources) > 0 && !s.sources[ev.Source] {
		return false
	}
	if ev.Target != nil && *ev.Target != s.id {
		return false
	}
	return true
}

// Config holds bus tuning knobs.
type Config struct {
	QueueSize  int // queue capacity; events are dropped (and counted) when full
	MaxHistory int
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsPerSecond float64 `json:"events_per_second"`
	QueueDepth      int     `json:"queue_depth"`
	Subscribers     int     `json:"subscribers"`
	Published       int64   `json:"published"`
	Delivered       int64   `json:"delivered"`
	Dropped         int64   `json:"dropped"`
}

// Bus is the event distribution core. Publish never blocks: events are
// appended to history and enqueued for the single consumer goroutine,
// which fans them out to matching subscriptions and then applies the
// static routing table. A handler failure is isolated to that
// subscriber and never aborts the loop.
type Bus struct {
	logger  *slog.Logger
	routing RoutingTable
	history *History
	queue   chan model.Event

	mu   sync.RWMutex
	subs map[string]*subscription

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	rateMu     sync.Mutex
	rateStamps []time.Time

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	metricsOnce sync.Once
}

// New creates a bus. The queue is deliberately bounded: a full queue
// drops the event (counted and logged) rather than growing without
// limit under slow handlers.
func New(routing RoutingTable, logger *slog.Logger, cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	return &Bus{
		logger:  logger,
		routing: routing,
		history: NewHistory(cfg.MaxHistory),
		queue:   make(chan model.Event, cfg.QueueSize),
		subs:    make(map[string]*subscription),
	}
}

// Start launches the consumer goroutine. Idempotent.
func (b *Bus) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.done = make(chan struct{})
	// Register on the first Start only; observable-gauge callbacks on
	// the global meter would otherwise stack across Stop/Start cycles.
	b.metricsOnce.Do(b.registerMetrics)
	b.wg.Add(1)
	go b.consumeLoop(ctx)
	b.logger.Info("bus: started", "queue_size", cap(b.queue))
}

// Stop signals the consumer to exit, drains any queued events, and
// waits for the loop to finish. Idempotent.
func (b *Bus) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	close(b.done)
	b.wg.Wait()
	b.running = false
	b.logger.Info("bus: stopped")
}

// Publish appends the event to history and enqueues it for delivery.
// It returns immediately and never blocks on delivery; when the queue
// is full the event is dropped from delivery (but kept in history) and
// counted.
func (b *Bus) Publish(ev model.Event) {
	b.history.Append(ev)
	b.published.Add(1)
	b.markRate()

	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("bus: queue full, event dropped from delivery",
			"event_id", ev.ID, "type", ev.Type)
	}
}

// PublishOption adjusts optional event fields in PublishSimple.
type PublishOption func(*model.Event)

// WithTarget restricts delivery to a single subscriber id.
func WithTarget(subscriberID string) PublishOption {
	return func(ev *model.Event) { ev.Target = &subscriberID }
}

// WithCorrelation tags the event with a correlation id.
func WithCorrelation(id string) PublishOption {
	return func(ev *model.Event) { ev.CorrelationID = id }
}

// WithPriority overrides the default priority (clamped in NewEvent
// when constructing, clamped again here).
func WithPriority(p int) PublishOption {
	return func(ev *model.Event) {
		if p < model.MinPriority {
			p = model.MinPriority
		}
		if p > model.MaxPriority {
			p = model.MaxPriority
		}
		ev.Priority = p
	}
}

// PublishSimple constructs and publishes an event in one call.
func (b *Bus) PublishSimple(typ model.EventType, source model.EngineID, payload map[string]any, opts ...PublishOption) model.Event {
	ev := model.NewEvent(typ, source, payload, model.DefaultPriority)
	for _, opt := range opts {
		opt(&ev)
	}
	b.Publish(ev)
	return ev
}

// Subscribe registers (or re-registers, by id) a subscription. The type
// set must be non-empty. An empty sources list matches any source.
func (b *Bus) Subscribe(id string, types []model.EventType, handler Handler, sources ...model.EngineID) error {
	if len(types) == 0 {
		return &EmptyTypeSetError{SubscriberID: id}
	}

	typeSet := make(map[model.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sourceSet := make(map[model.EngineID]bool, len(sources))
	for _, s := range sources {
		sourceSet[s] = true
	}

	b.mu.Lock()
	b.subs[id] = &subscription{
		id:      id,
		types:   typeSet,
		sources: sourceSet,
		handler: handler,
	}
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. Removing an unknown id is a
// no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// EventHistory returns a copy of the retained events matching the
// filter, oldest first.
func (b *Bus) EventHistory(f Filter) []model.Event {
	return b.history.Tail(f)
}

// EmptyTypeSetError is returned by Subscribe when no event types are
// given.
type EmptyTypeSetError struct {
	SubscriberID string
}

func (e *EmptyTypeSetError) Error() string {
	return "bus: subscription " + e.SubscriberID + " has an empty type set"
}

// consumeLoop is the single consumer: it preserves publish order per
// subscriber and exits only on shutdown, after draining the queue.
func (b *Bus) consumeLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			b.drain(ctx)
			return
		case <-ctx.Done():
			b.drain(ctx)
			return
		case ev := <-b.queue:
			b.deliver(ctx, ev)
		}
	}
}

// drain processes whatever is left in the queue without blocking, so
// in-flight publishes complete delivery on shutdown.
func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver fans one event out to matching subscriptions, then applies
// auto-routing. Each subscriber receives the event at most once per
// publish, even when routing would hit it again.
func (b *Bus) deliver(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	seen := make(map[string]bool, len(matched))
	for _, sub := range matched {
		seen[sub.id] = true
		b.invoke(ctx, sub, ev)
	}

	b.route(ctx, ev, seen)
}

// route forwards the event to engine-addressed subscribers named by the
// static routing table, skipping the source engine and any subscriber
// already reached in the match phase.
func (b *Bus) route(ctx context.Context, ev model.Event, seen map[string]bool) {
	dests := b.routing.destinations(ev.Type, ev.Source)
	if len(dests) == 0 {
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(dests))
	for _, dest := range dests {
		if sub, ok := b.subs[string(dest)]; ok && !seen[sub.id] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(ctx, sub, ev)
	}
}

// invoke calls one handler, converting errors and panics into log
// lines. A bad subscriber never stops delivery to the rest.
func (b *Bus) invoke(ctx context.Context, sub *subscription, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: handler panicked",
				"subscriber", sub.id, "event_id", ev.ID, "panic", r)
		}
	}()

	if err := sub.handler.HandleEvent(ctx, ev); err != nil {
		b.logger.Warn("bus: handler failed",
			"subscriber", sub.id, "event_id", ev.ID, "error", err)
		return
	}
	b.delivered.Add(1)
}

// markRate records a publish timestamp for the rolling 1s rate window.
func (b *Bus) markRate() {
	now := time.Now()
	cutoff := now.Add(-time.Second)

	b.rateMu.Lock()
	b.rateStamps = append(b.rateStamps, now)
	// Prune the front; stamps are appended in order.
	i := 0
	for i < len(b.rateStamps) && b.rateStamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.rateStamps = append([]time.Time(nil), b.rateStamps[i:]...)
	}
	b.rateMu.Unlock()
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	cutoff := time.Now().Add(-time.Second)

	b.rateMu.Lock()
	var recent int
	for i := len(b.rateStamps) - 1; i >= 0 && !b.rateStamps[i].Before(cutoff); i-- {
		recent++
	}
	b.rateMu.Unlock()

	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		EventsPerSecond: float64(recent),
		QueueDepth:      len(b.queue),
		Subscribers:     subscribers,
		Published:       b.published.Load(),
		Delivered:       b.delivered.Load(),
		Dropped:         b.dropped.Load(),
	}
}

// registerMetrics registers observable OTEL gauges for bus health.
func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("kansoku/bus")

	_, _ = meter.Int64ObservableGauge("kansoku.bus.queue_depth",
		metric.WithDescription("Events waiting in the delivery queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(b.queue)))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.bus.subscribers",
		metric.WithDescription("Active subscriptions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.RLock()
			n := len(b.subs)
			b.mu.RUnlock()
			o.Observe(int64(n))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.bus.dropped_total",
		metric.WithDescription("Events dropped from delivery due to a full queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.dropped.Load())
			return nil
		}),
	)
}
