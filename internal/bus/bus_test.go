package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kansoku-dev/kansoku/internal/model"
)

// testLogger returns a logger for tests that only surfaces errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder collects delivered events in order.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) HandleEvent(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recorder) snapshot() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// waitFor blocks until the recorder has received n events or the
// timeout elapses.
func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func newStartedBus(t *testing.T) *Bus {
	t.Helper()
	b := New(DefaultRouting(), testLogger(), Config{QueueSize: 64, MaxHistory: 100})
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func TestDeliveryOrderAndExactlyOnce(t *testing.T) {
	b := newStartedBus(t)
	rec := newRecorder()
	if err := b.Subscribe("obs", []model.EventType{model.EventTaskStarted}, rec); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	var published []model.Event
	for i := 0; i < 5; i++ {
		ev := b.PublishSimple(model.EventTaskStarted, model.EngineParallelMind,
			map[string]any{"seq": i})
		published = append(published, ev)
	}

	rec.waitFor(t, 5)
	got := rec.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected exactly 5 deliveries, got %d", len(got))
	}
	for i, ev := range got {
		if ev.ID != published[i].ID {
			t.Errorf("delivery %d: got event %s, want %s (publish order)", i, ev.ID, published[i].ID)
		}
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := newStartedBus(t)

	for i := 0; i < 3; i++ {
		b.PublishSimple(model.EventTaskCompleted, model.EngineParallelMind, nil)
	}

	// Give the consumer a moment; publish must not block or panic and
	// history must retain all three.
	time.Sleep(50 * time.Millisecond)
	events := b.EventHistory(Filter{Types: []model.EventType{model.EventTaskCompleted}})
	if len(events) != 3 {
		t.Fatalf("expected 3 events in history, got %d", len(events))
	}
}

func TestTargetedEventOnlyReachesTarget(t *testing.T) {
	b := newStartedBus(t)
	target := newRecorder()
	other := newRecorder()
	types := []model.EventType{model.EventCoordinationRequest}
	if err := b.Subscribe("target", types, target); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := b.Subscribe("other", types, other); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.PublishSimple(model.EventCoordinationRequest, model.EngineCreative, nil,
		WithTarget("target"))

	target.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(other.snapshot()); got != 0 {
		t.Fatalf("non-target subscriber received %d events, want 0", got)
	}
}

func TestSourceFilter(t *testing.T) {
	b := newStartedBus(t)
	rec := newRecorder()
	err := b.Subscribe("filtered", []model.EventType{model.EventTaskStarted}, rec,
		model.EnginePerfectRecall)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	b.PublishSimple(model.EventTaskStarted, model.EnginePerfectRecall, nil)

	rec.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].Source != model.EnginePerfectRecall {
		t.Errorf("delivered event from %s, want perfect_recall", got[0].Source)
	}
}

func TestHandlerFailureDoesNotStopDelivery(t *testing.T) {
	b := newStartedBus(t)
	rec := newRecorder()
	failing := HandlerFunc(func(context.Context, model.Event) error {
		return errors.New("subscriber broke")
	})
	panicking := HandlerFunc(func(context.Context, model.Event) error {
		panic("subscriber panicked")
	})
	types := []model.EventType{model.EventTaskStarted}
	if err := b.Subscribe("failing", types, failing); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := b.Subscribe("panicking", types, panicking); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := b.Subscribe("healthy", types, rec); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)

	// The healthy subscriber receives both despite the bad ones, and
	// the loop survives across events.
	rec.waitFor(t, 2)
}

func TestAutoRoutingForwardsToEngineSubscribers(t *testing.T) {
	b := newStartedBus(t)

	// An engine-addressed subscriber: id equals the engine id. Routed
	// events reach it even though its type filter says EngineStarted.
	recall := newRecorder()
	err := b.Subscribe(string(model.EnginePerfectRecall),
		[]model.EventType{model.EventEngineStarted}, recall)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	// TaskCompleted routes to perfect_recall by default.
	b.PublishSimple(model.EventTaskCompleted, model.EngineCreative, nil)
	recall.waitFor(t, 1)

	// Routing excludes the source engine: perfect_recall publishing
	// TaskCompleted must not be forwarded back to itself.
	b.PublishSimple(model.EventTaskCompleted, model.EnginePerfectRecall, nil)
	time.Sleep(50 * time.Millisecond)
	if got := len(recall.snapshot()); got != 1 {
		t.Fatalf("expected 1 routed delivery, got %d", got)
	}
}

func TestRoutingDeliversAtMostOncePerPublish(t *testing.T) {
	b := newStartedBus(t)

	// Subscriber both matches the event normally and is a routing
	// destination; it must still see the event exactly once.
	recall := newRecorder()
	err := b.Subscribe(string(model.EnginePerfectRecall),
		[]model.EventType{model.EventTaskCompleted}, recall)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	b.PublishSimple(model.EventTaskCompleted, model.EngineCreative, nil)
	recall.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := len(recall.snapshot()); got != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", got)
	}
}

func TestSubscribeEmptyTypeSet(t *testing.T) {
	b := New(DefaultRouting(), testLogger(), Config{})
	err := b.Subscribe("empty", nil, newRecorder())
	var typeErr *EmptyTypeSetError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected EmptyTypeSetError, got %v", err)
	}
}

func TestResubscribeReplacesAndUnsubscribeIsIdempotent(t *testing.T) {
	b := newStartedBus(t)
	first := newRecorder()
	second := newRecorder()
	types := []model.EventType{model.EventTaskStarted}

	if err := b.Subscribe("obs", types, first); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := b.Subscribe("obs", types, second); err != nil {
		t.Fatalf("re-Subscribe error: %v", err)
	}

	b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	second.waitFor(t, 1)
	if got := len(first.snapshot()); got != 0 {
		t.Fatalf("replaced subscription still received %d events", got)
	}

	b.Unsubscribe("obs")
	b.Unsubscribe("obs") // no-op
	if stats := b.Stats(); stats.Subscribers != 0 {
		t.Fatalf("expected 0 subscribers, got %d", stats.Subscribers)
	}

	// Liveness is map membership: events published after Unsubscribe
	// must not reach the removed handler.
	b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	time.Sleep(50 * time.Millisecond)
	if got := len(second.snapshot()); got != 1 {
		t.Fatalf("removed subscription received %d events, want 1", got)
	}
}

func TestStartRegistersGaugesOnce(t *testing.T) {
	prev := otel.GetMeterProvider()
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	b := New(DefaultRouting(), testLogger(), Config{QueueSize: 8, MaxHistory: 10})
	b.Start(ctx)
	b.Stop()
	b.Start(ctx)
	defer b.Stop()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	counts := make(map[string]int)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			counts[m.Name]++
		}
	}
	for _, name := range []string{"kansoku.bus.queue_depth", "kansoku.bus.subscribers", "kansoku.bus.dropped_total"} {
		if got := counts[name]; got != 1 {
			t.Errorf("instrument %s recorded %d times after restart, want 1", name, got)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	b := newStartedBus(t)
	rec := newRecorder()
	if err := b.Subscribe("obs", []model.EventType{model.EventTaskStarted}, rec); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	for i := 0; i < 4; i++ {
		b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	}
	rec.waitFor(t, 4)

	stats := b.Stats()
	if stats.Published != 4 {
		t.Errorf("Published = %d, want 4", stats.Published)
	}
	if stats.Delivered != 4 {
		t.Errorf("Delivered = %d, want 4", stats.Delivered)
	}
	if stats.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", stats.Subscribers)
	}
	if stats.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", stats.Dropped)
	}
}

func TestQueueFullDropsButKeepsHistory(t *testing.T) {
	// Unstarted bus: nothing consumes the queue, so a tiny capacity
	// overflows deterministically.
	b := New(DefaultRouting(), testLogger(), Config{QueueSize: 2, MaxHistory: 100})

	for i := 0; i < 5; i++ {
		b.PublishSimple(model.EventTaskStarted, model.EngineCreative,
			map[string]any{"seq": i})
	}

	stats := b.Stats()
	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
	if got := len(b.EventHistory(Filter{})); got != 5 {
		t.Errorf("history length = %d, want 5 (drops never lose history)", got)
	}
}

func TestCorrelationAndPriorityOptions(t *testing.T) {
	b := New(DefaultRouting(), testLogger(), Config{})
	ev := b.PublishSimple(model.EventEngineHandoff, model.EngineCreative, nil,
		WithCorrelation("corr-1"), WithPriority(42))
	if ev.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", ev.CorrelationID)
	}
	if ev.Priority != model.MaxPriority {
		t.Errorf("Priority = %d, want clamped to %d", ev.Priority, model.MaxPriority)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	b := New(DefaultRouting(), testLogger(), Config{QueueSize: 64})
	b.Start(context.Background())

	rec := newRecorder()
	if err := b.Subscribe("obs", []model.EventType{model.EventTaskStarted}, rec); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	for i := 0; i < 10; i++ {
		b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	}

	b.Stop()
	if got := len(rec.snapshot()); got != 10 {
		t.Fatalf("expected all 10 events delivered before Stop returned, got %d", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	b := New(DefaultRouting(), testLogger(), Config{})
	ctx := context.Background()
	b.Start(ctx)
	b.Start(ctx)
	b.Stop()
	b.Stop()
}

func TestEventsPerSecondWindow(t *testing.T) {
	b := New(DefaultRouting(), testLogger(), Config{})
	for i := 0; i < 7; i++ {
		b.PublishSimple(model.EventTaskStarted, model.EngineCreative, nil)
	}
	if rate := b.Stats().EventsPerSecond; rate != 7 {
		t.Errorf("EventsPerSecond = %v, want 7 within the window", rate)
	}
}

func ExampleBus_PublishSimple() {
	b := New(DefaultRouting(), testLogger(), Config{})
	ev := b.PublishSimple(model.EventTaskCompleted, model.EngineParallelMind,
		map[string]any{"task": "index"})
	fmt.Println(ev.Type)
	// Output: TaskCompleted
}
