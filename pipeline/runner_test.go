package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/draftforge/draftforge/client"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/state"
)

// stubWorker scripts Process behavior for runner tests.
type stubWorker struct {
	id      string
	role    string
	subs    []event.Type
	process func(ctx context.Context, e event.Event) ([]event.Event, error)

	calls atomic.Int32
}

func (w *stubWorker) ID() string                  { return w.id }
func (w *stubWorker) Role() string                { return w.role }
func (w *stubWorker) Subscriptions() []event.Type { return w.subs }

func (w *stubWorker) Process(ctx context.Context, e event.Event) ([]event.Event, error) {
	w.calls.Add(1)
	if w.process == nil {
		return nil, nil
	}
	return w.process(ctx, e)
}

// collector records every event of one type delivered by the bus.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(_ context.Context, e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func fastRunnerRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}
}

func TestRunnerProcessesAndPublishesDerived(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	worker := &stubWorker{
		id: "parser-1", role: "parser",
		subs: []event.Type{event.TypeWorkflowStarted},
		process: func(_ context.Context, e event.Event) ([]event.Event, error) {
			return []event.Event{
				event.Derive(e, event.TypeStructureAnalyzed, &event.StructureAnalyzedPayload{}),
			}, nil
		},
	}
	runner := NewRunner(worker, bus, store)
	runner.Attach()

	var derived collector
	bus.Subscribe(event.TypeStructureAnalyzed, "listener", derived.handle)

	bus.Start(context.Background())
	defer bus.Stop()

	src := event.New(event.TypeWorkflowStarted, "wf1", "tr1", nil)
	if err := bus.Publish(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(derived.snapshot()) == 1 })

	got := derived.snapshot()[0]
	if got.WorkflowID != "wf1" || got.TraceID != "tr1" {
		t.Errorf("derived event ids = %s/%s, want wf1/tr1", got.WorkflowID, got.TraceID)
	}

	waitFor(t, func() bool {
		cps, err := store.ListCheckpoints(context.Background(), "wf1")
		return err == nil && len(cps) == 2
	})
	cps, _ := store.ListCheckpoints(context.Background(), "wf1")
	if cps[0].Phase != state.PhaseStarted || cps[1].Phase != state.PhaseCompleted {
		t.Errorf("checkpoint phases = %s, %s, want started then completed", cps[0].Phase, cps[1].Phase)
	}
}

func TestRunnerRejectsInvalidEvent(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	worker := &stubWorker{id: "w1", role: "test", subs: []event.Type{event.TypeContentGenerated}}
	runner := NewRunner(worker, bus, store)
	runner.Attach()

	var failed collector
	bus.Subscribe(event.TypeWorkflowFailed, "listener", failed.handle)

	bus.Start(context.Background())
	defer bus.Stop()

	// Missing workflow id fails validation; the worker must not run.
	bad := event.New(event.TypeContentGenerated, "", "tr", nil)
	bad.WorkflowID = "wf-bad"
	bad.RetryCount = -1
	_ = bus.Publish(context.Background(), bad)

	waitFor(t, func() bool { return len(failed.snapshot()) == 1 })
	if worker.calls.Load() != 0 {
		t.Errorf("Process calls = %d, want 0", worker.calls.Load())
	}
	p, ok := failed.snapshot()[0].Payload.(*event.FailedPayload)
	if !ok || p.OriginalEvent == nil || p.OriginalEvent.ID != bad.ID {
		t.Error("failure payload should carry the original event")
	}
}

func TestRunnerRetriesTransientThenSucceeds(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	var attempts atomic.Int32
	worker := &stubWorker{
		id: "ai-1", role: "ai",
		subs: []event.Type{event.TypeParagraphParsed},
		process: func(_ context.Context, e event.Event) ([]event.Event, error) {
			if attempts.Add(1) < 3 {
				return nil, &client.Error{Code: client.CodeServerError, Retryable: true, Message: "blip"}
			}
			return []event.Event{
				event.Derive(e, event.TypeContentGenerated, &event.ContentGeneratedPayload{
					Content: event.ContentItem{Kind: event.KindArticle, Format: event.FormatMarkdown},
				}),
			}, nil
		},
	}
	runner := NewRunner(worker, bus, store, WithRetryPolicy(fastRunnerRetry()))
	runner.Attach()

	var generated collector
	var failed collector
	bus.Subscribe(event.TypeContentGenerated, "listener", generated.handle)
	bus.Subscribe(event.TypeWorkflowFailed, "listener", failed.handle)

	bus.Start(context.Background())
	defer bus.Stop()

	_ = bus.Publish(context.Background(), event.New(event.TypeParagraphParsed, "wf1", "tr1", nil))

	waitFor(t, func() bool { return len(generated.snapshot()) == 1 })
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if len(failed.snapshot()) != 0 {
		t.Error("transient recovery must not fail the workflow")
	}
}

func TestRunnerFailsWorkflowOnPermanentError(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	worker := &stubWorker{
		id: "ai-1", role: "ai",
		subs: []event.Type{event.TypeParagraphParsed},
		process: func(_ context.Context, _ event.Event) ([]event.Event, error) {
			return nil, Validationf("body is empty")
		},
	}
	runner := NewRunner(worker, bus, store, WithRetryPolicy(fastRunnerRetry()))
	runner.Attach()

	var failed collector
	bus.Subscribe(event.TypeWorkflowFailed, "listener", failed.handle)

	bus.Start(context.Background())
	defer bus.Stop()

	_ = bus.Publish(context.Background(), event.New(event.TypeParagraphParsed, "wf1", "tr1", nil))

	waitFor(t, func() bool { return len(failed.snapshot()) == 1 })
	if worker.calls.Load() != 1 {
		t.Errorf("Process calls = %d, want 1 (no retry on validation)", worker.calls.Load())
	}
}

func TestRunnerRetriesExhaustedFailsWorkflow(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	worker := &stubWorker{
		id: "ai-1", role: "ai",
		subs: []event.Type{event.TypeParagraphParsed},
		process: func(_ context.Context, _ event.Event) ([]event.Event, error) {
			return nil, &client.Error{Code: client.CodeTimeout, Retryable: true, Message: "slow"}
		},
	}
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	runner := NewRunner(worker, bus, store, WithRetryPolicy(policy))
	runner.Attach()

	var failed collector
	bus.Subscribe(event.TypeWorkflowFailed, "listener", failed.handle)

	bus.Start(context.Background())
	defer bus.Stop()

	_ = bus.Publish(context.Background(), event.New(event.TypeParagraphParsed, "wf1", "tr1", nil))

	waitFor(t, func() bool { return len(failed.snapshot()) == 1 })
	// First attempt plus MaxRetries re-emissions.
	if got := worker.calls.Load(); got != 3 {
		t.Errorf("Process calls = %d, want 3", got)
	}
}

func TestRunnerSkipsAlreadyCompletedEvent(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	worker := &stubWorker{id: "p1", role: "parser", subs: []event.Type{event.TypeWorkflowStarted}}
	runner := NewRunner(worker, bus, store)
	runner.Attach()

	bus.Start(context.Background())

	e := event.New(event.TypeWorkflowStarted, "wf1", "tr1", nil)
	data, _ := event.Marshal(e)
	err := store.SaveCheckpoint(context.Background(), state.Checkpoint{
		WorkflowID:     "wf1",
		Phase:          state.PhaseCompleted,
		WorkerID:       "p1",
		EventID:        e.ID,
		EventType:      string(e.Type),
		EventJSON:      data,
		IdempotencyKey: state.IdempotencyKey("wf1", e.ID, state.PhaseCompleted),
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = bus.Publish(context.Background(), e)
	bus.Stop()

	if worker.calls.Load() != 0 {
		t.Errorf("Process calls = %d, want 0 (replay skipped)", worker.calls.Load())
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.delay(tt.retry); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", Validationf("bad input"), false},
		{"bus full", event.ErrBusFull, true},
		{"typed retryable", &client.Error{Code: client.CodeRateLimited, Retryable: true}, true},
		{"typed permanent", &client.Error{Code: client.CodeInvalidAPIKey, Retryable: false}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
