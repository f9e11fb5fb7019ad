package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/sink"
	"github.com/draftforge/draftforge/state"
)

// completingFactory builds a worker that answers WORKFLOW_STARTED with an
// immediate WORKFLOW_COMPLETED.
func completingFactory(index int) Worker {
	return &stubWorker{
		id: "all-in-one-1", role: "all-in-one",
		subs: []event.Type{event.TypeWorkflowStarted},
		process: func(_ context.Context, e event.Event) ([]event.Event, error) {
			return []event.Event{
				event.Derive(e, event.TypeWorkflowCompleted, &event.CompletedPayload{
					WorkflowState: "completed",
				}),
			}, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *state.MemoryStore) {
	t.Helper()
	bus := event.NewBus()
	store := state.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	o := NewOrchestrator(bus, store, opts...)
	t.Cleanup(o.Stop)
	return o, store
}

func TestOrchestratorRunSyncCompletes(t *testing.T) {
	o, store := newTestOrchestrator(t)
	if err := o.Pool().AddRole("all-in-one", 1, completingFactory); err != nil {
		t.Fatal(err)
	}
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Title: "T", Text: "# C"}, ModeSync)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != state.StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt should be set on completion")
	}

	// The tracker records the worker's step executions.
	waitFor(t, func() bool {
		loaded, err := store.LoadExecution(context.Background(), rec.WorkflowID)
		return err == nil && len(loaded.Steps) >= 1
	})
}

func TestOrchestratorRunAsyncReturnsRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	if err := o.Pool().AddRole("all-in-one", 1, completingFactory); err != nil {
		t.Fatal(err)
	}
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeAsync)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != state.StatusRunning {
		t.Errorf("Status = %s, want running at return", rec.Status)
	}
	if err := o.Wait(context.Background(), rec.WorkflowID); err != nil {
		t.Fatal(err)
	}
}

func TestOrchestratorDryRun(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_ = o.Pool().AddRole("parser", 1, parserFactory)
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeDryRun)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Status != state.StatusCompleted {
		t.Errorf("Status = %s, want completed", rec.Status)
	}
	step, ok := rec.Step("parser:dry_run")
	if len(rec.Steps) != 1 || !ok {
		t.Fatalf("Steps = %+v, want one parser dry_run step", rec.Steps)
	}
	if step.Metadata["dry_run"] != true {
		t.Errorf("step metadata = %+v, want dry_run marker", step.Metadata)
	}
	if rec.ID == "" {
		t.Error("execution id not assigned")
	}
}

func TestOrchestratorRunSyncFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_ = o.Pool().AddRole("broken", 1, func(int) Worker {
		return &stubWorker{
			id: "broken-1", role: "broken",
			subs: []event.Type{event.TypeWorkflowStarted},
			process: func(context.Context, event.Event) ([]event.Event, error) {
				return nil, Validationf("cannot parse")
			},
		}
	})
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeSync)
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("Run() error = %v, want ErrWorkflowFailed", err)
	}
	if rec.Status != state.StatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if ExitCode(err) != ExitWorkflowFailed {
		t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitWorkflowFailed)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	o, _ := newTestOrchestrator(t, WithTimeout(50*time.Millisecond))
	_ = o.Pool().AddRole("idle", 1, func(int) Worker {
		return &stubWorker{id: "idle-1", role: "idle", subs: []event.Type{event.TypeWorkflowStarted}}
	})
	o.Start(context.Background())

	_, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeSync)
	if !errors.Is(err, ErrWorkflowTimeout) {
		t.Fatalf("Run() error = %v, want ErrWorkflowTimeout", err)
	}
	if ExitCode(err) != ExitTimeout {
		t.Errorf("ExitCode = %d, want %d", ExitCode(err), ExitTimeout)
	}
}

func TestOrchestratorCancel(t *testing.T) {
	o, store := newTestOrchestrator(t)
	// The worker parks on its context so a step is still running when the
	// workflow is cancelled.
	_ = o.Pool().AddRole("idle", 1, func(int) Worker {
		return &stubWorker{
			id: "idle-1", role: "idle",
			subs: []event.Type{event.TypeWorkflowStarted},
			process: func(ctx context.Context, _ event.Event) ([]event.Event, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	})
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeAsync)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		loaded, err := store.LoadExecution(context.Background(), rec.WorkflowID)
		return err == nil && len(loaded.Steps) == 1
	})

	if err := o.Cancel(context.Background(), rec.WorkflowID); err != nil {
		t.Fatal(err)
	}
	if err := o.Wait(context.Background(), rec.WorkflowID); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadExecution(context.Background(), rec.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != state.StatusSuspended {
		t.Errorf("Status = %s, want suspended", loaded.Status)
	}
	for id, step := range loaded.Steps {
		if step.Status != state.StatusCancelled {
			t.Errorf("step %s status = %s, want cancelled", id, step.Status)
		}
		if step.CompletedAt == nil {
			t.Errorf("step %s has no completion time after cancel", id)
		}
	}

	if err := o.Cancel(context.Background(), "missing"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("Cancel(missing) error = %v, want ErrUnknownWorkflow", err)
	}
}

func TestOrchestratorResume(t *testing.T) {
	bus := event.NewBus()
	store := state.NewMemoryStore()
	defer store.Close()

	// Simulate a crash mid fan-out: three checkpointed events, one of
	// which already committed its completed phase. Resume must replay the
	// two unfinished ones and skip the finished one.
	ctx := context.Background()
	if err := store.SaveExecution(ctx, state.ExecutionRecord{
		ID: "exec-resume", WorkflowID: "wf-resume", TraceID: "tr1",
		Status: state.StatusRunning, Mode: string(ModeAsync),
		StartedAt: time.Now(), UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	seed := func(e event.Event, phases ...state.Phase) {
		t.Helper()
		data, _ := event.Marshal(e)
		for _, phase := range phases {
			if err := store.SaveCheckpoint(ctx, state.Checkpoint{
				WorkflowID: "wf-resume", Phase: phase,
				WorkerID: "counter-1", EventID: e.ID,
				EventType: string(e.Type), EventJSON: data,
				IdempotencyKey: state.IdempotencyKey("wf-resume", e.ID, phase),
				CreatedAt:      time.Now(),
			}); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk := func() event.Event {
		return event.New(event.TypeWorkflowStarted, "wf-resume", "tr1",
			&event.StartedPayload{Content: event.SourceContent{Text: "# C"}})
	}
	unfinishedA, unfinishedB, finished := mk(), mk(), mk()
	seed(unfinishedA, state.PhaseStarted)
	seed(finished, state.PhaseStarted, state.PhaseCompleted)
	seed(unfinishedB, state.PhaseStarted)

	var mu sync.Mutex
	processed := make(map[string]bool)
	o := NewOrchestrator(bus, store)
	defer o.Stop()
	err := o.Pool().AddRole("counter", 1, func(int) Worker {
		return &stubWorker{
			id: "counter-1", role: "counter",
			subs: []event.Type{event.TypeWorkflowStarted},
			process: func(_ context.Context, e event.Event) ([]event.Event, error) {
				mu.Lock()
				processed[e.ID] = true
				mu.Unlock()
				return []event.Event{
					event.Derive(e, event.TypeWorkflowCompleted, &event.CompletedPayload{
						WorkflowState: "completed",
					}),
				}, nil
			},
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	o.Start(ctx)

	// Resolve by the execution's own id rather than the workflow id.
	rec, err := o.Resume(ctx, "exec-resume")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if rec.WorkflowID != "wf-resume" {
		t.Fatalf("resolved workflow = %s, want wf-resume", rec.WorkflowID)
	}
	if err := o.Wait(ctx, rec.WorkflowID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	})
	mu.Lock()
	if !processed[unfinishedA.ID] || !processed[unfinishedB.ID] {
		t.Errorf("replayed = %v, want both unfinished events", processed)
	}
	if processed[finished.ID] {
		t.Error("event with a completed checkpoint was replayed")
	}
	mu.Unlock()

	loaded, err := store.LoadExecution(ctx, "wf-resume")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != state.StatusCompleted {
		t.Errorf("Status = %s, want completed after resume", loaded.Status)
	}

	if _, err := o.Resume(ctx, "missing"); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("Resume(missing) error = %v, want ErrUnknownWorkflow", err)
	}
}

func TestOrchestratorNotifiesChat(t *testing.T) {
	chat := sink.NewMemoryChat()
	o, _ := newTestOrchestrator(t, WithNotifier(chat, "C1"))
	_ = o.Pool().AddRole("all-in-one", 1, completingFactory)
	o.Start(context.Background())

	if _, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeSync); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(chat.Messages()) == 1 })
	if msg := chat.Messages()[0]; msg.Channel != "C1" {
		t.Errorf("notification channel = %q, want C1", msg.Channel)
	}
}

func TestOrchestratorStatusBoard(t *testing.T) {
	kv := sink.NewMemoryKV()
	o, _ := newTestOrchestrator(t, WithStatusBoard(kv, time.Hour))
	_ = o.Pool().AddRole("all-in-one", 1, completingFactory)
	o.Start(context.Background())

	rec, err := o.Run(context.Background(), event.SourceContent{Text: "# C"}, ModeSync)
	if err != nil {
		t.Fatal(err)
	}

	key := "workflow:" + rec.WorkflowID + ":status"
	waitFor(t, func() bool {
		v, ok, _ := kv.Get(context.Background(), key)
		return ok && v == string(state.StatusCompleted)
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrInputMissing, ExitInputMissing},
		{ErrConfigInvalid, ExitConfigInvalid},
		{ErrWorkflowFailed, ExitWorkflowFailed},
		{ErrWorkflowTimeout, ExitTimeout},
		{errors.New("other"), ExitError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
