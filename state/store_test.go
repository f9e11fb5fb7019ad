package state

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()

	t.Run("execution round trip", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		started := time.Now().UTC().Truncate(time.Second)
		rec := ExecutionRecord{
			ID:         "exec-1",
			WorkflowID: "wf-1",
			TraceID:    "trace-1",
			Status:     StatusRunning,
			StartedAt:  started,
			UpdatedAt:  started,
			Metadata:   map[string]string{"source": "cli"},
			Steps: map[string]StepExecution{
				"step-1": {StepID: "step-1", WorkerID: "parser", EventID: "ev-1",
					EventType: "WORKFLOW_STARTED", Status: StatusCompleted, Attempts: 1, StartedAt: started},
			},
		}
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}

		got, err := s.LoadExecution(ctx, "wf-1")
		if err != nil {
			t.Fatalf("LoadExecution: %v", err)
		}
		if got.ID != "exec-1" || got.Status != StatusRunning || got.TraceID != "trace-1" {
			t.Errorf("loaded record mismatch: %+v", got)
		}
		if got.SavedAt.IsZero() {
			t.Error("SavedAt not stamped on save")
		}
		if got.Metadata["source"] != "cli" {
			t.Errorf("metadata lost: %+v", got.Metadata)
		}
		if step, ok := got.Step("step-1"); !ok || step.WorkerID != "parser" {
			t.Errorf("steps lost: %+v", got.Steps)
		}

		// Upsert.
		rec.Status = StatusCompleted
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatalf("SaveExecution update: %v", err)
		}
		got, err = s.LoadExecution(ctx, "wf-1")
		if err != nil {
			t.Fatalf("LoadExecution after update: %v", err)
		}
		if got.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
	})

	t.Run("load missing", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		_, err := s.LoadExecution(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list by status", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		base := time.Now().UTC().Truncate(time.Second)
		for i, st := range []Status{StatusRunning, StatusCompleted, StatusRunning} {
			rec := ExecutionRecord{
				WorkflowID: "wf-list-" + string(rune('a'+i)),
				Status:     st,
				StartedAt:  base.Add(time.Duration(i) * time.Second),
			}
			if err := s.SaveExecution(ctx, rec); err != nil {
				t.Fatalf("SaveExecution: %v", err)
			}
		}

		running, err := s.ListExecutions(ctx, StatusRunning)
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(running) != 2 {
			t.Errorf("running = %d records, want 2", len(running))
		}
		all, err := s.ListExecutions(ctx, "")
		if err != nil {
			t.Fatalf("ListExecutions all: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("all = %d records, want 3", len(all))
		}
	})

	t.Run("checkpoint sequence", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		for i, phase := range []Phase{PhaseStarted, PhaseCompleted, PhaseStarted} {
			cp := Checkpoint{
				WorkflowID:     "wf-cp",
				Phase:          phase,
				WorkerID:       "gen",
				EventID:        "ev-" + string(rune('1'+i)),
				EventType:      "CONTENT_GENERATED",
				EventJSON:      []byte(`{"id":"ev"}`),
				IdempotencyKey: IdempotencyKey("wf-cp", "ev-"+string(rune('1'+i)), phase),
				CreatedAt:      time.Now().UTC(),
			}
			if err := s.SaveCheckpoint(ctx, cp); err != nil {
				t.Fatalf("SaveCheckpoint %d: %v", i, err)
			}
		}

		cps, err := s.ListCheckpoints(ctx, "wf-cp")
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(cps) != 3 {
			t.Fatalf("got %d checkpoints, want 3", len(cps))
		}
		for i, cp := range cps {
			if cp.Seq != int64(i+1) {
				t.Errorf("checkpoint %d has seq %d", i, cp.Seq)
			}
		}

		latest, err := s.LatestCheckpoint(ctx, "wf-cp")
		if err != nil {
			t.Fatalf("LatestCheckpoint: %v", err)
		}
		if latest.Seq != 3 || latest.EventID != "ev-3" {
			t.Errorf("latest = seq %d event %s, want seq 3 event ev-3", latest.Seq, latest.EventID)
		}
	})

	t.Run("latest checkpoint missing", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		_, err := s.LatestCheckpoint(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("idempotent checkpoint commit", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		key := IdempotencyKey("wf-idem", "ev-1", PhaseCompleted)
		cp := Checkpoint{
			WorkflowID:     "wf-idem",
			Phase:          PhaseCompleted,
			EventID:        "ev-1",
			EventJSON:      []byte(`{}`),
			IdempotencyKey: key,
			CreatedAt:      time.Now().UTC(),
		}

		used, err := s.CheckIdempotency(ctx, key)
		if err != nil || used {
			t.Fatalf("CheckIdempotency before = (%v, %v), want (false, nil)", used, err)
		}

		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("first SaveCheckpoint: %v", err)
		}
		// Replay: must not error, must not duplicate.
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("replayed SaveCheckpoint: %v", err)
		}

		cps, err := s.ListCheckpoints(ctx, "wf-idem")
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(cps) != 1 {
			t.Errorf("got %d checkpoints after replay, want 1", len(cps))
		}

		used, err = s.CheckIdempotency(ctx, key)
		if err != nil || !used {
			t.Errorf("CheckIdempotency after = (%v, %v), want (true, nil)", used, err)
		}
	})

	t.Run("delete workflow", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		key := IdempotencyKey("wf-del", "ev-1", PhaseStarted)
		if err := s.SaveExecution(ctx, ExecutionRecord{
			WorkflowID: "wf-del", Status: StatusCompleted, StartedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
		if err := s.SaveCheckpoint(ctx, Checkpoint{
			WorkflowID: "wf-del", Phase: PhaseStarted, EventID: "ev-1",
			EventJSON: []byte(`{}`), IdempotencyKey: key, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}

		if err := s.DeleteWorkflow(ctx, "wf-del"); err != nil {
			t.Fatalf("DeleteWorkflow: %v", err)
		}
		if _, err := s.LoadExecution(ctx, "wf-del"); !errors.Is(err, ErrNotFound) {
			t.Errorf("execution survived delete: %v", err)
		}
		cps, err := s.ListCheckpoints(ctx, "wf-del")
		if err != nil {
			t.Fatalf("ListCheckpoints: %v", err)
		}
		if len(cps) != 0 {
			t.Errorf("%d checkpoints survived delete", len(cps))
		}
		used, err := s.CheckIdempotency(ctx, key)
		if err != nil || used {
			t.Errorf("idempotency key survived delete: (%v, %v)", used, err)
		}

		// Deleting again is not an error.
		if err := s.DeleteWorkflow(ctx, "wf-del"); err != nil {
			t.Errorf("second DeleteWorkflow: %v", err)
		}
	})

	t.Run("closed store", func(t *testing.T) {
		s := open(t)
		s.Close()
		if err := s.SaveExecution(context.Background(), ExecutionRecord{WorkflowID: "x"}); !errors.Is(err, ErrClosed) {
			t.Errorf("SaveExecution on closed store = %v, want ErrClosed", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		return s
	})
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("wf", "ev", PhaseStarted)
	b := IdempotencyKey("wf", "ev", PhaseStarted)
	if a != b {
		t.Error("equal inputs produced different keys")
	}
	if a == IdempotencyKey("wf", "ev", PhaseCompleted) {
		t.Error("different phases produced the same key")
	}
	if a == IdempotencyKey("wf2", "ev", PhaseStarted) {
		t.Error("different workflows produced the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}
