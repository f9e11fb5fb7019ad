package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogEmitterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := NewLogEmitter(logger)

	e.Emit(Event{WorkflowID: "wf", TraceID: "tr", WorkerID: "gen", Msg: "task_start"})
	e.Emit(Event{WorkflowID: "wf", TraceID: "tr", WorkerID: "gen", Msg: "task_retry",
		Meta: map[string]any{"attempt": 2}})
	e.Emit(Event{WorkflowID: "wf", TraceID: "tr", WorkerID: "gen", Msg: "task_abandoned",
		Meta: map[string]any{"error": "provider unavailable"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3", len(lines))
	}

	wantLevels := []string{"INFO", "WARN", "ERROR"}
	for i, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d not JSON: %v", i, err)
		}
		if rec["level"] != wantLevels[i] {
			t.Errorf("line %d level = %v, want %s", i, rec["level"], wantLevels[i])
		}
		if rec["workflow_id"] != "wf" || rec["trace_id"] != "tr" {
			t.Errorf("line %d missing workflow identity: %v", i, rec)
		}
	}
}

func TestNullEmitter(t *testing.T) {
	// Must not panic or block.
	e := NewNullEmitter()
	e.Emit(Event{WorkflowID: "wf", Msg: "anything"})
}

func TestBufferedEmitterHistory(t *testing.T) {
	e := NewBufferedEmitter()
	e.Emit(Event{WorkflowID: "wf-a", WorkerID: "parser", Msg: "task_start"})
	e.Emit(Event{WorkflowID: "wf-a", WorkerID: "parser", Msg: "task_complete"})
	e.Emit(Event{WorkflowID: "wf-a", WorkerID: "gen", Msg: "task_start"})
	e.Emit(Event{WorkflowID: "wf-b", WorkerID: "parser", Msg: "task_start"})

	if got := len(e.History("wf-a")); got != 3 {
		t.Errorf("History(wf-a) = %d records, want 3", got)
	}
	if got := len(e.History("wf-missing")); got != 0 {
		t.Errorf("History(wf-missing) = %d records, want 0", got)
	}

	filtered := e.HistoryWithFilter("wf-a", HistoryFilter{WorkerID: "parser", Msg: "task_start"})
	if len(filtered) != 1 {
		t.Fatalf("filtered = %d records, want 1", len(filtered))
	}

	e.Clear("wf-a")
	if got := len(e.History("wf-a")); got != 0 {
		t.Errorf("after Clear, History(wf-a) = %d records", got)
	}
	if got := len(e.History("wf-b")); got != 1 {
		t.Errorf("Clear(wf-a) touched wf-b: %d records", got)
	}

	e.Clear("")
	if got := len(e.History("wf-b")); got != 0 {
		t.Errorf("Clear all left %d records", got)
	}
}
