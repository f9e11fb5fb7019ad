// Package emit carries observability events out of the pipeline.
//
// Workers and the orchestrator emit small structured records at each
// lifecycle point (workflow start, task start/finish, retry, failure). An
// Emitter forwards them to a backend: structured logs, OpenTelemetry
// spans, or nothing. The bus stays free of observability concerns; only
// emitters know where records go.
package emit

// Event is one observability record.
//
// Every record names the workflow and trace it belongs to so log lines and
// spans from concurrent workflows can be separated downstream.
type Event struct {
	// WorkflowID identifies the workflow execution.
	WorkflowID string

	// TraceID is the trace identifier assigned at workflow start.
	TraceID string

	// WorkerID names the component that emitted the record. Empty for
	// orchestrator-level records.
	WorkerID string

	// Msg is the record name, e.g. "task_start", "task_retry",
	// "workflow_complete".
	Msg string

	// Meta holds record-specific fields. Common keys: "duration_ms",
	// "error", "retryable", "attempt", "event_type", "tokens_in",
	// "tokens_out".
	Meta map[string]any
}

// Emitter forwards observability records to a backend.
//
// Implementations must be safe for concurrent use, must not block the
// caller beyond trivial I/O, and must not panic: a broken observability
// backend never takes the pipeline down.
type Emitter interface {
	Emit(event Event)
}
