// Package state persists workflow execution progress.
//
// Two record families are stored: the ExecutionRecord tracking one
// workflow's lifecycle and step history, and Checkpoints capturing every
// event a worker was about to process. Resume replays started-phase
// checkpoints without a matching completed phase; idempotency keys keep
// replays from double-committing.
//
// Backends: in-memory (tests, dry runs), JSON files with atomic renames,
// SQLite, MySQL, and Redis. All serialize records as JSON so a workflow
// started on one backend can be inspected with standard tooling.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a workflow id or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Phase marks where a checkpoint sits relative to its event's processing.
type Phase string

const (
	// PhaseStarted is written before the worker handles the event. A
	// workflow resumed from a started-phase checkpoint re-processes the
	// event.
	PhaseStarted Phase = "started"

	// PhaseCompleted is written after the worker finished the event.
	PhaseCompleted Phase = "completed"
)

// ExecutionRecord is the persisted lifecycle of one workflow.
//
// ID identifies the execution itself; WorkflowID remains the storage key
// because every execution of this engine starts a fresh workflow. SavedAt
// is stamped by the store on every write.
type ExecutionRecord struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	TraceID     string     `json:"trace_id"`
	Status      Status     `json:"status"`
	Mode        string     `json:"mode,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SavedAt     time.Time  `json:"saved_at"`

	// Context carries workflow-scoped inputs; Metadata carries free-form
	// labels attached by the caller.
	Context  map[string]any    `json:"context,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Steps is the per-step execution history, keyed by step id.
	Steps map[string]StepExecution `json:"step_executions,omitempty"`
}

// Step returns the step execution for id, if recorded.
func (r *ExecutionRecord) Step(id string) (StepExecution, bool) {
	s, ok := r.Steps[id]
	return s, ok
}

// PutStep upserts a step execution, allocating the map on first use.
func (r *ExecutionRecord) PutStep(s StepExecution) {
	if r.Steps == nil {
		r.Steps = make(map[string]StepExecution)
	}
	r.Steps[s.StepID] = s
}

// StepExecution records one worker handling one event.
type StepExecution struct {
	StepID      string         `json:"step_id"`
	WorkerID    string         `json:"worker_id"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Checkpoint captures one event at a processing boundary.
//
// Seq orders checkpoints within a workflow; the latest checkpoint is the
// one with the highest Seq. EventJSON holds the full serialized event so
// resume can re-publish it without the original payload types loaded.
type Checkpoint struct {
	WorkflowID     string    `json:"workflow_id"`
	Seq            int64     `json:"seq"`
	Phase          Phase     `json:"phase"`
	WorkerID       string    `json:"worker_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	EventJSON      []byte    `json:"event_json"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdempotencyKey derives the deterministic commit key for one event at one
// phase. Equal inputs always produce equal keys, so a crashed worker that
// replays the same event cannot commit its effects twice.
func IdempotencyKey(workflowID, eventID string, phase Phase) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", workflowID, eventID, phase)
	return hex.EncodeToString(h.Sum(nil))
}

// Store persists execution records and checkpoints.
//
// Implementations must be safe for concurrent use. Save operations
// overwrite by workflow id; checkpoints append.
type Store interface {
	// SaveExecution upserts the record keyed by its WorkflowID.
	SaveExecution(ctx context.Context, rec ExecutionRecord) error

	// LoadExecution returns the record for a workflow, or ErrNotFound.
	LoadExecution(ctx context.Context, workflowID string) (ExecutionRecord, error)

	// ListExecutions returns every stored record, newest first. Pass a
	// zero Status to skip status filtering.
	ListExecutions(ctx context.Context, status Status) ([]ExecutionRecord, error)

	// SaveCheckpoint appends a checkpoint. The store assigns Seq when the
	// caller leaves it zero. Saving a checkpoint whose idempotency key was
	// already committed returns no error and does not duplicate it.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LatestCheckpoint returns the highest-Seq checkpoint of a workflow,
	// or ErrNotFound when none exist.
	LatestCheckpoint(ctx context.Context, workflowID string) (Checkpoint, error)

	// ListCheckpoints returns a workflow's checkpoints in Seq order.
	ListCheckpoints(ctx context.Context, workflowID string) ([]Checkpoint, error)

	// CheckIdempotency reports whether key was already committed.
	CheckIdempotency(ctx context.Context, key string) (bool, error)

	// DeleteWorkflow removes the record and all checkpoints of a
	// workflow. Used by retention cleanup. Deleting an unknown workflow
	// is not an error.
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Close releases backend resources. Operations after Close fail with
	// ErrClosed.
	Close() error
}
