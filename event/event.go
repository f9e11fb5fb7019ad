// Package event defines the typed event vocabulary of the derivation
// pipeline and the in-process bus that routes events between workers.
//
// Events are immutable value records. Every event belongs to exactly one
// workflow (WorkflowID) and carries the trace identifier assigned by the
// orchestrator when the workflow started. Payloads are a closed sum type
// dispatched on the event Type; see payload.go.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event. The set of types is closed; values
// are the wire identifiers used in persisted checkpoints and reports.
type Type string

// The closed set of event types.
const (
	TypeWorkflowStarted        Type = "WORKFLOW_STARTED"
	TypeWorkflowCompleted      Type = "WORKFLOW_COMPLETED"
	TypeWorkflowFailed         Type = "WORKFLOW_FAILED"
	TypeWorkflowSuspended      Type = "WORKFLOW_SUSPENDED"
	TypeChapterParsed          Type = "CHAPTER_PARSED"
	TypeSectionParsed          Type = "SECTION_PARSED"
	TypeParagraphParsed        Type = "PARAGRAPH_PARSED"
	TypeStructureAnalyzed      Type = "STRUCTURE_ANALYZED"
	TypeContentGenerated       Type = "CONTENT_GENERATED"
	TypeChapterAggregated      Type = "CHAPTER_AGGREGATED"
	TypeMetadataGenerated      Type = "METADATA_GENERATED"
	TypeThumbnailGenerated     Type = "THUMBNAIL_GENERATED"
	TypeImageProcessed         Type = "IMAGE_PROCESSED"
	TypeIntermediateAggregated Type = "INTERMEDIATE_AGGREGATED"
	TypeReportGenerated        Type = "REPORT_GENERATED"
	TypeTaskStarted            Type = "TASK_STARTED"
	TypeTaskCompleted          Type = "TASK_COMPLETED"
	TypeTaskFailed             Type = "TASK_FAILED"
)

// allTypes is the recognition set used by validation.
var allTypes = map[Type]bool{
	TypeWorkflowStarted:        true,
	TypeWorkflowCompleted:      true,
	TypeWorkflowFailed:         true,
	TypeWorkflowSuspended:      true,
	TypeChapterParsed:          true,
	TypeSectionParsed:          true,
	TypeParagraphParsed:        true,
	TypeStructureAnalyzed:      true,
	TypeContentGenerated:       true,
	TypeChapterAggregated:      true,
	TypeMetadataGenerated:      true,
	TypeThumbnailGenerated:     true,
	TypeImageProcessed:         true,
	TypeIntermediateAggregated: true,
	TypeReportGenerated:        true,
	TypeTaskStarted:            true,
	TypeTaskCompleted:          true,
	TypeTaskFailed:             true,
}

// Known reports whether t is a member of the closed type set.
func Known(t Type) bool { return allTypes[t] }

// Types returns the closed set of event types in stable order.
// Useful for subscribing an observer to everything.
func Types() []Type {
	return []Type{
		TypeWorkflowStarted, TypeWorkflowCompleted, TypeWorkflowFailed,
		TypeWorkflowSuspended, TypeChapterParsed, TypeSectionParsed,
		TypeParagraphParsed, TypeStructureAnalyzed, TypeContentGenerated,
		TypeChapterAggregated, TypeMetadataGenerated, TypeThumbnailGenerated,
		TypeImageProcessed, TypeIntermediateAggregated, TypeReportGenerated,
		TypeTaskStarted, TypeTaskCompleted, TypeTaskFailed,
	}
}

// Event is an immutable tagged record dispatched on the bus.
//
// Events are value-copied across the bus; the Payload must be safe to
// share read-only between handlers. Derived events keep the WorkflowID and
// TraceID of the event they were derived from.
type Event struct {
	// ID uniquely identifies this event instance. Assigned on creation.
	ID string `json:"id"`

	// Type tags the payload variant.
	Type Type `json:"type"`

	// WorkflowID identifies the logical workflow this event belongs to.
	// Required; events without a workflow id are rejected in validation.
	WorkflowID string `json:"workflow_id"`

	// TraceID is assigned by the orchestrator on WORKFLOW_STARTED and
	// propagated unchanged to every derived event.
	TraceID string `json:"trace_id"`

	// RetryCount is the number of times this event has been re-emitted
	// after a retryable processing failure. Zero on first emission.
	RetryCount int `json:"retry_count"`

	// Priority orders events of equal age; larger is sooner. Default 0.
	Priority int `json:"priority"`

	// CreatedAt records when the event was created.
	CreatedAt time.Time `json:"created_at"`

	// Payload carries the type-specific data. May be nil for lifecycle
	// signals that need no body (e.g. WORKFLOW_SUSPENDED).
	Payload Payload `json:"payload,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
//
// The payload may be nil. The caller supplies workflow and trace ids;
// derived events should use Derive instead so both propagate correctly.
func New(t Type, workflowID, traceID string, payload Payload) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		WorkflowID: workflowID,
		TraceID:    traceID,
		CreatedAt:  time.Now(),
		Payload:    payload,
	}
}

// Derive creates an event that inherits the workflow and trace ids of src.
//
// Use this in workers so the invariant "every derived event keeps the
// input event's workflow_id and trace_id" holds by construction.
func Derive(src Event, t Type, payload Payload) Event {
	return New(t, src.WorkflowID, src.TraceID, payload)
}

// WithRetry returns a copy of e with RetryCount incremented and a fresh id.
// The derived event is otherwise identical, including its payload.
func WithRetry(e Event) Event {
	e.ID = uuid.New().String()
	e.RetryCount++
	e.CreatedAt = time.Now()
	return e
}

// Validate checks the event invariants: non-empty workflow id, recognized
// type, non-negative retry count.
func (e Event) Validate() error {
	if e.WorkflowID == "" {
		return fmt.Errorf("%w: missing workflow_id", ErrInvalidEvent)
	}
	if !Known(e.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry_count %d", ErrInvalidEvent, e.RetryCount)
	}
	return nil
}
