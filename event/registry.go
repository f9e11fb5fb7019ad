package event

import (
	"encoding/json"
	"fmt"
)

// Payload registry: maps each event type to a factory for its payload
// variant so persisted events (checkpoints, reports) round-trip through
// JSON without losing the concrete type.

var payloadFactories = map[Type]func() Payload{
	TypeWorkflowStarted:        func() Payload { return &StartedPayload{} },
	TypeWorkflowCompleted:      func() Payload { return &CompletedPayload{} },
	TypeWorkflowFailed:         func() Payload { return &FailedPayload{} },
	TypeWorkflowSuspended:      func() Payload { return &SuspendedPayload{} },
	TypeChapterParsed:          func() Payload { return &ChapterParsedPayload{} },
	TypeSectionParsed:          func() Payload { return &SectionParsedPayload{} },
	TypeParagraphParsed:        func() Payload { return &ParagraphParsedPayload{} },
	TypeStructureAnalyzed:      func() Payload { return &StructureAnalyzedPayload{} },
	TypeContentGenerated:       func() Payload { return &ContentGeneratedPayload{} },
	TypeChapterAggregated:      func() Payload { return &ChapterAggregatedPayload{} },
	TypeMetadataGenerated:      func() Payload { return &MetadataGeneratedPayload{} },
	TypeThumbnailGenerated:     func() Payload { return &ThumbnailGeneratedPayload{} },
	TypeImageProcessed:         func() Payload { return &ImageProcessedPayload{} },
	TypeIntermediateAggregated: func() Payload { return &IntermediateAggregatedPayload{} },
	TypeReportGenerated:        func() Payload { return &ReportGeneratedPayload{} },
	TypeTaskStarted:            func() Payload { return &TaskStartedPayload{} },
	TypeTaskCompleted:          func() Payload { return &TaskCompletedPayload{} },
	TypeTaskFailed:             func() Payload { return &TaskFailedPayload{} },
}

// NewPayload returns an empty payload value for the given type, or an
// error for unrecognized types.
func NewPayload(t Type) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: no payload registered for type %q", ErrInvalidEvent, t)
	}
	return factory(), nil
}

// Marshal encodes an event to its wire JSON form.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event from its wire JSON form, restoring the
// concrete payload variant from the type tag.
func Unmarshal(data []byte) (Event, error) {
	var env struct {
		Event
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	e := env.Event
	e.Payload = nil

	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		payload, err := NewPayload(env.Type)
		if err != nil {
			return Event{}, err
		}
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		e.Payload = payload
	}

	return e, nil
}
