// Package pipeline hosts the workflow engine: the worker contract and its
// Runner base layer, the worker pool, the orchestrator and the Prometheus
// instrumentation.
//
// Workers implement domain logic only. The Runner wraps each worker with
// the cross-cutting machinery every worker needs: a concurrency
// semaphore, event validation, pre/post checkpoints, retry with
// exponential backoff, failure escalation and metrics. The orchestrator
// owns workflow lifecycles end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/draftforge/draftforge/client"
	"github.com/draftforge/draftforge/event"
)

// Worker is the contract every pipeline worker implements.
//
// Process receives one validated event and returns the derived events to
// publish. It must honor ctx cancellation at every blocking point and
// must not publish to the bus itself; returning the events lets the
// Runner checkpoint and publish atomically from the worker's point of
// view.
type Worker interface {
	// ID uniquely names this worker instance, e.g. "parser-1".
	ID() string

	// Role names the worker family, e.g. "parser", "ai", "media".
	Role() string

	// Subscriptions lists the event types this worker consumes.
	Subscriptions() []event.Type

	// Process handles one event and returns derived events.
	Process(ctx context.Context, e event.Event) ([]event.Event, error)
}

// ValidationError marks input that can never succeed; the Runner fails
// the workflow instead of retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// retryable classifies a worker failure. Transient conditions (network,
// timeout, rate limit, 5xx, bus saturation) are retried; validation and
// everything else fails the workflow.
func retryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, event.ErrBusFull) {
		return true
	}
	return client.IsRetryable(err)
}
