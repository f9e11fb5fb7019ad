package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/draftforge/draftforge/emit"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/state"
)

// RetryPolicy controls event-level retries: a failed retryable event is
// re-published with RetryCount+1 after initial * multiplier^retry,
// capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries three times starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
}

// delay computes the backoff before re-emitting an event on its n-th
// retry (zero-based).
func (p RetryPolicy) delay(retry int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

// Runner wraps one Worker with the base-layer machinery: a concurrency
// semaphore, event validation, started/completed checkpoints, retry
// classification and metrics. Workers never see the bus; the Runner
// publishes their derived events.
type Runner struct {
	worker  Worker
	bus     *event.Bus
	store   state.Store
	emitter emit.Emitter
	metrics *Metrics
	log     *slog.Logger

	sem   *semaphore.Weighted
	retry RetryPolicy

	subs []*event.Subscription
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxConcurrent caps how many events the worker processes at once.
// Default 5.
func WithMaxConcurrent(n int64) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		if p.MaxRetries >= 0 && p.InitialDelay > 0 {
			r.retry = p
		}
	}
}

// WithRunnerEmitter sets the observability emitter. Default NullEmitter.
func WithRunnerEmitter(em emit.Emitter) RunnerOption {
	return func(r *Runner) {
		if em != nil {
			r.emitter = em
		}
	}
}

// WithRunnerMetrics sets the Prometheus instrumentation. Nil records
// nothing.
func WithRunnerMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerLogger sets the logger. Default slog.Default.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.log = logger
		}
	}
}

// NewRunner wraps worker. Attach subscribes it to the bus.
func NewRunner(worker Worker, bus *event.Bus, store state.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		worker:  worker,
		bus:     bus,
		store:   store,
		emitter: emit.NewNullEmitter(),
		log:     slog.Default(),
		sem:     semaphore.NewWeighted(5),
		retry:   DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Worker returns the wrapped worker.
func (r *Runner) Worker() Worker { return r.worker }

// Attach subscribes the runner to every event type its worker consumes.
func (r *Runner) Attach() {
	for _, t := range r.worker.Subscriptions() {
		sub := r.bus.Subscribe(t, r.worker.ID(), r.Handle)
		r.subs = append(r.subs, sub)
	}
}

// Detach removes the runner's subscriptions. Idempotent.
func (r *Runner) Detach() {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.subs = nil
}

// subscribed reports whether the worker consumes events of type t.
func (r *Runner) subscribed(t event.Type) bool {
	for _, s := range r.worker.Subscriptions() {
		if s == t {
			return true
		}
	}
	return false
}

// Handle is the bus handler: validate, checkpoint, process, publish,
// classify failures. Never panics past this frame; the bus additionally
// isolates panics.
func (r *Runner) Handle(ctx context.Context, e event.Event) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	r.metrics.HandlerStarted(r.worker.ID())
	defer r.metrics.HandlerFinished(r.worker.ID())
	r.metrics.SetBusDepth(r.bus.Depth())

	start := time.Now()
	stepID := fmt.Sprintf("%s:%s", r.worker.ID(), e.ID)

	if err := r.validate(e); err != nil {
		r.reject(ctx, e, stepID, err)
		r.metrics.ObserveEvent(r.worker.ID(), string(e.Type), OutcomeRejected, time.Since(start).Seconds())
		return
	}

	// A completed-phase commit for this event means a previous attempt
	// already processed it; replays (resume, duplicate delivery) skip.
	doneKey := state.IdempotencyKey(e.WorkflowID, e.ID, state.PhaseCompleted)
	if committed, err := r.store.CheckIdempotency(ctx, doneKey); err == nil && committed {
		r.metrics.ObserveEvent(r.worker.ID(), string(e.Type), OutcomeSkipped, 0)
		return
	}

	r.checkpoint(ctx, e, state.PhaseStarted)
	r.publishLifecycle(event.Derive(e, event.TypeTaskStarted, &event.TaskStartedPayload{
		StepID: stepID, WorkerID: r.worker.ID(),
	}))
	r.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID, WorkerID: r.worker.ID(),
		Msg: "task_start",
		Meta: map[string]any{
			"event_type": string(e.Type),
			"attempt":    e.RetryCount,
		},
	})

	derived, err := r.worker.Process(ctx, e)
	elapsed := time.Since(start)

	if err == nil {
		for _, d := range derived {
			if pubErr := r.bus.Publish(ctx, d); pubErr != nil {
				err = pubErr
				break
			}
		}
	}

	if err != nil {
		r.fail(ctx, e, stepID, err, elapsed)
		return
	}

	r.checkpoint(ctx, e, state.PhaseCompleted)
	r.publishLifecycle(event.Derive(e, event.TypeTaskCompleted, &event.TaskCompletedPayload{
		StepID: stepID, WorkerID: r.worker.ID(),
		DurationMS: float64(elapsed.Milliseconds()),
	}))
	r.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID, WorkerID: r.worker.ID(),
		Msg: "task_complete",
		Meta: map[string]any{
			"event_type":  string(e.Type),
			"duration_ms": float64(elapsed.Milliseconds()),
			"derived":     len(derived),
		},
	})
	r.metrics.ObserveEvent(r.worker.ID(), string(e.Type), OutcomeOK, elapsed.Seconds())
}

// validate enforces the event invariants plus the subscription contract.
func (r *Runner) validate(e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !r.subscribed(e.Type) {
		return fmt.Errorf("%w: worker %s does not consume %s",
			event.ErrInvalidEvent, r.worker.ID(), e.Type)
	}
	return nil
}

// checkpoint persists an event at a processing boundary. Checkpoint
// failures are logged, not fatal: losing a checkpoint degrades resume,
// not the live run.
func (r *Runner) checkpoint(ctx context.Context, e event.Event, phase state.Phase) {
	data, err := event.Marshal(e)
	if err != nil {
		r.log.Warn("checkpoint marshal failed",
			slog.String("worker", r.worker.ID()),
			slog.String("event_id", e.ID),
			slog.Any("error", err))
		return
	}
	cp := state.Checkpoint{
		WorkflowID:     e.WorkflowID,
		Phase:          phase,
		WorkerID:       r.worker.ID(),
		EventID:        e.ID,
		EventType:      string(e.Type),
		EventJSON:      data,
		IdempotencyKey: state.IdempotencyKey(e.WorkflowID, e.ID, phase),
		CreatedAt:      time.Now(),
	}
	if err := r.store.SaveCheckpoint(ctx, cp); err != nil {
		r.log.Warn("checkpoint save failed",
			slog.String("worker", r.worker.ID()),
			slog.String("workflow_id", e.WorkflowID),
			slog.Any("error", err))
	}
}

// fail handles a processing error: retryable events are re-published with
// backoff until MaxRetries, everything else fails the workflow.
func (r *Runner) fail(ctx context.Context, e event.Event, stepID string, err error, elapsed time.Duration) {
	if retryable(err) && e.RetryCount < r.retry.MaxRetries {
		delay := r.retry.delay(e.RetryCount)
		r.emitter.Emit(emit.Event{
			WorkflowID: e.WorkflowID, TraceID: e.TraceID, WorkerID: r.worker.ID(),
			Msg: "task_retry",
			Meta: map[string]any{
				"event_type": string(e.Type),
				"attempt":    e.RetryCount + 1,
				"delay_ms":   float64(delay.Milliseconds()),
				"error":      err.Error(),
				"retryable":  true,
			},
		})
		r.metrics.ObserveRetry(r.worker.ID(), string(e.Type))
		r.metrics.ObserveEvent(r.worker.ID(), string(e.Type), OutcomeRetried, elapsed.Seconds())

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		if pubErr := r.bus.Publish(ctx, event.WithRetry(e)); pubErr != nil {
			r.log.Error("retry publish failed",
				slog.String("worker", r.worker.ID()),
				slog.String("workflow_id", e.WorkflowID),
				slog.Any("error", pubErr))
		}
		return
	}

	r.reject(ctx, e, stepID, err)
	r.metrics.ObserveEvent(r.worker.ID(), string(e.Type), OutcomeFailed, elapsed.Seconds())
}

// reject escalates a non-retryable failure: TASK_FAILED for the step,
// WORKFLOW_FAILED carrying the original event and error.
func (r *Runner) reject(ctx context.Context, e event.Event, stepID string, err error) {
	r.log.Error("task failed",
		slog.String("worker", r.worker.ID()),
		slog.String("workflow_id", e.WorkflowID),
		slog.String("event_type", string(e.Type)),
		slog.Any("error", err))
	r.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID, WorkerID: r.worker.ID(),
		Msg: "task_failed",
		Meta: map[string]any{
			"event_type": string(e.Type),
			"error":      err.Error(),
			"retryable":  false,
		},
	})

	r.publishLifecycle(event.Derive(e, event.TypeTaskFailed, &event.TaskFailedPayload{
		StepID: stepID, WorkerID: r.worker.ID(), Error: err.Error(),
	}))

	failed := event.Derive(e, event.TypeWorkflowFailed, &event.FailedPayload{
		Reason:        "task_failed",
		Error:         err.Error(),
		WorkerID:      r.worker.ID(),
		OriginalEvent: &e,
	})
	if pubErr := r.bus.Publish(ctx, failed); pubErr != nil {
		r.log.Error("failure publish failed",
			slog.String("workflow_id", e.WorkflowID),
			slog.Any("error", pubErr))
	}
}

// publishLifecycle best-effort publishes a TASK_* bookkeeping event.
// These are observability signals; when the bus is saturated they are
// dropped rather than deadlocking a handler on its own queue.
func (r *Runner) publishLifecycle(e event.Event) {
	if err := r.bus.TryPublish(e); err != nil {
		r.log.Debug("lifecycle event dropped",
			slog.String("event_type", string(e.Type)),
			slog.String("workflow_id", e.WorkflowID))
	}
}
