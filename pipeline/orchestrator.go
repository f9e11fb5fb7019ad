package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftforge/draftforge/emit"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/sink"
	"github.com/draftforge/draftforge/state"
)

// Mode selects how Run behaves after starting a workflow.
type Mode string

const (
	// ModeSync blocks until the workflow reaches a terminal status.
	ModeSync Mode = "sync"

	// ModeAsync returns as soon as the workflow is started.
	ModeAsync Mode = "async"

	// ModeDryRun validates the input and records a completed execution
	// without dispatching any work.
	ModeDryRun Mode = "dry_run"
)

// Failure taxonomy surfaced to callers; ExitCode maps these onto the
// process exit codes the CLI uses.
var (
	ErrInputMissing    = errors.New("input missing")
	ErrConfigInvalid   = errors.New("configuration invalid")
	ErrWorkflowFailed  = errors.New("workflow failed")
	ErrWorkflowTimeout = errors.New("workflow timed out")
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitInputMissing   = 2
	ExitConfigInvalid  = 3
	ExitWorkflowFailed = 4
	ExitTimeout        = 5
)

// ExitCode maps an orchestrator error onto the CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInputMissing):
		return ExitInputMissing
	case errors.Is(err, ErrConfigInvalid):
		return ExitConfigInvalid
	case errors.Is(err, ErrWorkflowTimeout):
		return ExitTimeout
	case errors.Is(err, ErrWorkflowFailed):
		return ExitWorkflowFailed
	default:
		return ExitError
	}
}

// execution tracks one in-flight workflow.
type execution struct {
	workflowID string
	done       chan struct{}
	watchdog   *time.Timer
	finished   bool
}

// Orchestrator is the public entry point of the engine: it starts,
// resumes and cancels workflows, tracks their execution records, and
// supervises termination.
//
// The orchestrator owns the worker pool; register roles through Pool()
// before Start.
type Orchestrator struct {
	bus     *event.Bus
	store   state.Store
	pool    *WorkerPool
	emitter emit.Emitter
	metrics *Metrics
	log     *slog.Logger

	timeout time.Duration

	notifier      sink.Chat
	notifyChannel string

	vcs        sink.VCS
	vcsBranch  string
	vcsPrefix  string
	vcsEnabled bool

	board    sink.KV
	boardTTL time.Duration

	mu     sync.Mutex
	active map[string]*execution

	// recMu serializes execution-record read-modify-write cycles across
	// the tracker subscriptions.
	recMu sync.Mutex

	subs    []*event.Subscription
	started bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.log = logger
		}
	}
}

// WithEmitter sets the observability emitter. Default NullEmitter.
func WithEmitter(em emit.Emitter) Option {
	return func(o *Orchestrator) {
		if em != nil {
			o.emitter = em
		}
	}
}

// WithMetrics sets the Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTimeout bounds total workflow duration. Default one hour.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithNotifier posts to chat when a workflow completes or fails.
func WithNotifier(chat sink.Chat, channel string) Option {
	return func(o *Orchestrator) {
		o.notifier = chat
		o.notifyChannel = channel
	}
}

// WithReportPublisher pushes the final report to version control when a
// REPORT_GENERATED event arrives.
func WithReportPublisher(vcs sink.VCS, branch, pathPrefix string) Option {
	return func(o *Orchestrator) {
		o.vcs = vcs
		o.vcsBranch = branch
		o.vcsPrefix = strings.TrimRight(pathPrefix, "/")
		o.vcsEnabled = vcs != nil
	}
}

// WithStatusBoard mirrors workflow status into a KV store under
// "workflow:<id>:status" so dashboards can poll without loading full
// execution records. Terminal entries expire after ttl; ttl <= 0 keeps
// them forever.
func WithStatusBoard(kv sink.KV, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.board = kv
		o.boardTTL = ttl
	}
}

// NewOrchestrator creates an orchestrator over a bus and a state store.
func NewOrchestrator(bus *event.Bus, store state.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bus:     bus,
		store:   store,
		emitter: emit.NewNullEmitter(),
		log:     slog.Default(),
		timeout: time.Hour,
		active:  make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pool = NewWorkerPool(func(w Worker, runnerOpts ...RunnerOption) *Runner {
		base := []RunnerOption{
			WithRunnerEmitter(o.emitter),
			WithRunnerMetrics(o.metrics),
			WithRunnerLogger(o.log),
		}
		return NewRunner(w, o.bus, o.store, append(base, runnerOpts...)...)
	})
	return o
}

// Pool exposes the worker pool for role registration.
func (o *Orchestrator) Pool() *WorkerPool { return o.pool }

// Start launches the bus, the lifecycle tracker and the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.bus.Start(ctx)

	track := func(t event.Type, h event.Handler) {
		o.subs = append(o.subs, o.bus.Subscribe(t, "orchestrator", h))
	}
	track(event.TypeTaskStarted, o.onTaskStarted)
	track(event.TypeTaskCompleted, o.onTaskCompleted)
	track(event.TypeTaskFailed, o.onTaskFailed)
	track(event.TypeWorkflowCompleted, o.onWorkflowCompleted)
	track(event.TypeWorkflowFailed, o.onWorkflowFailed)
	track(event.TypeWorkflowSuspended, o.onWorkflowSuspended)
	track(event.TypeReportGenerated, o.onReportGenerated)

	o.pool.Start()
}

// Stop detaches workers, stops the bus and abandons in-flight tracking.
func (o *Orchestrator) Stop() {
	o.pool.Stop()
	for _, sub := range o.subs {
		o.bus.Unsubscribe(sub)
	}
	o.subs = nil
	o.bus.Stop()
}

// Run starts a new workflow over source. Async mode returns immediately
// with the running record; sync mode blocks until the workflow reaches a
// terminal status and surfaces failures as ErrWorkflowFailed or
// ErrWorkflowTimeout; dry_run records a completed execution without
// dispatching work.
func (o *Orchestrator) Run(ctx context.Context, source event.SourceContent, mode Mode) (state.ExecutionRecord, error) {
	switch mode {
	case ModeSync, ModeAsync, ModeDryRun:
	case "":
		mode = ModeAsync
	default:
		return state.ExecutionRecord{}, fmt.Errorf("%w: unknown mode %q", ErrConfigInvalid, mode)
	}

	workflowID := uuid.New().String()
	traceID := uuid.New().String()
	now := time.Now()
	rec := state.ExecutionRecord{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		TraceID:    traceID,
		Status:     state.StatusRunning,
		Mode:       string(mode),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if source.Title != "" {
		rec.Context = map[string]any{"title": source.Title}
	}

	if mode == ModeDryRun {
		return o.dryRun(ctx, rec)
	}

	if err := o.store.SaveExecution(ctx, rec); err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("save execution: %w", err)
	}
	o.register(workflowID)
	o.postStatus(ctx, workflowID, state.StatusRunning)

	o.emitter.Emit(emit.Event{
		WorkflowID: workflowID, TraceID: traceID,
		Msg:  "workflow_start",
		Meta: map[string]any{"mode": string(mode), "title": source.Title},
	})

	started := event.New(event.TypeWorkflowStarted, workflowID, traceID,
		&event.StartedPayload{Content: source})
	if err := o.bus.Publish(ctx, started); err != nil {
		o.finish(workflowID)
		rec.Status = state.StatusFailed
		rec.Error = err.Error()
		_ = o.store.SaveExecution(ctx, rec)
		return rec, fmt.Errorf("%w: %v", ErrWorkflowFailed, err)
	}

	if mode == ModeSync {
		return o.waitTerminal(ctx, workflowID)
	}
	return rec, nil
}

// dryRun records one completed step per registered role without touching
// the bus. Each step is marked dry_run so inspection tooling can tell it
// apart from real work.
func (o *Orchestrator) dryRun(ctx context.Context, rec state.ExecutionRecord) (state.ExecutionRecord, error) {
	now := time.Now()
	for _, role := range o.pool.Health() {
		done := now
		rec.PutStep(state.StepExecution{
			StepID:      role.Role + ":dry_run",
			WorkerID:    role.Role,
			Status:      state.StatusCompleted,
			StartedAt:   now,
			CompletedAt: &done,
			Metadata:    map[string]any{"dry_run": true},
		})
	}
	rec.Status = state.StatusCompleted
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	if err := o.store.SaveExecution(ctx, rec); err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("save execution: %w", err)
	}
	return rec, nil
}

// Resume reloads a non-terminal workflow and re-publishes every event
// that was checkpointed at the started phase but never reached a
// completed-phase checkpoint. A crash mid fan-out leaves several branches
// in flight; replaying only the newest one would orphan the rest. Events
// whose completed phase already committed are skipped here, and the
// Runner's idempotency check guards against double commits underneath.
//
// id may be the workflow id or the execution's own id.
func (o *Orchestrator) Resume(ctx context.Context, id string) (state.ExecutionRecord, error) {
	rec, err := o.loadExecution(ctx, id)
	if err != nil {
		return state.ExecutionRecord{}, err
	}
	workflowID := rec.WorkflowID
	if rec.Status.Terminal() {
		return rec, nil
	}

	checkpoints, err := o.store.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return state.ExecutionRecord{}, err
	}
	completed := make(map[string]bool)
	for _, cp := range checkpoints {
		if cp.Phase == state.PhaseCompleted {
			completed[cp.EventID] = true
		}
	}
	var replay []event.Event
	seen := make(map[string]bool)
	for _, cp := range checkpoints {
		if cp.Phase != state.PhaseStarted || completed[cp.EventID] || seen[cp.EventID] {
			continue
		}
		e, err := event.Unmarshal(cp.EventJSON)
		if err != nil {
			o.log.Warn("skipping undecodable checkpoint",
				slog.String("workflow_id", workflowID),
				slog.Int64("seq", cp.Seq),
				slog.Any("error", err))
			continue
		}
		seen[cp.EventID] = true
		replay = append(replay, e)
	}
	if len(replay) == 0 {
		return state.ExecutionRecord{}, fmt.Errorf("%w: no resumable checkpoint for %s",
			ErrUnknownWorkflow, workflowID)
	}

	rec.Status = state.StatusRunning
	rec.UpdatedAt = time.Now()
	if err := o.store.SaveExecution(ctx, rec); err != nil {
		return state.ExecutionRecord{}, fmt.Errorf("save execution: %w", err)
	}
	o.register(workflowID)
	o.postStatus(ctx, workflowID, state.StatusRunning)

	o.emitter.Emit(emit.Event{
		WorkflowID: workflowID, TraceID: rec.TraceID,
		Msg:  "workflow_resume",
		Meta: map[string]any{"replayed": len(replay)},
	})
	for _, e := range replay {
		if err := o.bus.Publish(ctx, e); err != nil {
			o.finish(workflowID)
			return rec, fmt.Errorf("%w: %v", ErrWorkflowFailed, err)
		}
	}

	if Mode(rec.Mode) == ModeSync {
		return o.waitTerminal(ctx, workflowID)
	}
	return rec, nil
}

// loadExecution resolves id as a workflow id first, then as an execution
// id, mapping missing records onto ErrUnknownWorkflow.
func (o *Orchestrator) loadExecution(ctx context.Context, id string) (state.ExecutionRecord, error) {
	rec, err := o.store.LoadExecution(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return state.ExecutionRecord{}, err
	}
	recs, err := o.store.ListExecutions(ctx, "")
	if err != nil {
		return state.ExecutionRecord{}, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return state.ExecutionRecord{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
}

// Cancel suspends a running workflow: every running step execution is
// marked cancelled, the record moves to suspended, and WORKFLOW_SUSPENDED
// is published. Suspended workflows can be resumed later.
//
// id may be the workflow id or the execution's own id.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	rec, err := o.loadExecution(ctx, id)
	if err != nil {
		return err
	}
	workflowID := rec.WorkflowID
	if rec.Status.Terminal() {
		return nil
	}

	o.updateRecord(ctx, workflowID, func(rec *state.ExecutionRecord) {
		now := time.Now()
		for stepID, step := range rec.Steps {
			if step.Status != state.StatusRunning {
				continue
			}
			step.Status = state.StatusCancelled
			step.CompletedAt = &now
			rec.Steps[stepID] = step
		}
	})

	suspended := event.New(event.TypeWorkflowSuspended, workflowID, rec.TraceID,
		&event.SuspendedPayload{Reason: "cancelled"})
	return o.bus.Publish(ctx, suspended)
}

// Wait blocks until the workflow reaches a terminal (or suspended)
// status, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	exec, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitTerminal waits for termination and maps the final status onto the
// error taxonomy.
func (o *Orchestrator) waitTerminal(ctx context.Context, workflowID string) (state.ExecutionRecord, error) {
	if err := o.Wait(ctx, workflowID); err != nil {
		rec, _ := o.store.LoadExecution(context.Background(), workflowID)
		return rec, err
	}
	rec, err := o.store.LoadExecution(ctx, workflowID)
	if err != nil {
		return state.ExecutionRecord{}, err
	}
	switch rec.Status {
	case state.StatusFailed:
		if strings.Contains(rec.Error, "deadline exceeded") {
			return rec, fmt.Errorf("%w: %s", ErrWorkflowTimeout, rec.Error)
		}
		return rec, fmt.Errorf("%w: %s", ErrWorkflowFailed, rec.Error)
	default:
		return rec, nil
	}
}

// register tracks a workflow and arms its watchdog.
func (o *Orchestrator) register(workflowID string) {
	exec := &execution{
		workflowID: workflowID,
		done:       make(chan struct{}),
	}
	exec.watchdog = time.AfterFunc(o.timeout, func() { o.timeoutWorkflow(workflowID) })

	o.mu.Lock()
	o.active[workflowID] = exec
	o.mu.Unlock()
}

// finish closes out tracking for a workflow. Idempotent.
func (o *Orchestrator) finish(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.active[workflowID]
	if !ok || exec.finished {
		return
	}
	exec.finished = true
	exec.watchdog.Stop()
	close(exec.done)
	delete(o.active, workflowID)
}

// timeoutWorkflow fires when the watchdog expires before termination.
func (o *Orchestrator) timeoutWorkflow(workflowID string) {
	rec, err := o.store.LoadExecution(context.Background(), workflowID)
	if err != nil || rec.Status.Terminal() {
		return
	}
	o.log.Error("workflow deadline exceeded",
		slog.String("workflow_id", workflowID),
		slog.Duration("timeout", o.timeout))

	failed := event.New(event.TypeWorkflowFailed, workflowID, rec.TraceID,
		&event.FailedPayload{Reason: "timeout", Error: "deadline exceeded"})
	if err := o.bus.TryPublish(failed); err != nil {
		// Bus saturated or stopped: settle the record directly.
		o.settleFailure(workflowID, "timeout", "deadline exceeded")
	}
}

// ---- lifecycle tracking ----

func (o *Orchestrator) onTaskStarted(ctx context.Context, e event.Event) {
	p, ok := e.Payload.(*event.TaskStartedPayload)
	if !ok {
		return
	}
	o.updateRecord(ctx, e.WorkflowID, func(rec *state.ExecutionRecord) {
		if prev, ok := rec.Step(p.StepID); ok {
			// Retry of a known step: bump the attempt counter.
			prev.Status = state.StatusRunning
			prev.Attempts++
			prev.Error = ""
			prev.CompletedAt = nil
			rec.PutStep(prev)
			return
		}
		rec.PutStep(state.StepExecution{
			StepID:    p.StepID,
			WorkerID:  p.WorkerID,
			EventID:   e.ID,
			EventType: string(e.Type),
			Status:    state.StatusRunning,
			Attempts:  1,
			StartedAt: time.Now(),
		})
	})
}

func (o *Orchestrator) onTaskCompleted(ctx context.Context, e event.Event) {
	p, ok := e.Payload.(*event.TaskCompletedPayload)
	if !ok {
		return
	}
	o.updateRecord(ctx, e.WorkflowID, func(rec *state.ExecutionRecord) {
		if step, ok := rec.Step(p.StepID); ok {
			now := time.Now()
			step.Status = state.StatusCompleted
			step.CompletedAt = &now
			rec.PutStep(step)
		}
	})
}

func (o *Orchestrator) onTaskFailed(ctx context.Context, e event.Event) {
	p, ok := e.Payload.(*event.TaskFailedPayload)
	if !ok {
		return
	}
	o.updateRecord(ctx, e.WorkflowID, func(rec *state.ExecutionRecord) {
		if step, ok := rec.Step(p.StepID); ok {
			now := time.Now()
			step.Status = state.StatusFailed
			step.Error = p.Error
			step.CompletedAt = &now
			rec.PutStep(step)
		}
	})
}

func (o *Orchestrator) onWorkflowCompleted(ctx context.Context, e event.Event) {
	o.updateRecord(ctx, e.WorkflowID, func(rec *state.ExecutionRecord) {
		if rec.Status.Terminal() {
			return
		}
		now := time.Now()
		rec.Status = state.StatusCompleted
		rec.CompletedAt = &now
	})
	o.metrics.ObserveWorkflow(string(state.StatusCompleted))
	o.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID,
		Msg: "workflow_complete",
	})
	o.postStatus(ctx, e.WorkflowID, state.StatusCompleted)
	o.notify(ctx, fmt.Sprintf("workflow %s completed", e.WorkflowID), e)
	o.finish(e.WorkflowID)
}

func (o *Orchestrator) onWorkflowFailed(ctx context.Context, e event.Event) {
	reason, errMsg := "failed", ""
	if p, ok := e.Payload.(*event.FailedPayload); ok {
		if p.Reason != "" {
			reason = p.Reason
		}
		errMsg = p.Error
	}
	o.settleFailure(e.WorkflowID, reason, errMsg)
	o.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID,
		Msg:  "workflow_failed",
		Meta: map[string]any{"error": errMsg, "reason": reason},
	})
	o.postStatus(ctx, e.WorkflowID, state.StatusFailed)
	o.notify(ctx, fmt.Sprintf("workflow %s failed: %s", e.WorkflowID, errMsg), e)
	o.finish(e.WorkflowID)
}

// settleFailure moves a record to failed unless it already terminated.
func (o *Orchestrator) settleFailure(workflowID, reason, errMsg string) {
	o.updateRecord(context.Background(), workflowID, func(rec *state.ExecutionRecord) {
		if rec.Status.Terminal() {
			return
		}
		now := time.Now()
		rec.Status = state.StatusFailed
		if errMsg != "" {
			rec.Error = errMsg
		} else {
			rec.Error = reason
		}
		rec.CompletedAt = &now
	})
	o.metrics.ObserveWorkflow(string(state.StatusFailed))
}

func (o *Orchestrator) onWorkflowSuspended(ctx context.Context, e event.Event) {
	o.updateRecord(ctx, e.WorkflowID, func(rec *state.ExecutionRecord) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = state.StatusSuspended
	})
	o.metrics.ObserveWorkflow(string(state.StatusSuspended))
	o.emitter.Emit(emit.Event{
		WorkflowID: e.WorkflowID, TraceID: e.TraceID,
		Msg: "workflow_suspended",
	})
	o.postStatus(ctx, e.WorkflowID, state.StatusSuspended)
	o.finish(e.WorkflowID)
}

func (o *Orchestrator) onReportGenerated(ctx context.Context, e event.Event) {
	if !o.vcsEnabled {
		return
	}
	p, ok := e.Payload.(*event.ReportGeneratedPayload)
	if !ok {
		return
	}
	path := e.WorkflowID + ".json"
	if o.vcsPrefix != "" {
		path = o.vcsPrefix + "/" + path
	}
	msg := "publish report for workflow " + e.WorkflowID
	if err := o.vcs.PutFile(ctx, path, []byte(p.Report), o.vcsBranch, msg); err != nil {
		o.log.Error("report push failed",
			slog.String("workflow_id", e.WorkflowID),
			slog.String("path", path),
			slog.Any("error", err))
	}
}

// postStatus best-effort writes the workflow status to the board.
func (o *Orchestrator) postStatus(ctx context.Context, workflowID string, status state.Status) {
	if o.board == nil {
		return
	}
	key := "workflow:" + workflowID + ":status"
	if err := o.board.Put(ctx, key, string(status)); err != nil {
		o.log.Warn("status board write failed",
			slog.String("workflow_id", workflowID),
			slog.Any("error", err))
		return
	}
	if status.Terminal() && o.boardTTL > 0 {
		_ = o.board.Expire(ctx, key, o.boardTTL)
	}
}

// notify best-effort posts a chat notification.
func (o *Orchestrator) notify(ctx context.Context, text string, e event.Event) {
	if o.notifier == nil || o.notifyChannel == "" {
		return
	}
	if err := o.notifier.Post(ctx, o.notifyChannel, text); err != nil {
		o.log.Warn("chat notification failed",
			slog.String("workflow_id", e.WorkflowID),
			slog.Any("error", err))
	}
}

// updateRecord runs one serialized read-modify-write cycle on an
// execution record.
func (o *Orchestrator) updateRecord(ctx context.Context, workflowID string, mutate func(*state.ExecutionRecord)) {
	o.recMu.Lock()
	defer o.recMu.Unlock()

	rec, err := o.store.LoadExecution(ctx, workflowID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			o.log.Warn("execution load failed",
				slog.String("workflow_id", workflowID),
				slog.Any("error", err))
		}
		return
	}
	mutate(&rec)
	rec.UpdatedAt = time.Now()
	if err := o.store.SaveExecution(ctx, rec); err != nil {
		o.log.Warn("execution save failed",
			slog.String("workflow_id", workflowID),
			slog.Any("error", err))
	}
}
