// Package aggregate collects every event of one workflow into a
// WorkflowState, decides when the workflow is complete, and writes the
// final report plus one file per content item to the object store.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
	"github.com/draftforge/draftforge/sink"
)

// Role is the worker role name.
const Role = "aggregator"

// DefaultRetention is how long terminal workflow states stay in memory
// before Sweep removes them.
const DefaultRetention = 24 * time.Hour

// intermediateThreshold is the progress fraction at which a partial
// statistics event is emitted.
const intermediateThreshold = 0.5

// WorkflowState accumulates everything seen for one workflow. All maps
// are keyed by the deterministic ids derived at parse time, so replayed
// events overwrite their own previous delivery instead of duplicating.
type WorkflowState struct {
	WorkflowID string
	Status     string // collecting, completed, failed
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Chapters        map[string]event.Chapter
	Sections        map[string]event.Section
	Paragraphs      map[string]event.Paragraph
	ContentItems    map[string]event.ContentItem
	ProcessedImages map[string]event.ProcessedImage
	Metadata        map[string]event.ChapterMetadata
	Errors          []string

	// sectionsSeen counts arrived sections per chapter so the chapter
	// aggregation trigger fires exactly when the last one lands.
	sectionsSeen map[string]map[string]bool

	chaptersEmitted      map[string]bool
	intermediateEmitted  bool
	terminalEventEmitted bool
}

func newWorkflowState(workflowID string, now time.Time) *WorkflowState {
	return &WorkflowState{
		WorkflowID:      workflowID,
		Status:          "collecting",
		CreatedAt:       now,
		UpdatedAt:       now,
		Chapters:        make(map[string]event.Chapter),
		Sections:        make(map[string]event.Section),
		Paragraphs:      make(map[string]event.Paragraph),
		ContentItems:    make(map[string]event.ContentItem),
		ProcessedImages: make(map[string]event.ProcessedImage),
		Metadata:        make(map[string]event.ChapterMetadata),
		sectionsSeen:    make(map[string]map[string]bool),
		chaptersEmitted: make(map[string]bool),
	}
}

// Worker is the aggregator worker.
type Worker struct {
	id        string
	store     sink.ObjectStore
	prefix    string
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*WorkflowState
}

// Option configures an aggregator worker.
type Option func(*Worker)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithOutputPrefix sets the object-store key prefix for reports.
// Default "reports".
func WithOutputPrefix(prefix string) Option {
	return func(w *Worker) {
		if prefix != "" {
			w.prefix = strings.TrimRight(prefix, "/")
		}
	}
}

// WithRetention sets how long terminal states survive Sweep. Default 24h.
func WithRetention(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retention = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates an aggregator writing reports to store.
func New(index int, store sink.ObjectStore, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("aggregate: object store must be set")
	}
	w := &Worker{
		id:        fmt.Sprintf("%s-%d", Role, index),
		store:     store,
		prefix:    "reports",
		retention: DefaultRetention,
		log:       slog.Default(),
		now:       time.Now,
		states:    make(map[string]*WorkflowState),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) ID() string   { return w.id }
func (w *Worker) Role() string { return Role }

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{
		event.TypeChapterParsed,
		event.TypeSectionParsed,
		event.TypeParagraphParsed,
		event.TypeStructureAnalyzed,
		event.TypeContentGenerated,
		event.TypeImageProcessed,
		event.TypeMetadataGenerated,
		event.TypeWorkflowFailed,
	}
}

// State returns a point-in-time copy of a workflow's accumulator, or
// false when the workflow is unknown.
func (w *Worker) State(workflowID string) (WorkflowState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[workflowID]
	if !ok {
		return WorkflowState{}, false
	}
	return *st, true
}

// Process folds one event into the workflow accumulator and re-evaluates
// the completion predicate under the state lock.
func (w *Worker) Process(ctx context.Context, e event.Event) ([]event.Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	st, ok := w.states[e.WorkflowID]
	if !ok {
		st = newWorkflowState(e.WorkflowID, now)
		w.states[e.WorkflowID] = st
	}
	st.UpdatedAt = now

	var out []event.Event
	switch p := e.Payload.(type) {
	case *event.ChapterParsedPayload:
		st.Chapters[p.Chapter.ID] = p.Chapter
		out = append(out, w.chapterTriggers(e, st)...)
	case *event.SectionParsedPayload:
		st.Sections[p.Section.ID] = p.Section
		seen := st.sectionsSeen[p.Chapter.ID]
		if seen == nil {
			seen = make(map[string]bool)
			st.sectionsSeen[p.Chapter.ID] = seen
		}
		seen[p.Section.ID] = true
		if _, known := st.Chapters[p.Chapter.ID]; !known {
			st.Chapters[p.Chapter.ID] = p.Chapter
		}
		out = append(out, w.chapterTriggers(e, st)...)
	case *event.ParagraphParsedPayload:
		st.Paragraphs[p.Paragraph.ID] = p.Paragraph
	case *event.StructureAnalyzedPayload:
		// The whole-tree emission seeds any container the per-unit events
		// have not delivered yet; the enriched per-section re-emissions
		// carry nothing new for the accumulator.
		for _, ch := range p.Structure.Chapters {
			if _, ok := st.Chapters[ch.ID]; !ok {
				st.Chapters[ch.ID] = ch
			}
		}
	case *event.ContentGeneratedPayload:
		st.ContentItems[p.Content.ID] = p.Content
	case *event.ImageProcessedPayload:
		for _, img := range p.ProcessedImages {
			st.ProcessedImages[img.URL] = img
		}
		if p.UpdatedContent != nil {
			st.ContentItems[p.UpdatedContent.ID] = *p.UpdatedContent
		}
	case *event.MetadataGeneratedPayload:
		st.Metadata[p.Metadata.ChapterID] = p.Metadata
	case *event.FailedPayload:
		return w.flushFailed(ctx, e, st, p)
	default:
		return nil, pipeline.Validationf("unexpected payload %T for %s", e.Payload, e.Type)
	}

	if st.Status != "collecting" {
		return out, nil
	}

	if w.complete(st) {
		terminal, err := w.finalize(ctx, e, st)
		if err != nil {
			return nil, err
		}
		return append(out, terminal...), nil
	}

	if !st.intermediateEmitted && w.progress(st) >= intermediateThreshold {
		st.intermediateEmitted = true
		out = append(out, event.Derive(e, event.TypeIntermediateAggregated,
			&event.IntermediateAggregatedPayload{
				Progress: w.progress(st),
				Stats:    w.stats(st),
			}))
	}
	return out, nil
}

// chapterTriggers emits CHAPTER_AGGREGATED for every chapter whose
// sections have all arrived. Caller holds w.mu.
func (w *Worker) chapterTriggers(e event.Event, st *WorkflowState) []event.Event {
	var out []event.Event
	for chapterID, chapter := range st.Chapters {
		if st.chaptersEmitted[chapterID] || len(chapter.Sections) == 0 {
			continue
		}
		if len(st.sectionsSeen[chapterID]) < len(chapter.Sections) {
			continue
		}
		st.chaptersEmitted[chapterID] = true
		out = append(out, event.Derive(e, event.TypeChapterAggregated,
			&event.ChapterAggregatedPayload{Chapter: chapter}))
	}
	return out
}

// complete evaluates the completion predicate: structure present and
// every paragraph covered by every content kind. A branch that never
// delivers its kind keeps the predicate false and the workflow ends in a
// watchdog timeout instead of completing with a partial report. Caller
// holds w.mu.
func (w *Worker) complete(st *WorkflowState) bool {
	if len(st.Chapters) == 0 || len(st.Sections) == 0 || len(st.Paragraphs) == 0 {
		return false
	}
	for paragraphID := range st.Paragraphs {
		for _, kind := range event.Kinds() {
			if _, ok := st.ContentItems[event.ContentID(kind, paragraphID)]; !ok {
				return false
			}
		}
	}
	return true
}

// progress reports the content-item coverage fraction.
func (w *Worker) progress(st *WorkflowState) float64 {
	expected := len(st.Paragraphs) * len(event.Kinds())
	if expected == 0 {
		return 0
	}
	p := float64(len(st.ContentItems)) / float64(expected)
	if p > 1 {
		p = 1
	}
	return p
}

func (w *Worker) stats(st *WorkflowState) map[string]int {
	return map[string]int{
		"chapters":         len(st.Chapters),
		"sections":         len(st.Sections),
		"paragraphs":       len(st.Paragraphs),
		"content_items":    len(st.ContentItems),
		"processed_images": len(st.ProcessedImages),
		"metadata":         len(st.Metadata),
	}
}

// finalize computes the aggregation result, writes the report and the
// per-item files, and emits WORKFLOW_COMPLETED followed by
// REPORT_GENERATED. Caller holds w.mu.
func (w *Worker) finalize(ctx context.Context, e event.Event, st *WorkflowState) ([]event.Event, error) {
	result := w.result(st)
	st.Status = "completed"
	st.terminalEventEmitted = true

	report, files, err := w.writeReport(ctx, st, result)
	if err != nil {
		// Writes are keyed deterministically, so the retry after a sink
		// outage overwrites the partial attempt.
		st.Status = "collecting"
		st.terminalEventEmitted = false
		return nil, fmt.Errorf("write report: %w", err)
	}

	summary := fmt.Sprintf("%d content items from %d paragraphs in %.2fs",
		len(st.ContentItems), len(st.Paragraphs), result.DurationSeconds)
	w.log.Info("workflow aggregation complete",
		slog.String("workflow_id", st.WorkflowID),
		slog.Int("files", len(files)))

	return []event.Event{
		event.Derive(e, event.TypeWorkflowCompleted, &event.CompletedPayload{
			AggregationResult: result,
			WorkflowState:     st.Status,
			CompletionSummary: summary,
		}),
		event.Derive(e, event.TypeReportGenerated, &event.ReportGeneratedPayload{
			Report:         report,
			Format:         "json",
			OutputDir:      w.outputDir(st.WorkflowID),
			FilesGenerated: files,
		}),
	}, nil
}

// flushFailed marks the state failed and flushes whatever partial results
// exist, with the failure recorded in the errors list. It emits nothing:
// the workflow already terminated.
func (w *Worker) flushFailed(ctx context.Context, e event.Event, st *WorkflowState, p *event.FailedPayload) ([]event.Event, error) {
	if st.terminalEventEmitted || st.Status == "failed" {
		return nil, nil
	}
	st.Status = "failed"
	msg := p.Reason
	if p.Error != "" {
		msg = p.Reason + ": " + p.Error
	}
	st.Errors = append(st.Errors, msg)

	result := w.result(st)
	result.Errors = st.Errors
	if _, _, err := w.writeReport(ctx, st, result); err != nil {
		w.log.Warn("partial report flush failed",
			slog.String("workflow_id", st.WorkflowID),
			slog.Any("error", err))
	}
	return nil, nil
}

// result computes the aggregation summary. Caller holds w.mu.
func (w *Worker) result(st *WorkflowState) event.AggregationResult {
	summary := make(map[event.Kind]event.KindSummary)
	for _, item := range st.ContentItems {
		s := summary[item.Kind]
		s.Count++
		s.TotalWords += item.WordCount
		summary[item.Kind] = s
	}

	formats := make(map[string]int)
	for _, img := range st.ProcessedImages {
		formats[img.Format]++
	}

	duration := w.now().Sub(st.CreatedAt).Seconds()
	itemsPerSecond := 0.0
	if duration > 0 {
		itemsPerSecond = float64(len(st.ContentItems)) / duration
	}
	return event.AggregationResult{
		Summary:         summary,
		DurationSeconds: duration,
		ItemsPerSecond:  itemsPerSecond,
		ImageFormats:    formats,
	}
}

func (w *Worker) outputDir(workflowID string) string {
	return w.prefix + "/" + workflowID
}

// writeReport serializes the workflow record as one JSON document plus
// one file per content item, all under deterministic keys.
func (w *Worker) writeReport(ctx context.Context, st *WorkflowState, result event.AggregationResult) (string, []string, error) {
	report, err := encodeReport(st, result)
	if err != nil {
		return "", nil, err
	}

	dir := w.outputDir(st.WorkflowID)
	reportKey := dir + "/report.json"
	if _, err := w.store.Upload(ctx, reportKey, []byte(report), "application/json"); err != nil {
		return "", nil, err
	}
	files := []string{reportKey}

	ids := make([]string, 0, len(st.ContentItems))
	for id := range st.ContentItems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := st.ContentItems[id]
		key := fmt.Sprintf("%s/%s_%s_%s.%s",
			dir, item.Kind, event.Slug(item.Title), item.ID, itemExt(item.Format))
		contentType := "text/plain"
		if item.Format == event.FormatStructured {
			contentType = "application/json"
		}
		if _, err := w.store.Upload(ctx, key, []byte(item.Body), contentType); err != nil {
			return "", nil, err
		}
		files = append(files, key)
	}
	return report, files, nil
}

// itemExt maps a content format to its file extension.
func itemExt(format event.Format) string {
	switch format {
	case event.FormatMarkdown:
		return "md"
	case event.FormatStructured:
		return "json"
	default:
		return "txt"
	}
}

// Sweep removes terminal workflow states older than the retention window
// and returns how many were dropped.
func (w *Worker) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.retention)
	removed := 0
	for id, st := range w.states {
		if st.Status == "collecting" {
			continue
		}
		if st.UpdatedAt.Before(cutoff) {
			delete(w.states, id)
			removed++
		}
	}
	return removed
}

// Janitor sweeps on a fixed interval until ctx is done.
func (w *Worker) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Sweep(); n > 0 {
				w.log.Debug("workflow states swept", slog.Int("removed", n))
			}
		}
	}
}
