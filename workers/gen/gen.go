// Package gen is the AI worker: it fans each parsed paragraph out into
// five generation tasks (article, script, script_structured, micro_post,
// description), enriches section structure, and produces chapter
// metadata with a thumbnail request.
//
// Generation goes through client.Generator values, so rate limiting,
// retries, circuit breaking and response caching are the wrappers'
// concern; this worker owns prompts, fan-out and output shaping only.
package gen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/draftforge/draftforge/client"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
)

// Role is the worker role name.
const Role = "ai"

// defaultFanOut bounds how many generation tasks of one paragraph run
// concurrently. Independent of the Runner's worker-slot semaphore.
const defaultFanOut = 3

// readingWordsPerMinute calibrates reading-time estimates.
const readingWordsPerMinute = 150

// Clients routes content kinds to generator backends: articles and
// descriptions to one provider, scripts to another, micro posts to a
// third. Any field may point at the same Generator.
type Clients struct {
	Article   client.Generator
	Script    client.Generator
	MicroPost client.Generator
}

// For returns the generator responsible for kind.
func (c Clients) For(kind event.Kind) client.Generator {
	switch kind {
	case event.KindScript, event.KindScriptStructured:
		return c.Script
	case event.KindMicroPost:
		return c.MicroPost
	default:
		return c.Article
	}
}

func (c Clients) validate() error {
	if c.Article == nil || c.Script == nil || c.MicroPost == nil {
		return fmt.Errorf("gen: all generator clients must be set")
	}
	return nil
}

// Worker is the AI worker.
type Worker struct {
	id      string
	clients Clients
	log     *slog.Logger
	fanOut  *semaphore.Weighted
}

// Option configures an AI worker.
type Option func(*Worker)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithFanOutLimit bounds concurrent generation tasks per paragraph.
// Default 3.
func WithFanOutLimit(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.fanOut = semaphore.NewWeighted(n)
		}
	}
}

// New creates an AI worker instance.
func New(index int, clients Clients, opts ...Option) (*Worker, error) {
	if err := clients.validate(); err != nil {
		return nil, err
	}
	w := &Worker{
		id:      fmt.Sprintf("%s-%d", Role, index),
		clients: clients,
		log:     slog.Default(),
		fanOut:  semaphore.NewWeighted(defaultFanOut),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) ID() string   { return w.id }
func (w *Worker) Role() string { return Role }

// Subscriptions hangs section analysis off SECTION_PARSED rather than
// STRUCTURE_ANALYZED: sections arrive as individual events, so generation
// starts as soon as the parser emits each one instead of waiting for the
// full tree. The STRUCTURE_ANALYZED snapshot feeds aggregation only.
func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{
		event.TypeParagraphParsed,
		event.TypeSectionParsed,
		event.TypeChapterAggregated,
	}
}

// Process dispatches on the event type.
func (w *Worker) Process(ctx context.Context, e event.Event) ([]event.Event, error) {
	switch p := e.Payload.(type) {
	case *event.ParagraphParsedPayload:
		return w.generateContent(ctx, e, p)
	case *event.SectionParsedPayload:
		return w.analyzeSection(e, p), nil
	case *event.ChapterAggregatedPayload:
		return w.chapterMetadata(e, p), nil
	default:
		return nil, pipeline.Validationf("unexpected payload %T for %s", e.Payload, e.Type)
	}
}

// generateContent runs the five-way fan-out for one paragraph. Failed
// branches are logged and dropped; the event only fails when every
// branch failed, which makes the whole fan-out retryable.
func (w *Worker) generateContent(ctx context.Context, e event.Event, p *event.ParagraphParsedPayload) ([]event.Event, error) {
	kinds := event.Kinds()
	items := make([]*event.ContentItem, len(kinds))
	errs := make([]error, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			if err := w.fanOut.Acquire(gctx, 1); err != nil {
				return err
			}
			defer w.fanOut.Release(1)

			item, err := w.generateOne(gctx, kind, p.Paragraph, p.Section)
			if err != nil {
				errs[i] = err
				w.log.Warn("generation branch failed",
					slog.String("workflow_id", e.WorkflowID),
					slog.String("kind", string(kind)),
					slog.String("paragraph_id", p.Paragraph.ID),
					slog.Any("error", err))
				return nil
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []event.Event
	for i := range items {
		if items[i] == nil {
			continue
		}
		out = append(out, event.Derive(e, event.TypeContentGenerated, &event.ContentGeneratedPayload{
			Content:   *items[i],
			Paragraph: &p.Paragraph,
			Section:   &p.Section,
		}))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("all generation branches failed: %w", firstError(errs))
	}
	return out, nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("unknown failure")
}

// generateOne produces one content item of one kind.
func (w *Worker) generateOne(ctx context.Context, kind event.Kind, paragraph event.Paragraph, section event.Section) (*event.ContentItem, error) {
	gen := w.clients.For(kind)
	spec := kindSpecs[kind]

	resp, err := gen.Generate(ctx, client.Request{
		System:      spec.system,
		Prompt:      buildPrompt(kind, paragraph, section),
		MaxTokens:   spec.maxTokens,
		Temperature: spec.temperature,
	})
	if err != nil {
		return nil, err
	}

	item := event.ContentItem{
		ID:                event.ContentID(kind, paragraph.ID),
		Kind:              kind,
		Title:             itemTitle(kind, section),
		Body:              resp.Text,
		Format:            spec.format,
		SourceParagraphID: paragraph.ID,
		Metadata:          map[string]string{"provider": resp.Provider, "model": resp.Model},
	}

	switch kind {
	case event.KindMicroPost:
		body, wasTruncated := event.TruncateRunes(item.Body, event.MicroPostLimit)
		if wasTruncated {
			item.Body = body
			item.Metadata["truncated"] = "true"
		}
	case event.KindScriptStructured:
		item.Body = normalizeScript(item.Body, paragraph.Content)
	}

	item.WordCount = event.WordCount(item.Body)
	item.CharacterCount = len([]rune(item.Body))
	item.EstimatedDuration = item.WordCount * 60 / readingWordsPerMinute

	if err := item.Validate(); err != nil {
		return nil, err
	}
	return &item, nil
}

// normalizeScript coerces LM output into a valid structured script. When
// the model ignored the format instructions, the raw text is wrapped as a
// single narration action so downstream validation never rejects the
// item over a formatting whim.
func normalizeScript(body, fallback string) string {
	if _, err := event.ParseScript(body); err == nil {
		return body
	}
	narration := strings.TrimSpace(body)
	if narration == "" {
		narration = fallback
	}
	wrapped, err := event.EncodeScript([]event.ScriptAction{
		{Name: "author-speak-before", Value: narration},
	})
	if err != nil {
		return body
	}
	return wrapped
}

// itemTitle derives the artifact title from its section context.
func itemTitle(kind event.Kind, section event.Section) string {
	title := section.Title
	if title == "" {
		title = "Untitled"
	}
	switch kind {
	case event.KindMicroPost:
		return title + " (micro)"
	case event.KindDescription:
		return title + " (description)"
	default:
		return title
	}
}

// chapterMetadata answers CHAPTER_AGGREGATED with chapter metadata and a
// thumbnail render request.
func (w *Worker) chapterMetadata(e event.Event, p *event.ChapterAggregatedPayload) []event.Event {
	chapter := p.Chapter
	totalParagraphs := 0
	totalWords := 0
	for _, sec := range chapter.Sections {
		totalParagraphs += len(sec.Paragraphs)
		for _, par := range sec.Paragraphs {
			totalWords += par.WordCount
		}
	}

	meta := event.ChapterMetadata{
		ChapterID:          chapter.ID,
		Title:              chapter.Title,
		SectionCount:       len(chapter.Sections),
		TotalParagraphs:    totalParagraphs,
		ReadingTimeSeconds: totalWords * 60 / readingWordsPerMinute,
		Difficulty:         difficulty(totalWords, totalParagraphs),
	}
	thumb := &event.ThumbnailRequest{
		Title:       chapter.Title,
		Style:       "gradient",
		ColorScheme: "blue",
		Width:       1280,
		Height:      720,
	}

	return []event.Event{
		event.Derive(e, event.TypeMetadataGenerated, &event.MetadataGeneratedPayload{
			Metadata:  meta,
			Chapter:   chapter,
			Thumbnail: thumb,
		}),
	}
}

// kindSpec fixes the request shape per content kind.
type kindSpec struct {
	system      string
	maxTokens   int
	temperature float64
	format      event.Format
}

var kindSpecs = map[event.Kind]kindSpec{
	event.KindArticle: {
		system:      "You write clear, well-structured technical articles in markdown.",
		maxTokens:   2048,
		temperature: 0.7,
		format:      event.FormatMarkdown,
	},
	event.KindScript: {
		system:      "You write spoken-word narration scripts for technical screencasts.",
		maxTokens:   1536,
		temperature: 0.8,
		format:      event.FormatText,
	},
	event.KindScriptStructured: {
		system: "You produce screencast scripts as a JSON array of actions. " +
			"Allowed action names: author-speak-before, file-explorer-create-file, " +
			"file-explorer-open-file, editor-type, editor-enter, editor-space, editor-save. " +
			"Respond with the JSON array only.",
		maxTokens:   1536,
		temperature: 0.3,
		format:      event.FormatStructured,
	},
	event.KindMicroPost: {
		system:      "You write punchy social posts under 280 characters. No hashtag spam.",
		maxTokens:   256,
		temperature: 0.9,
		format:      event.FormatText,
	},
	event.KindDescription: {
		system:      "You write concise one-paragraph summaries for content catalogs.",
		maxTokens:   512,
		temperature: 0.5,
		format:      event.FormatText,
	},
}

// buildPrompt assembles the user prompt for one generation task.
func buildPrompt(kind event.Kind, paragraph event.Paragraph, section event.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n\n", section.Title)
	fmt.Fprintf(&b, "Source paragraph:\n%s\n\n", paragraph.Content)
	switch kind {
	case event.KindArticle:
		b.WriteString("Write a standalone article expanding on this paragraph.")
	case event.KindScript:
		b.WriteString("Write the narration script covering this paragraph.")
	case event.KindScriptStructured:
		b.WriteString("Produce the structured action script for this paragraph.")
	case event.KindMicroPost:
		b.WriteString("Write one micro post teasing this paragraph's core idea.")
	case event.KindDescription:
		b.WriteString("Write a catalog description of this paragraph's content.")
	}
	return b.String()
}
