// Package parser turns a markdown source document into the pipeline's
// structural events.
//
// A `#` heading opens a chapter, `##` opens a section, and blank-line
// separated blocks inside a section become typed paragraphs. Documents
// with no headings still parse: content lands in a synthetic "Main
// Content" chapter and "Main Section".
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
)

// Role is the worker role name.
const Role = "parser"

// Synthetic container titles for heading-less documents.
const (
	syntheticChapterTitle = "Main Content"
	syntheticSectionTitle = "Main Section"
)

// shortWordLimit is the word count under which a plain block is
// classified as "short".
const shortWordLimit = 5

// Worker is the parser worker.
type Worker struct {
	id  string
	log *slog.Logger
}

// Option configures a parser worker.
type Option func(*Worker)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// New creates a parser worker instance.
func New(index int, opts ...Option) *Worker {
	w := &Worker{
		id:  fmt.Sprintf("%s-%d", Role, index),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() string   { return w.id }
func (w *Worker) Role() string { return Role }

func (w *Worker) Subscriptions() []event.Type {
	return []event.Type{event.TypeWorkflowStarted}
}

// Process parses the source document and emits the structural fan-out:
// one CHAPTER_PARSED per chapter, one SECTION_PARSED per section, one
// PARAGRAPH_PARSED per paragraph, and a final STRUCTURE_ANALYZED with the
// whole tree.
func (w *Worker) Process(ctx context.Context, e event.Event) ([]event.Event, error) {
	payload, ok := e.Payload.(*event.StartedPayload)
	if !ok {
		return nil, pipeline.Validationf("expected StartedPayload, got %T", e.Payload)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	structure := ParseStructure(payload.Content.Title, payload.Content.Text)
	if err := validateUniqueIDs(structure); err != nil {
		return nil, err
	}

	var out []event.Event
	for ci := range structure.Chapters {
		chapter := structure.Chapters[ci]
		out = append(out, event.Derive(e, event.TypeChapterParsed, &event.ChapterParsedPayload{
			Chapter: chapter,
		}))
		for si := range chapter.Sections {
			section := chapter.Sections[si]
			out = append(out, event.Derive(e, event.TypeSectionParsed, &event.SectionParsedPayload{
				Section: section,
				Chapter: chapter,
			}))
			for pi := range section.Paragraphs {
				out = append(out, event.Derive(e, event.TypeParagraphParsed, &event.ParagraphParsedPayload{
					Paragraph: section.Paragraphs[pi],
					Section:   section,
				}))
			}
		}
	}
	out = append(out, event.Derive(e, event.TypeStructureAnalyzed, &event.StructureAnalyzedPayload{
		Structure: structure,
	}))

	w.log.Debug("source parsed",
		slog.String("workflow_id", e.WorkflowID),
		slog.Int("chapters", len(structure.Chapters)),
		slog.Int("events", len(out)))
	return out, nil
}

// ParseStructure builds the document tree. Exported so tests and tools
// can parse without a worker.
func ParseStructure(title, text string) event.Structure {
	structure := event.Structure{Title: title}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return structure
	}

	type rawSection struct {
		title string
		lines []string
	}
	type rawChapter struct {
		title    string
		sections []*rawSection
	}

	var chapters []*rawChapter
	var chapter *rawChapter
	var section *rawSection

	ensureChapter := func(chapterTitle string) {
		chapter = &rawChapter{title: chapterTitle}
		chapters = append(chapters, chapter)
		section = nil
	}
	ensureSection := func(sectionTitle string) {
		if chapter == nil {
			ensureChapter(syntheticChapterTitle)
		}
		section = &rawSection{title: sectionTitle}
		chapter.sections = append(chapter.sections, section)
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "# "):
			ensureChapter(strings.TrimSpace(line[2:]))
		case strings.HasPrefix(line, "## "):
			ensureSection(strings.TrimSpace(line[3:]))
		default:
			if strings.TrimSpace(line) == "" && section == nil {
				continue
			}
			if section == nil {
				ensureSection(syntheticSectionTitle)
			}
			section.lines = append(section.lines, line)
		}
	}

	for ci, rc := range chapters {
		chapterIndex := ci + 1
		ch := event.Chapter{
			ID:    event.ChapterID(1, rc.title),
			Title: rc.title,
			Level: 1,
			Index: chapterIndex,
		}
		var chapterContent []string
		for si, rs := range rc.sections {
			sectionIndex := si + 1
			content := strings.TrimSpace(strings.Join(rs.lines, "\n"))
			sec := event.Section{
				ID:        event.SectionID(chapterIndex, sectionIndex, rs.title),
				Title:     rs.title,
				Index:     sectionIndex,
				ChapterID: ch.ID,
				Content:   content,
			}
			for pi, block := range splitBlocks(rs.lines) {
				// Index is the zero-based position within the section;
				// the id keeps its one-based ordinal.
				sec.Paragraphs = append(sec.Paragraphs, event.Paragraph{
					ID:        event.ParagraphID(chapterIndex, sectionIndex, pi+1),
					Index:     pi,
					SectionID: sec.ID,
					Content:   block,
					Type:      classifyBlock(block),
					WordCount: event.WordCount(block),
				})
			}
			ch.Sections = append(ch.Sections, sec)
			chapterContent = append(chapterContent, content)
		}
		ch.Content = strings.Join(chapterContent, "\n\n")
		structure.Chapters = append(structure.Chapters, ch)
	}

	if structure.Title == "" && len(structure.Chapters) > 0 {
		structure.Title = structure.Chapters[0].Title
	}
	return structure
}

// validateUniqueIDs rejects a structure whose derived ids collide.
// Chapter ids are built from the slug alone, so two chapters titled the
// same (or sharing a 30-character slug prefix) would silently merge
// downstream where chapter id keys group content.
func validateUniqueIDs(structure event.Structure) error {
	seen := make(map[string]bool)
	check := func(kind, id string) error {
		if seen[id] {
			return pipeline.Validationf("duplicate %s id %q in source structure", kind, id)
		}
		seen[id] = true
		return nil
	}
	for _, ch := range structure.Chapters {
		if err := check("chapter", ch.ID); err != nil {
			return err
		}
		for _, sec := range ch.Sections {
			if err := check("section", sec.ID); err != nil {
				return err
			}
			for _, p := range sec.Paragraphs {
				if err := check("paragraph", p.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// splitBlocks cuts section lines into blank-line separated blocks,
// keeping fenced code blocks intact even when they contain blank lines.
func splitBlocks(lines []string) []string {
	var blocks []string
	var current []string
	inFence := false

	flush := func() {
		block := strings.TrimSpace(strings.Join(current, "\n"))
		if block != "" {
			blocks = append(blocks, block)
		}
		current = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			current = append(current, line)
			if inFence {
				inFence = false
				flush()
			} else {
				inFence = true
			}
			continue
		}
		if inFence {
			current = append(current, line)
			continue
		}
		if trimmed == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// classifyBlock assigns the paragraph type of one block.
func classifyBlock(block string) event.ParagraphType {
	trimmed := strings.TrimSpace(block)
	switch {
	case strings.HasPrefix(trimmed, "```"):
		return event.ParagraphCode
	case strings.HasPrefix(trimmed, "### "):
		return event.ParagraphHeading
	case strings.HasPrefix(trimmed, ">"):
		return event.ParagraphQuote
	case isListBlock(trimmed):
		return event.ParagraphList
	case event.WordCount(trimmed) < shortWordLimit:
		return event.ParagraphShort
	default:
		return event.ParagraphText
	}
}

// isListBlock reports whether the block opens with a bullet or an ordered
// list marker.
func isListBlock(s string) bool {
	if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") || strings.HasPrefix(s, "+ ") {
		return true
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i+1 < len(s) && s[i] == '.' && s[i+1] == ' '
}
