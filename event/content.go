package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Domain vocabulary shared by payloads: the parsed document tree, derived
// content items, chapter metadata and processed images.

// Kind enumerates the artifact kinds produced by the generation fan-out.
type Kind string

// The closed set of content kinds.
const (
	KindArticle          Kind = "article"
	KindScript           Kind = "script"
	KindScriptStructured Kind = "script_structured"
	KindMicroPost        Kind = "micro_post"
	KindDescription      Kind = "description"
)

// Kinds returns all content kinds in the order the fan-out produces them.
func Kinds() []Kind {
	return []Kind{KindArticle, KindScript, KindScriptStructured, KindMicroPost, KindDescription}
}

// KnownKind reports whether k is a member of the closed kind set.
func KnownKind(k Kind) bool {
	switch k {
	case KindArticle, KindScript, KindScriptStructured, KindMicroPost, KindDescription:
		return true
	}
	return false
}

// Format enumerates content item body formats.
type Format string

const (
	FormatMarkdown   Format = "markdown"
	FormatText       Format = "text"
	FormatStructured Format = "structured"
)

// MicroPostLimit is the hard character cap on micro_post bodies.
const MicroPostLimit = 280

// Chapter is a level-1 heading and everything under it.
type Chapter struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Level    int       `json:"level"`
	Index    int       `json:"index"`
	Content  string    `json:"content"`
	Sections []Section `json:"sections"`
}

// Section is a level-2 heading inside a chapter.
type Section struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Index      int         `json:"index"`
	ChapterID  string      `json:"chapter_id"`
	Content    string      `json:"content"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// ParagraphType classifies a paragraph block.
type ParagraphType string

const (
	ParagraphText    ParagraphType = "paragraph"
	ParagraphList    ParagraphType = "list"
	ParagraphQuote   ParagraphType = "quote"
	ParagraphCode    ParagraphType = "code"
	ParagraphShort   ParagraphType = "short"
	ParagraphHeading ParagraphType = "heading3"
)

// Paragraph is a blank-line separated block inside a section.
type Paragraph struct {
	ID        string        `json:"id"`
	Index     int           `json:"index"`
	SectionID string        `json:"section_id"`
	Content   string        `json:"content"`
	Type      ParagraphType `json:"type"`
	WordCount int           `json:"word_count"`
}

// Structure is the full parsed tree of a source document.
type Structure struct {
	Title    string    `json:"title"`
	Chapters []Chapter `json:"chapters"`

	// Analysis is the optional shallow structural analysis attached by the
	// AI worker when re-emitting STRUCTURE_ANALYZED for a section.
	Analysis *StructureAnalysis `json:"analysis,omitempty"`
}

// StructureAnalysis is the shallow per-section analysis the AI worker
// computes on SECTION_PARSED.
type StructureAnalysis struct {
	ContentType        string   `json:"content_type"`
	Complexity         string   `json:"complexity"`
	KeyConcepts        []string `json:"key_concepts"`
	ReadingTimeSeconds int      `json:"reading_time_seconds"`
	ParagraphCount     int      `json:"paragraph_count"`
}

// ContentItem is the result of one generation task.
type ContentItem struct {
	ID                string            `json:"id"`
	Kind              Kind              `json:"kind"`
	Title             string            `json:"title"`
	Body              string            `json:"body"`
	WordCount         int               `json:"word_count,omitempty"`
	CharacterCount    int               `json:"character_count,omitempty"`
	EstimatedDuration int               `json:"estimated_duration_seconds,omitempty"`
	Format            Format            `json:"format"`
	SourceParagraphID string            `json:"source_paragraph_id"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the content item invariants.
func (c ContentItem) Validate() error {
	if !KnownKind(c.Kind) {
		return fmt.Errorf("%w: unknown content kind %q", ErrInvalidEvent, c.Kind)
	}
	if c.Kind == KindMicroPost && c.CharacterCount > MicroPostLimit {
		return fmt.Errorf("%w: micro_post exceeds %d characters", ErrInvalidEvent, MicroPostLimit)
	}
	if c.Kind == KindScriptStructured {
		if _, err := ParseScript(c.Body); err != nil {
			return fmt.Errorf("%w: script_structured body: %v", ErrInvalidEvent, err)
		}
	}
	return nil
}

// ScriptAction is a single step of a structured script. Recognized action
// names are listed in scriptActionNames; the set is accepted and emitted
// verbatim.
type ScriptAction struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var scriptActionNames = map[string]bool{
	"author-speak-before":       true,
	"file-explorer-create-file": true,
	"file-explorer-open-file":   true,
	"editor-type":               true,
	"editor-enter":              true,
	"editor-space":              true,
	"editor-save":               true,
}

// KnownScriptAction reports whether name is a recognized action.
func KnownScriptAction(name string) bool { return scriptActionNames[name] }

// ParseScript decodes a structured script body (a JSON action list) and
// rejects unrecognized action names.
func ParseScript(body string) ([]ScriptAction, error) {
	var actions []ScriptAction
	if err := json.Unmarshal([]byte(body), &actions); err != nil {
		return nil, fmt.Errorf("not a JSON action list: %w", err)
	}
	for i, a := range actions {
		if !KnownScriptAction(a.Name) {
			return nil, fmt.Errorf("action %d: unrecognized name %q", i, a.Name)
		}
	}
	return actions, nil
}

// EncodeScript serializes an action list to the canonical body form.
func EncodeScript(actions []ScriptAction) (string, error) {
	data, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ImageKind classifies the origin of a processed image.
type ImageKind string

const (
	ImageSVG          ImageKind = "svg"
	ImageFlowchartDSL ImageKind = "flowchart_dsl"
	ImageDiagramXML   ImageKind = "diagram_xml"
	ImageRaster       ImageKind = "raster"
)

// ProcessedImage describes one rasterized-and-uploaded diagram.
type ProcessedImage struct {
	OriginalKind     ImageKind `json:"original_kind"`
	Format           string    `json:"format"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	SizeBytes        int       `json:"size_bytes"`
	URL              string    `json:"url"`
	SourceWorkflowID string    `json:"source_workflow_id"`
	Thumbnail        bool      `json:"thumbnail,omitempty"`
}

// ChapterMetadata is the per-chapter summary the AI worker produces on
// CHAPTER_AGGREGATED.
type ChapterMetadata struct {
	ChapterID          string `json:"chapter_id"`
	Title              string `json:"title"`
	SectionCount       int    `json:"section_count"`
	TotalParagraphs    int    `json:"total_paragraphs"`
	ReadingTimeSeconds int    `json:"reading_time_seconds"`
	Difficulty         string `json:"difficulty"`
}

// ThumbnailRequest asks the media worker to render a chapter thumbnail.
type ThumbnailRequest struct {
	Title       string `json:"title"`
	Style       string `json:"style"`
	ColorScheme string `json:"color_scheme"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// WordCount counts whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// TruncateRunes shortens s to at most n runes. Returns the possibly
// shortened string and whether truncation happened.
func TruncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:n]), true
}
