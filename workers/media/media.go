// Package media extracts embedded diagrams from generated content,
// rasterizes them through the converter registry, uploads the rasters to
// the object store and rewrites the content to point at the uploaded
// URLs. It also renders chapter thumbnails on request.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/draftforge/draftforge/convert"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
	"github.com/draftforge/draftforge/sink"
)

// Role is the worker role name.
const Role = "media"

// Diagram classifiers. Bodies are scanned, not parsed: an inline block
// opening <svg, a fenced block tagged flowchart, or an image reference
// whose extension belongs to the diagram-XML family.
var (
	svgPattern        = regexp.MustCompile(`(?s)<svg\b.*?</svg>`)
	flowchartPattern  = regexp.MustCompile("(?s)```flowchart[ \t]*\n(.*?)\n?```")
	diagramRefPattern = regexp.MustCompile(`!\[[^\]]*\]\(([^()\s]+\.(?:drawio|dio|xml))\)`)
)

// Worker is the media worker.
type Worker struct {
	id       string
	registry *convert.Registry
	store    sink.ObjectStore
	log      *slog.Logger
}

// Option configures a media worker.
type Option func(*Worker)

// WithLogger sets the logger. Default slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.log = logger
		}
	}
}

// WithRegistry replaces the converter registry. Default the built-in
// placeholder converters.
func WithRegistry(r *convert.Registry) Option {
	return func(w *Worker) {
		if r != nil {
			w.registry = r
		}
	}
}

// New creates a media worker uploading to store.
func New(index int, store sink.ObjectStore, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("media: object store must be set")
	}
	w := &Worker{
		id:       fmt.Sprintf("%s-%d", Role, index),
		registry: convert.DefaultRegistry(),
		store:    store,
		log:      slog.Default(),
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
		event.TypeContentGenerated,
		event.TypeMetadataGenerated,
	}
}

// Process dispatches on the event type.
func (w *Worker) Process(ctx context.Context, e event.Event) ([]event.Event, error) {
	switch p := e.Payload.(type) {
	case *event.ContentGeneratedPayload:
		return w.processContent(ctx, e, p)
	case *event.MetadataGeneratedPayload:
		return w.renderThumbnail(ctx, e, p)
	default:
		return nil, pipeline.Validationf("unexpected payload %T for %s", e.Payload, e.Type)
	}
}

// diagramRef is one detected diagram inside a content body.
type diagramRef struct {
	kind   event.ImageKind
	match  string // the substring to replace in the body
	source string // what the converter receives
}

// processContent scans a content item for embedded diagrams. Converter
// failures are logged and the original reference is left intact; upload
// failures abort the event so the retry re-runs against the same
// deterministic keys. Content with no diagrams emits nothing.
func (w *Worker) processContent(ctx context.Context, e event.Event, p *event.ContentGeneratedPayload) ([]event.Event, error) {
	refs := detectDiagrams(p.Content.Body)
	if len(refs) == 0 {
		return nil, nil
	}

	body := p.Content.Body
	var images []event.ProcessedImage
	for i, ref := range refs {
		data, err := w.registry.Convert(ctx, ref.kind, ref.source)
		if err != nil {
			w.log.Warn("diagram conversion failed",
				slog.String("workflow_id", e.WorkflowID),
				slog.String("content_id", p.Content.ID),
				slog.String("kind", string(ref.kind)),
				slog.Any("error", err))
			continue
		}

		key := fmt.Sprintf("images/%s/%s_%d.png", e.WorkflowID, p.Content.ID, i+1)
		url, err := w.store.Upload(ctx, key, data, "image/png")
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}

		body = strings.Replace(body, ref.match, fmt.Sprintf("![diagram](%s)", url), 1)
		images = append(images, describeImage(ref.kind, data, url, e.WorkflowID, false))
	}
	if len(images) == 0 {
		return nil, nil
	}

	updated := p.Content
	updated.Body = body
	updated.WordCount = event.WordCount(body)
	updated.CharacterCount = len([]rune(body))

	return []event.Event{
		event.Derive(e, event.TypeImageProcessed, &event.ImageProcessedPayload{
			OriginalContent: p.Content.Body,
			UpdatedContent:  &updated,
			ProcessedImages: images,
			Paragraph:       p.Paragraph,
			Section:         p.Section,
		}),
	}, nil
}

// renderThumbnail serves the thumbnail request embedded in chapter
// metadata. Metadata without a request is not the media worker's
// business and emits nothing.
func (w *Worker) renderThumbnail(ctx context.Context, e event.Event, p *event.MetadataGeneratedPayload) ([]event.Event, error) {
	req := p.Thumbnail
	if req == nil {
		return nil, nil
	}

	data, err := convert.RenderThumbnail(req.Title, req.Style, req.ColorScheme, req.Width, req.Height)
	if err != nil {
		return nil, fmt.Errorf("render thumbnail for %s: %w", p.Metadata.ChapterID, err)
	}
	key := fmt.Sprintf("thumbnails/%s/%s.png", e.WorkflowID, p.Metadata.ChapterID)
	url, err := w.store.Upload(ctx, key, data, "image/png")
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	img := describeImage(event.ImageRaster, data, url, e.WorkflowID, true)
	return []event.Event{
		event.Derive(e, event.TypeImageProcessed, &event.ImageProcessedPayload{
			ProcessedImages: []event.ProcessedImage{img},
			Thumbnail:       true,
		}),
		event.Derive(e, event.TypeThumbnailGenerated, &event.ThumbnailGeneratedPayload{
			Image: img,
		}),
	}, nil
}

// detectDiagrams finds every diagram embedded in body, in body order per
// classifier. A referenced diagram-XML file is read from disk when it
// exists locally; otherwise the reference itself goes to the converter,
// which will reject it and leave the reference intact.
func detectDiagrams(body string) []diagramRef {
	var refs []diagramRef
	for _, m := range svgPattern.FindAllString(body, -1) {
		refs = append(refs, diagramRef{kind: event.ImageSVG, match: m, source: m})
	}
	for _, m := range flowchartPattern.FindAllStringSubmatch(body, -1) {
		refs = append(refs, diagramRef{kind: event.ImageFlowchartDSL, match: m[0], source: m[1]})
	}
	for _, m := range diagramRefPattern.FindAllStringSubmatch(body, -1) {
		source := m[1]
		if data, err := os.ReadFile(m[1]); err == nil {
			source = string(data)
		}
		refs = append(refs, diagramRef{kind: event.ImageDiagramXML, match: m[0], source: source})
	}
	return refs
}

// describeImage builds the ProcessedImage record for one uploaded raster.
func describeImage(kind event.ImageKind, data []byte, url, workflowID string, thumbnail bool) event.ProcessedImage {
	img := event.ProcessedImage{
		OriginalKind:     kind,
		Format:           "png",
		SizeBytes:        len(data),
		URL:              url,
		SourceWorkflowID: workflowID,
		Thumbnail:        thumbnail,
	}
	// Stub converters may return non-PNG bytes; dimensions stay zero then.
	if cfg, err := png.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.Width = cfg.Width
		img.Height = cfg.Height
	}
	return img
}
