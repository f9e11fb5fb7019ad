package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/sink"
)

func contentEvent(body string) event.Event {
	return event.New(event.TypeContentGenerated, "wf1", "tr1", &event.ContentGeneratedPayload{
		Content: event.ContentItem{
			ID:     event.ContentID(event.KindArticle, "paragraph_1_1_1"),
			Kind:   event.KindArticle,
			Title:  "T",
			Body:   body,
			Format: event.FormatMarkdown,
		},
	})
}

func TestFlowchartRewrite(t *testing.T) {
	store := sink.NewMemoryObjectStore()
	w, err := New(1, store)
	if err != nil {
		t.Fatal(err)
	}

	events, err := w.Process(context.Background(), contentEvent("abc\n\n```flowchart\nA->B\n```\n\ndef"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != event.TypeImageProcessed {
		t.Fatalf("events = %+v, want one IMAGE_PROCESSED", events)
	}

	p := events[0].Payload.(*event.ImageProcessedPayload)
	if p.UpdatedContent == nil {
		t.Fatal("updated content missing")
	}
	body := p.UpdatedContent.Body
	if strings.Contains(body, "```flowchart") {
		t.Errorf("body still contains the fenced block: %q", body)
	}
	if !strings.Contains(body, "![diagram](mem://images/wf1/") {
		t.Errorf("body missing uploaded image reference: %q", body)
	}
	if !strings.HasPrefix(body, "abc") || !strings.HasSuffix(body, "def") {
		t.Errorf("surrounding text lost: %q", body)
	}

	if len(p.ProcessedImages) != 1 {
		t.Fatalf("images = %d, want 1", len(p.ProcessedImages))
	}
	img := p.ProcessedImages[0]
	if img.OriginalKind != event.ImageFlowchartDSL || img.Format != "png" {
		t.Errorf("image = %+v, want flowchart_dsl png", img)
	}
	if img.Width == 0 || img.Height == 0 || img.SizeBytes == 0 {
		t.Errorf("image dimensions not recorded: %+v", img)
	}
	if img.SourceWorkflowID != "wf1" {
		t.Errorf("SourceWorkflowID = %q", img.SourceWorkflowID)
	}
	if store.Len() != 1 {
		t.Errorf("uploads = %d, want 1", store.Len())
	}
}

func TestInlineSVG(t *testing.T) {
	store := sink.NewMemoryObjectStore()
	w, err := New(1, store)
	if err != nil {
		t.Fatal(err)
	}

	body := "intro\n\n<svg width=\"100\" height=\"50\"><rect/></svg>\n\nend"
	events, err := w.Process(context.Background(), contentEvent(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	p := events[0].Payload.(*event.ImageProcessedPayload)
	if strings.Contains(p.UpdatedContent.Body, "<svg") {
		t.Errorf("svg block not replaced: %q", p.UpdatedContent.Body)
	}
	if p.ProcessedImages[0].OriginalKind != event.ImageSVG {
		t.Errorf("kind = %s, want svg", p.ProcessedImages[0].OriginalKind)
	}
	if p.ProcessedImages[0].Width != 100 || p.ProcessedImages[0].Height != 50 {
		t.Errorf("dimensions = %dx%d, want declared 100x50",
			p.ProcessedImages[0].Width, p.ProcessedImages[0].Height)
	}
}

func TestDiagramFileReference(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "arch.drawio")
	if err := os.WriteFile(file, []byte(`<mxfile><diagram><node/></diagram></mxfile>`), 0o600); err != nil {
		t.Fatal(err)
	}

	store := sink.NewMemoryObjectStore()
	w, err := New(1, store)
	if err != nil {
		t.Fatal(err)
	}

	events, err := w.Process(context.Background(), contentEvent("see ![arch]("+file+") here"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	p := events[0].Payload.(*event.ImageProcessedPayload)
	if strings.Contains(p.UpdatedContent.Body, ".drawio") {
		t.Errorf("file reference not rewritten: %q", p.UpdatedContent.Body)
	}
	if p.ProcessedImages[0].OriginalKind != event.ImageDiagramXML {
		t.Errorf("kind = %s, want diagram_xml", p.ProcessedImages[0].OriginalKind)
	}
}

func TestConverterFailureLeavesReference(t *testing.T) {
	store := sink.NewMemoryObjectStore()
	w, err := New(1, store)
	if err != nil {
		t.Fatal(err)
	}

	// No edges: the flowchart converter rejects this source.
	events, err := w.Process(context.Background(), contentEvent("x\n\n```flowchart\njust a note\n```\n\ny"))
	if err != nil {
		t.Fatalf("converter failure must be recovered locally, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0 when every conversion failed", len(events))
	}
	if store.Len() != 0 {
		t.Errorf("uploads = %d, want 0", store.Len())
	}
}

func TestNoDiagramsEmitsNothing(t *testing.T) {
	w, err := New(1, sink.NewMemoryObjectStore())
	if err != nil {
		t.Fatal(err)
	}
	events, err := w.Process(context.Background(), contentEvent("plain prose, no diagrams at all"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d, want 0", len(events))
	}
}

func TestThumbnailRequest(t *testing.T) {
	store := sink.NewMemoryObjectStore()
	w, err := New(1, store)
	if err != nil {
		t.Fatal(err)
	}

	e := event.New(event.TypeMetadataGenerated, "wf1", "tr1", &event.MetadataGeneratedPayload{
		Metadata: event.ChapterMetadata{ChapterID: "chapter_1_intro", Title: "Intro"},
		Thumbnail: &event.ThumbnailRequest{
			Title: "Intro", Style: "gradient", ColorScheme: "blue", Width: 1280, Height: 720,
		},
	})
	events, err := w.Process(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want IMAGE_PROCESSED + THUMBNAIL_GENERATED", len(events))
	}

	ip := events[0].Payload.(*event.ImageProcessedPayload)
	if !ip.Thumbnail || len(ip.ProcessedImages) != 1 {
		t.Errorf("payload = %+v, want thumbnail image", ip)
	}
	if ip.ProcessedImages[0].Width != 1280 || ip.ProcessedImages[0].Height != 720 {
		t.Errorf("thumbnail = %dx%d, want 1280x720",
			ip.ProcessedImages[0].Width, ip.ProcessedImages[0].Height)
	}

	tg := events[1].Payload.(*event.ThumbnailGeneratedPayload)
	if !tg.Image.Thumbnail || tg.Image.URL == "" {
		t.Errorf("thumbnail record = %+v", tg.Image)
	}
	if _, ok := store.Object("thumbnails/wf1/chapter_1_intro.png"); !ok {
		t.Error("thumbnail not uploaded under deterministic key")
	}

	// Metadata without a request is not this worker's business.
	bare := event.New(event.TypeMetadataGenerated, "wf1", "tr1", &event.MetadataGeneratedPayload{
		Metadata: event.ChapterMetadata{ChapterID: "chapter_1_intro"},
	})
	events, err = w.Process(context.Background(), bare)
	if err != nil || len(events) != 0 {
		t.Errorf("bare metadata: events = %d err = %v, want none", len(events), err)
	}
}

func TestDetectDiagramsOrdering(t *testing.T) {
	body := "<svg></svg>\n\n```flowchart\nA->B\n```\n\n![d](x.drawio)"
	refs := detectDiagrams(body)
	if len(refs) != 3 {
		t.Fatalf("refs = %d, want 3", len(refs))
	}
	want := []event.ImageKind{event.ImageSVG, event.ImageFlowchartDSL, event.ImageDiagramXML}
	for i, kind := range want {
		if refs[i].kind != kind {
			t.Errorf("refs[%d].kind = %s, want %s", i, refs[i].kind, kind)
		}
	}
}
