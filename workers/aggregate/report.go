package aggregate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/draftforge/draftforge/event"
)

// reportDocument is the JSON shape of the final per-workflow report.
// Collections are sorted by id so the serialized report is deterministic
// for a given state.
type reportDocument struct {
	WorkflowID  string                  `json:"workflow_id"`
	Status      string                  `json:"status"`
	CreatedAt   time.Time               `json:"created_at"`
	CompletedAt time.Time               `json:"completed_at"`
	Result      event.AggregationResult `json:"aggregation_result"`

	Chapters     []event.Chapter         `json:"chapters"`
	Metadata     []event.ChapterMetadata `json:"metadata,omitempty"`
	ContentItems []event.ContentItem     `json:"content_items"`
	Images       []event.ProcessedImage  `json:"processed_images,omitempty"`

	Counts map[string]int `json:"counts"`
}

func encodeReport(st *WorkflowState, result event.AggregationResult) (string, error) {
	doc := reportDocument{
		WorkflowID:  st.WorkflowID,
		Status:      st.Status,
		CreatedAt:   st.CreatedAt,
		CompletedAt: st.UpdatedAt,
		Result:      result,
		Counts: map[string]int{
			"chapters":         len(st.Chapters),
			"sections":         len(st.Sections),
			"paragraphs":       len(st.Paragraphs),
			"content_items":    len(st.ContentItems),
			"processed_images": len(st.ProcessedImages),
		},
	}

	for _, ch := range st.Chapters {
		doc.Chapters = append(doc.Chapters, ch)
	}
	sort.Slice(doc.Chapters, func(i, j int) bool { return doc.Chapters[i].ID < doc.Chapters[j].ID })

	for _, m := range st.Metadata {
		doc.Metadata = append(doc.Metadata, m)
	}
	sort.Slice(doc.Metadata, func(i, j int) bool { return doc.Metadata[i].ChapterID < doc.Metadata[j].ChapterID })

	for _, item := range st.ContentItems {
		doc.ContentItems = append(doc.ContentItems, item)
	}
	sort.Slice(doc.ContentItems, func(i, j int) bool { return doc.ContentItems[i].ID < doc.ContentItems[j].ID })

	for _, img := range st.ProcessedImages {
		doc.Images = append(doc.Images, img)
	}
	sort.Slice(doc.Images, func(i, j int) bool { return doc.Images[i].URL < doc.Images[j].URL })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
