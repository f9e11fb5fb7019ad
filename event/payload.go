package event

// Payload is the closed sum type carried by events, dispatched on the
// event Type. Each variant is a plain struct; workers branch on the
// concrete type and reject unknown variants in validation.
//
// Payloads cross the bus by reference inside a value-copied Event, so they
// must be treated as read-only once published.
type Payload interface {
	// EventType returns the event type this payload belongs to.
	EventType() Type
}

// StartedPayload carries the source document of a new workflow.
type StartedPayload struct {
	Content SourceContent `json:"content"`
}

// SourceContent is the raw input to the pipeline.
type SourceContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (StartedPayload) EventType() Type { return TypeWorkflowStarted }

// ChapterParsedPayload carries one parsed chapter and the structure it
// belongs to.
type ChapterParsedPayload struct {
	Chapter   Chapter    `json:"chapter"`
	Structure *Structure `json:"structure,omitempty"`
}

func (ChapterParsedPayload) EventType() Type { return TypeChapterParsed }

// SectionParsedPayload carries one parsed section with its chapter.
type SectionParsedPayload struct {
	Section Section `json:"section"`
	Chapter Chapter `json:"chapter"`
}

func (SectionParsedPayload) EventType() Type { return TypeSectionParsed }

// ParagraphParsedPayload carries one parsed paragraph with its section.
type ParagraphParsedPayload struct {
	Paragraph Paragraph `json:"paragraph"`
	Section   Section   `json:"section"`
}

func (ParagraphParsedPayload) EventType() Type { return TypeParagraphParsed }

// StructureAnalyzedPayload carries the whole parsed tree, optionally
// enriched with a per-section analysis.
type StructureAnalyzedPayload struct {
	Structure Structure `json:"structure"`
}

func (StructureAnalyzedPayload) EventType() Type { return TypeStructureAnalyzed }

// ContentGeneratedPayload carries one generated content item with the
// paragraph and section it derives from.
type ContentGeneratedPayload struct {
	Content   ContentItem `json:"content"`
	Paragraph *Paragraph  `json:"paragraph,omitempty"`
	Section   *Section    `json:"section,omitempty"`
}

func (ContentGeneratedPayload) EventType() Type { return TypeContentGenerated }

// ChapterAggregatedPayload signals that every section of a chapter has
// been seen; the AI worker answers with chapter metadata.
type ChapterAggregatedPayload struct {
	Chapter Chapter `json:"chapter"`
}

func (ChapterAggregatedPayload) EventType() Type { return TypeChapterAggregated }

// MetadataGeneratedPayload carries chapter metadata and an optional
// thumbnail render request for the media worker.
type MetadataGeneratedPayload struct {
	Metadata  ChapterMetadata   `json:"metadata"`
	Chapter   Chapter           `json:"chapter"`
	Thumbnail *ThumbnailRequest `json:"thumbnail,omitempty"`
}

func (MetadataGeneratedPayload) EventType() Type { return TypeMetadataGenerated }

// ThumbnailGeneratedPayload announces a rendered-and-uploaded thumbnail.
type ThumbnailGeneratedPayload struct {
	Image ProcessedImage `json:"image"`
}

func (ThumbnailGeneratedPayload) EventType() Type { return TypeThumbnailGenerated }

// ImageProcessedPayload carries rewritten content and the images that were
// rasterized and uploaded for it.
type ImageProcessedPayload struct {
	OriginalContent string           `json:"original_content"`
	UpdatedContent  *ContentItem     `json:"updated_content,omitempty"`
	ProcessedImages []ProcessedImage `json:"processed_images"`
	Paragraph       *Paragraph       `json:"paragraph,omitempty"`
	Section         *Section         `json:"section,omitempty"`
	Thumbnail       bool             `json:"thumbnail,omitempty"`
}

func (ImageProcessedPayload) EventType() Type { return TypeImageProcessed }

// IntermediateAggregatedPayload reports partial aggregation progress to
// observers. It does not affect control flow.
type IntermediateAggregatedPayload struct {
	Progress float64        `json:"progress"`
	Stats    map[string]int `json:"stats"`
}

func (IntermediateAggregatedPayload) EventType() Type { return TypeIntermediateAggregated }

// CompletedPayload carries the final aggregation result of a workflow.
type CompletedPayload struct {
	AggregationResult AggregationResult `json:"aggregation_result"`
	WorkflowState     string            `json:"workflow_state"`
	CompletionSummary string            `json:"completion_summary"`
}

func (CompletedPayload) EventType() Type { return TypeWorkflowCompleted }

// AggregationResult is the completion summary written into the report.
type AggregationResult struct {
	// Summary groups counts and word totals by content kind.
	Summary map[Kind]KindSummary `json:"summary"`

	// DurationSeconds is the wall-clock time from workflow start.
	DurationSeconds float64 `json:"duration_seconds"`

	// ItemsPerSecond is content items over wall-clock duration.
	ItemsPerSecond float64 `json:"items_per_second"`

	// ImageFormats histograms processed image formats.
	ImageFormats map[string]int `json:"image_formats"`

	// Errors is non-empty when the workflow flushed partial results.
	Errors []string `json:"errors,omitempty"`
}

// KindSummary totals one content kind.
type KindSummary struct {
	Count      int `json:"count"`
	TotalWords int `json:"total_words"`
}

// ReportGeneratedPayload announces that the report and per-item files have
// been written to the output sink.
type ReportGeneratedPayload struct {
	Report         string   `json:"report"`
	Format         string   `json:"format"`
	OutputDir      string   `json:"output_dir"`
	FilesGenerated []string `json:"files_generated"`
}

func (ReportGeneratedPayload) EventType() Type { return TypeReportGenerated }

// FailedPayload carries the failure reason and, when a worker failed to
// process a specific event, that original event.
type FailedPayload struct {
	Reason        string `json:"reason"`
	Error         string `json:"error,omitempty"`
	WorkerID      string `json:"worker_id,omitempty"`
	OriginalEvent *Event `json:"original_event,omitempty"`
}

func (FailedPayload) EventType() Type { return TypeWorkflowFailed }

// SuspendedPayload signals cancellation of a workflow.
type SuspendedPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (SuspendedPayload) EventType() Type { return TypeWorkflowSuspended }

// TaskStartedPayload marks the start of one tracked step execution.
type TaskStartedPayload struct {
	StepID   string `json:"step_id"`
	WorkerID string `json:"worker_id"`
}

func (TaskStartedPayload) EventType() Type { return TypeTaskStarted }

// TaskCompletedPayload marks the completion of one tracked step execution.
type TaskCompletedPayload struct {
	StepID     string  `json:"step_id"`
	WorkerID   string  `json:"worker_id"`
	DurationMS float64 `json:"duration_ms"`
}

func (TaskCompletedPayload) EventType() Type { return TypeTaskCompleted }

// TaskFailedPayload marks a non-retryable failure of one step execution.
type TaskFailedPayload struct {
	StepID   string `json:"step_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (TaskFailedPayload) EventType() Type { return TypeTaskFailed }
