// Package events provides the typed pipeline event stream and its broker.
package events

import "time"

// Event is an immutable record broadcast to subscribers. Events are
// append-only facts about the past; the bus does not retry or deduplicate.
type Event struct {
	// Type is the event type (e.g. "log", "progress", "run_completed").
	Type string `json:"type"`
	// Data is the JSON-serializable payload for the type.
	Data any `json:"data"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Event types published by the pipeline.
const (
	TypeLog                = "log"
	TypeProgress           = "progress"
	TypeDownload           = "download"
	TypeEmbeddingProcessed = "embedding_processed"
	TypeContentExtracted   = "content_extracted"
	TypeContentRewritten   = "content_rewritten"
	TypeRunCompleted       = "run_completed"
)

// Progress subtypes carried in ProgressData.Kind.
const (
	ProgressNewURL      = "new_url"
	ProgressPageCrawled = "page_crawled"
)

// Run completion statuses.
const (
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// LogData is the payload for log events.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ProgressData is the payload for progress events. PageNum and Document are
// only present for subtypes that carry them.
type ProgressData struct {
	Kind     string `json:"type"`
	URL      string `json:"url"`
	PageNum  *int   `json:"page_num,omitempty"`
	Document string `json:"document,omitempty"`
}

// DownloadData is the payload for download events.
type DownloadData struct {
	FileType string `json:"file_type"`
	Filename string `json:"filename"`
}

// EmbeddingProcessedData is the payload for embedding_processed events.
type EmbeddingProcessedData struct {
	Filename string `json:"filename"`
	ChunkID  int    `json:"chunk_id"`
}

// FileData is the payload for content_extracted and content_rewritten events.
type FileData struct {
	Filename string `json:"filename"`
}

// RunCompletedData is the payload for run_completed events.
type RunCompletedData struct {
	RunID           string  `json:"run_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// NewLogEvent creates a log event.
func NewLogEvent(level, message string) Event {
	return Event{Type: TypeLog, Data: LogData{Level: level, Message: message}, Timestamp: time.Now().UTC()}
}

// NewProgressEvent creates a progress event.
func NewProgressEvent(kind, url string) Event {
	return Event{Type: TypeProgress, Data: ProgressData{Kind: kind, URL: url}, Timestamp: time.Now().UTC()}
}

// NewDownloadEvent creates a download event.
func NewDownloadEvent(fileType, filename string) Event {
	return Event{Type: TypeDownload, Data: DownloadData{FileType: fileType, Filename: filename}, Timestamp: time.Now().UTC()}
}

// NewEmbeddingProcessedEvent creates an embedding_processed event.
func NewEmbeddingProcessedEvent(filename string, chunkID int) Event {
	return Event{Type: TypeEmbeddingProcessed, Data: EmbeddingProcessedData{Filename: filename, ChunkID: chunkID}, Timestamp: time.Now().UTC()}
}

// NewContentExtractedEvent creates a content_extracted event.
func NewContentExtractedEvent(filename string) Event {
	return Event{Type: TypeContentExtracted, Data: FileData{Filename: filename}, Timestamp: time.Now().UTC()}
}

// NewContentRewrittenEvent creates a content_rewritten event.
func NewContentRewrittenEvent(filename string) Event {
	return Event{Type: TypeContentRewritten, Data: FileData{Filename: filename}, Timestamp: time.Now().UTC()}
}

// NewRunCompletedEvent creates a run_completed event.
func NewRunCompletedEvent(runID string, duration time.Duration, status, errMsg string) Event {
	return Event{
		Type: TypeRunCompleted,
		Data: RunCompletedData{
			RunID:           runID,
			DurationSeconds: duration.Seconds(),
			Status:          status,
			Error:           errMsg,
		},
		Timestamp: time.Now().UTC(),
	}
}
