package models

import (
	"time"
)

// ImportKind is where an import reads from
type ImportKind string

const (
	ImportKindURL  ImportKind = "url"
	ImportKindFile ImportKind = "file"
)

// ImportStatus is the lifecycle state of an import job
type ImportStatus string

const (
	ImportPending    ImportStatus = "pending"
	ImportProcessing ImportStatus = "processing"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
)

// Error codes recorded on failed imports
const (
	ErrorCodeFetch    = "FETCH_ERROR"
	ErrorCodeExtract  = "EXTRACT_ERROR"
	ErrorCodeInternal = "INTERNAL_ERROR"
)

// Pipeline progress checkpoints
const (
	ProgressFetched   = 0.1
	ProgressExtracted = 0.5
	ProgressEnhanced  = 0.7
	ProgressSplit     = 0.9
	ProgressDone      = 1.0
)

// ImportSource identifies the input of an import
type ImportSource struct {
	Type    ImportKind `json:"type"`
	URL     string     `json:"url,omitempty"`
	MediaID string     `json:"media_id,omitempty"`
}

// ImportOptions tune the pipeline
type ImportOptions struct {
	AutoTitle bool   `json:"auto_title"`
	AutoSplit bool   `json:"auto_split"`
	Format    string `json:"format,omitempty"` // text | markdown
}

// ImportJob is the persisted state of one import
type ImportJob struct {
	ImportID string        `json:"import_id"`
	Kind     ImportKind    `json:"kind"`
	Status   ImportStatus  `json:"status"`
	Progress float64       `json:"progress"`
	Owner    string        `json:"owner"`
	Source   ImportSource  `json:"source"`
	Options  ImportOptions `json:"options"`
	NoteID   string        `json:"note_id"`
	RetryOf  string        `json:"retry_of,omitempty"`

	Title              string         `json:"title,omitempty"`
	TextLength         int            `json:"text_length,omitempty"`
	SourceMetadata     map[string]any `json:"source_metadata,omitempty"`
	ExtractionMetadata map[string]any `json:"extraction_metadata,omitempty"`
	ProcessingTime     float64        `json:"processing_time,omitempty"` // seconds

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Result *ImportResult `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ImportResult is the output of a completed import
type ImportResult struct {
	ImportID       string         `json:"import_id"`
	NoteID         string         `json:"note_id"`
	Title          string         `json:"title"`
	Text           string         `json:"text"`
	TotalPages     int            `json:"total_pages"`
	Pages          []ImportPage   `json:"pages"`
	TextLength     int            `json:"text_length"`
	Metadata       ResultMetadata `json:"metadata"`
	ProcessingTime float64        `json:"processing_time"` // seconds
}

// ImportPage is one ordered slice of the imported text, numbered from 1
type ImportPage struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	Length int    `json:"length"` // runes
}

// ResultMetadata describes where the text came from and how it was read
type ResultMetadata struct {
	Source     map[string]any `json:"source,omitempty"`
	Extraction map[string]any `json:"extraction,omitempty"`
}

// ImportStatusView is returned by the status endpoint
type ImportStatusView struct {
	ImportID     string       `json:"import_id"`
	Status       ImportStatus `json:"status"`
	Progress     float64      `json:"progress"`
	Title        string       `json:"title,omitempty"`
	NoteID       string       `json:"note_id,omitempty"`
	RetryOf      string       `json:"retry_of,omitempty"`
	ErrorCode    string       `json:"error_code,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// StartImportResponse acknowledges a new import
type StartImportResponse struct {
	ImportID         string       `json:"import_id"`
	Status           ImportStatus `json:"status"`
	EstimatedSeconds int          `json:"estimated_seconds"`
	RetryOf          string       `json:"retry_of,omitempty"`
}

// CreateImportRequest is the body of POST /imports
type CreateImportRequest struct {
	Source  ImportSource  `json:"source"`
	Options ImportOptions `json:"options"`
}
