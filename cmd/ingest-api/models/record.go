package models

import (
	"time"

	"github.com/google/uuid"
)

// DerivedRecord is the processing output stored per (media, provider)
// Maps to: derived_records table
type DerivedRecord struct {
	ID       uuid.UUID `db:"id" json:"id"`
	MediaID  string    `db:"media_id" json:"media_id"`
	Owner    string    `db:"owner" json:"owner"`
	Provider string    `db:"provider" json:"provider"`

	// transcript | ocr_text | extracted_text | passthrough
	Kind string `db:"kind" json:"kind"`

	Text       string         `db:"text" json:"text"`
	Confidence float64        `db:"confidence" json:"confidence"`
	Language   string         `db:"language" json:"language,omitempty"`
	Metadata   map[string]any `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
