// Package processing turns a finalized blob into a derived record through
// swappable AI providers.
package processing

import (
	"context"
)

// Output is what a provider returns for one asset
type Output struct {
	Text       string         `json:"text"`
	Confidence float64        `json:"confidence"`
	Language   string         `json:"language,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Transcriber converts speech audio to text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*Output, error)
}

// Extractor pulls text from documents and images
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Output, error)
}

// TitleGenerator proposes a short title for a body of text
type TitleGenerator interface {
	Title(ctx context.Context, text string) (string, error)
}

// Provider bundles every capability behind one name
type Provider interface {
	Transcriber
	Extractor
	TitleGenerator
	Name() string
}
