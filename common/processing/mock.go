package processing

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const maxTitleRunes = 60

// MockProvider answers deterministically without network access
type MockProvider struct{}

// NewMockProvider creates the offline provider used in development and tests
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Output, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio")
	}
	return &Output{
		Text:       fmt.Sprintf("Transcription of %d bytes of %s audio.", len(audio), mimeType),
		Confidence: 0.9,
		Language:   "en",
		Metadata:   map[string]any{"model": "mock-stt"},
	}, nil
}

func (m *MockProvider) Extract(ctx context.Context, data []byte, mimeType string) (*Output, error) {
	if IsPlainText(mimeType) {
		return PlainTextExtractor{}.Extract(ctx, data, mimeType)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	return &Output{
		Text:       fmt.Sprintf("Extracted text from %d bytes of %s.", len(data), mimeType),
		Confidence: 0.8,
		Metadata:   map[string]any{"model": "mock-ocr"},
	}, nil
}

// Title uses the first non-empty line, title-cased and truncated
func (m *MockProvider) Title(ctx context.Context, text string) (string, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleRunes {
			line = string([]rune(line)[:maxTitleRunes])
		}
		return cases.Title(language.Und).String(line), nil
	}
	return "", fmt.Errorf("no text to title")
}
