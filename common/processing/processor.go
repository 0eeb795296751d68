package processing

import (
	"context"
	"fmt"

	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/storage"
)

// Record kinds written to the derived record store
const (
	RecordTranscript    = "transcript"
	RecordOCRText       = "ocr_text"
	RecordExtractedText = "extracted_text"
	RecordPassthrough   = "passthrough"
)

// Input is one finalized asset handed to a processor
type Input struct {
	MediaID  string
	MimeType string
	Data     []byte
}

// Processor handles one media kind
type Processor interface {
	// Provider names the producer; together with the media id it keys the derived record.
	Provider() string
	RecordKind() string
	Process(ctx context.Context, in Input) (*Output, error)
}

// TranscriptionProcessor sends audio to a Transcriber
type TranscriptionProcessor struct {
	transcriber Transcriber
	provider    string
}

// NewTranscriptionProcessor creates an audio processor
func NewTranscriptionProcessor(t Transcriber, provider string) *TranscriptionProcessor {
	return &TranscriptionProcessor{transcriber: t, provider: provider}
}

func (p *TranscriptionProcessor) Provider() string   { return p.provider + ":stt" }
func (p *TranscriptionProcessor) RecordKind() string { return RecordTranscript }

func (p *TranscriptionProcessor) Process(ctx context.Context, in Input) (*Output, error) {
	out, err := p.transcriber.Transcribe(ctx, in.Data, in.MimeType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessing, "processing.Transcribe", err)
	}
	return out, nil
}

// OCRProcessor extracts text from images
type OCRProcessor struct {
	extractor Extractor
	provider  string
}

// NewOCRProcessor creates an image processor
func NewOCRProcessor(e Extractor, provider string) *OCRProcessor {
	return &OCRProcessor{extractor: e, provider: provider}
}

func (p *OCRProcessor) Provider() string   { return p.provider + ":ocr" }
func (p *OCRProcessor) RecordKind() string { return RecordOCRText }

func (p *OCRProcessor) Process(ctx context.Context, in Input) (*Output, error) {
	out, err := p.extractor.Extract(ctx, in.Data, in.MimeType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessing, "processing.OCR", err)
	}
	return out, nil
}

// DocumentProcessor reads plain text locally and sends everything else to the extractor
type DocumentProcessor struct {
	extractor Extractor
	plain     PlainTextExtractor
	provider  string
}

// NewDocumentProcessor creates a document processor
func NewDocumentProcessor(e Extractor, provider string) *DocumentProcessor {
	return &DocumentProcessor{extractor: e, provider: provider}
}

func (p *DocumentProcessor) Provider() string   { return p.provider + ":extract" }
func (p *DocumentProcessor) RecordKind() string { return RecordExtractedText }

func (p *DocumentProcessor) Process(ctx context.Context, in Input) (*Output, error) {
	var (
		out *Output
		err error
	)
	if IsPlainText(in.MimeType) {
		out, err = p.plain.Extract(ctx, in.Data, in.MimeType)
	} else {
		out, err = p.extractor.Extract(ctx, in.Data, in.MimeType)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindProcessing, "processing.Extract", err)
	}
	return out, nil
}

// PassthroughProcessor records the asset without calling a provider
type PassthroughProcessor struct{}

func (PassthroughProcessor) Provider() string   { return "passthrough" }
func (PassthroughProcessor) RecordKind() string { return RecordPassthrough }

func (PassthroughProcessor) Process(ctx context.Context, in Input) (*Output, error) {
	return &Output{
		Confidence: 1,
		Metadata: map[string]any{
			"mime_type": in.MimeType,
			"byte_size": len(in.Data),
		},
	}, nil
}

// Registry picks a processor by media kind
type Registry struct {
	byKind   map[storage.Kind]Processor
	fallback Processor
}

// NewRegistry wires the standard processors around one provider
func NewRegistry(p Provider) *Registry {
	return &Registry{
		byKind: map[storage.Kind]Processor{
			storage.KindAudio:    NewTranscriptionProcessor(p, p.Name()),
			storage.KindImage:    NewOCRProcessor(p, p.Name()),
			storage.KindDocument: NewDocumentProcessor(p, p.Name()),
		},
		fallback: PassthroughProcessor{},
	}
}

// Register overrides the processor for a kind
func (r *Registry) Register(kind storage.Kind, p Processor) {
	r.byKind[kind] = p
}

// For returns the processor for kind, or pass-through
func (r *Registry) For(kind storage.Kind) Processor {
	if p, ok := r.byKind[kind]; ok {
		return p
	}
	return r.fallback
}

// Describe is a short label for logs
func Describe(p Processor) string {
	return fmt.Sprintf("%s/%s", p.Provider(), p.RecordKind())
}
