package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/processing"
	"github.com/talknote/ingest/common/queue"
	"github.com/talknote/ingest/common/storage"
	"github.com/talknote/ingest/common/telemetry"
)

// ProcessTopic is the queue topic carrying finalized media ids
const ProcessTopic = "media.process"

const previewRunes = 200

// ProcessMessage is the payload published for each finalized asset
type ProcessMessage struct {
	MediaID string `json:"media_id"`
}

// DispatchService hands finalized assets to processors and records the outcome
type DispatchService struct {
	backend   storage.Backend
	queue     queue.Queue
	registry  *processing.Registry
	records   repository.RecordRepository
	telemetry *telemetry.Telemetry
	log       *logger.Logger
	now       func() time.Time
}

// NewDispatchService creates a new dispatch service
func NewDispatchService(
	backend storage.Backend,
	q queue.Queue,
	registry *processing.Registry,
	records repository.RecordRepository,
	tel *telemetry.Telemetry,
	log *logger.Logger,
) *DispatchService {
	return &DispatchService{
		backend:   backend,
		queue:     q,
		registry:  registry,
		records:   records,
		telemetry: tel,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch publishes a processing request for a media id that is already
// in processing. A publish failure marks the asset failed.
func (s *DispatchService) Dispatch(ctx context.Context, mediaID string) error {
	payload, err := json.Marshal(ProcessMessage{MediaID: mediaID})
	if err != nil {
		return fmt.Errorf("failed to encode process message: %w", err)
	}

	if err := s.queue.Publish(ctx, ProcessTopic, mediaID, payload); err != nil {
		s.log.Error("failed to dispatch media", "media_id", mediaID, "error", err)
		if markErr := s.markFailed(ctx, mediaID, fmt.Sprintf("DispatchError: %v", err)); markErr != nil {
			s.log.Error("failed to record dispatch failure", "media_id", mediaID, "error", markErr)
		}
		return fmt.Errorf("failed to dispatch media %s: %w", mediaID, err)
	}

	s.log.Info("dispatched media for processing", "media_id", mediaID, "topic", ProcessTopic)
	return nil
}

// Start subscribes Process to the processing topic
func (s *DispatchService) Start(ctx context.Context) error {
	return s.queue.Subscribe(ctx, ProcessTopic, s.HandleMessage)
}

// HandleMessage decodes a queue message and processes it
func (s *DispatchService) HandleMessage(ctx context.Context, key string, value []byte) error {
	var msg ProcessMessage
	if err := json.Unmarshal(value, &msg); err != nil || msg.MediaID == "" {
		// Undecodable messages can never succeed
		s.log.Warn("dropping malformed process message", "key", key, "error", err)
		return nil
	}
	return s.Process(ctx, msg.MediaID)
}

// Process runs the processor for one asset. Only assets still in
// processing are touched, so redelivered messages are no-ops. Processor
// failures are recorded on the asset and not returned; an error is
// returned only when the outcome itself could not be stored.
func (s *DispatchService) Process(ctx context.Context, mediaID string) error {
	start := time.Now()
	log := s.log.WithMediaID(mediaID)

	meta, err := s.backend.ReadStatus(ctx, mediaID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			log.Warn("media vanished before processing")
			return nil
		}
		return fmt.Errorf("failed to read media status: %w", err)
	}
	if meta.Status != storage.StatusProcessing {
		log.Debug("skipping media not in processing", "status", meta.Status)
		return nil
	}

	proc := s.registry.For(meta.Kind)
	log.Info("processing media", "kind", meta.Kind, "processor", processing.Describe(proc))

	record, err := s.run(ctx, meta, proc)
	if err != nil {
		log.Warn("media processing failed", "error", err)
		s.telemetry.RecordDuration("media.process", start, "media_id", mediaID, "outcome", "failed")
		return s.markFailed(ctx, mediaID, describeFailure(err))
	}

	_, err = s.backend.UpdateMetadata(ctx, mediaID, func(m *storage.Metadata) error {
		if m.Status != storage.StatusProcessing {
			return apperrors.New(apperrors.KindConflict, "service.Process", "media %s left processing", mediaID)
		}
		processedAt := s.now()
		m.Status = storage.StatusCompleted
		m.Progress = 1
		m.ErrorMessage = ""
		m.ProcessedAt = &processedAt
		m.Result = map[string]any{
			"record_id":   record.ID.String(),
			"record_kind": record.Kind,
			"provider":    record.Provider,
			"text_length": utf8.RuneCountInString(record.Text),
			"confidence":  record.Confidence,
			"language":    record.Language,
			"preview":     preview(record.Text),
		}
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindConflict || apperrors.KindOf(err) == apperrors.KindNotFound {
			log.Warn("media changed during processing", "error", err)
			return nil
		}
		return fmt.Errorf("failed to record processing result: %w", err)
	}

	s.telemetry.RecordDuration("media.process", start, "media_id", mediaID, "outcome", "completed")
	log.Info("media processed", "record_id", record.ID, "provider", record.Provider)
	return nil
}

func (s *DispatchService) run(ctx context.Context, meta *storage.Metadata, proc processing.Processor) (*models.DerivedRecord, error) {
	blob, err := s.backend.OpenBlob(ctx, meta.MediaID)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	var buf bytes.Buffer
	if meta.ByteSize > 0 {
		buf.Grow(int(meta.ByteSize))
	}
	if _, err := io.Copy(&buf, blob); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "service.Process", err)
	}

	out, err := proc.Process(ctx, processing.Input{
		MediaID:  meta.MediaID,
		MimeType: meta.MimeType,
		Data:     buf.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	record, err := s.records.Upsert(ctx, &models.DerivedRecord{
		ID:         uuid.New(),
		MediaID:    meta.MediaID,
		Owner:      meta.Owner,
		Provider:   proc.Provider(),
		Kind:       proc.RecordKind(),
		Text:       out.Text,
		Confidence: out.Confidence,
		Language:   out.Language,
		Metadata:   out.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, "service.Process", err)
	}
	return record, nil
}

func (s *DispatchService) markFailed(ctx context.Context, mediaID, message string) error {
	_, err := s.backend.UpdateMetadata(ctx, mediaID, func(m *storage.Metadata) error {
		processedAt := s.now()
		m.Status = storage.StatusFailed
		m.ErrorMessage = message
		m.ProcessedAt = &processedAt
		return nil
	})
	if apperrors.KindOf(err) == apperrors.KindNotFound {
		return nil
	}
	if err == nil {
		s.telemetry.RecordEvent("media.failed", map[string]any{"media_id": mediaID, "error": message})
	}
	return err
}

// describeFailure renders "<type>: <message>" for the asset error field
func describeFailure(err error) string {
	var kind string
	switch apperrors.KindOf(err) {
	case apperrors.KindProcessing:
		kind = "ProcessingError"
	case apperrors.KindStorage:
		kind = "StorageError"
	case apperrors.KindExtract:
		kind = "ExtractError"
	case apperrors.KindValidation:
		kind = "ValidationError"
	case apperrors.KindNotFound:
		kind = "NotFoundError"
	default:
		kind = "InternalError"
	}
	return fmt.Sprintf("%s: %v", kind, err)
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	return string([]rune(text)[:previewRunes]) + "…"
}
