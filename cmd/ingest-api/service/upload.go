package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/lock"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/storage"
)

// maxDownloadTTL is the longest validity a presigned S3 URL may carry
const maxDownloadTTL = 7 * 24 * time.Hour

// Dispatcher hands a media id that entered processing to the processing pipeline
type Dispatcher interface {
	Dispatch(ctx context.Context, mediaID string) error
}

// DownloadVerifier checks signed download links issued by a backend
type DownloadVerifier interface {
	VerifyDownload(id, expires, sig string) error
}

// UploadConfig bounds what clients may upload
type UploadConfig struct {
	MaxUploadSize  int64
	DownloadURLTTL time.Duration

	// StalledAfter is how long an asset may sit in processing before
	// Reprocess may re-drive it
	StalledAfter time.Duration
}

// UploadService coordinates the upload lifecycle of media assets
type UploadService struct {
	backend    storage.Backend
	dispatcher Dispatcher
	records    repository.RecordRepository
	locker     lock.Locker
	cfg        UploadConfig
	log        *logger.Logger
	now        func() time.Time
}

// NewUploadService creates a new upload service
func NewUploadService(
	backend storage.Backend,
	dispatcher Dispatcher,
	records repository.RecordRepository,
	locker lock.Locker,
	cfg UploadConfig,
	log *logger.Logger,
) *UploadService {
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = time.Hour
	}
	return &UploadService{
		backend:    backend,
		dispatcher: dispatcher,
		records:    records,
		locker:     locker,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// load reads an asset and checks that owner may touch it
func (s *UploadService) load(ctx context.Context, op, owner, id string) (*storage.Metadata, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.Validationf(op, "invalid media id %q", id)
	}
	meta, err := s.backend.ReadStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Owner != owner {
		return nil, apperrors.Permissionf(op, "media %s belongs to another user", id)
	}
	return meta, nil
}

// BeginUpload creates the asset in pending and tells the client how to send bytes
func (s *UploadService) BeginUpload(ctx context.Context, owner string, req *models.CreateUploadRequest) (*storage.UploadTarget, error) {
	const op = "service.BeginUpload"

	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		return nil, apperrors.Validationf(op, "mime_type is required")
	}
	kind, ok := storage.KindFromMime(mimeType)
	if !ok {
		return nil, apperrors.Validationf(op, "unsupported mime type %q", mimeType)
	}
	if req.ByteSize <= 0 {
		return nil, apperrors.Validationf(op, "byte_size must be positive")
	}
	if s.cfg.MaxUploadSize > 0 && req.ByteSize > s.cfg.MaxUploadSize {
		return nil, apperrors.Validationf(op, "byte_size %d exceeds limit %d", req.ByteSize, s.cfg.MaxUploadSize)
	}
	if req.TotalChunks < 0 {
		return nil, apperrors.Validationf(op, "total_chunks must not be negative")
	}

	now := s.now()
	meta := &storage.Metadata{
		MediaID:             uuid.NewString(),
		Owner:               owner,
		Kind:                kind,
		Status:              storage.StatusPending,
		MimeType:            mimeType,
		ByteSize:            req.ByteSize,
		ExpectedTotalChunks: req.TotalChunks,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	target, err := s.backend.IssueUploadTarget(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to issue upload target: %w", err)
	}

	s.log.Info("upload started",
		"media_id", target.MediaID,
		"owner", owner,
		"kind", kind,
		"mode", target.Mode,
		"byte_size", req.ByteSize,
	)

	return target, nil
}

// UploadContent stores the whole body of a direct upload
func (s *UploadService) UploadContent(ctx context.Context, owner, id string, r io.Reader) (*models.MediaStatus, error) {
	const op = "service.UploadContent"

	meta, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if meta.UploadMode != storage.ModeDirect {
		return nil, apperrors.Validationf(op, "media %s uses %s upload", id, meta.UploadMode)
	}

	n, err := s.backend.WriteDirect(ctx, id, r)
	if err != nil {
		return nil, err
	}
	s.log.Info("direct upload stored", "media_id", id, "bytes", n)

	return s.Status(ctx, owner, id)
}

// AcceptChunk stores one chunk of a chunked upload
func (s *UploadService) AcceptChunk(ctx context.Context, owner, id string, index, total int, data []byte) (*models.ChunkResponse, error) {
	const op = "service.AcceptChunk"

	if _, err := s.load(ctx, op, owner, id); err != nil {
		return nil, err
	}

	receipt, err := s.backend.WriteChunk(ctx, id, index, total, data)
	if err != nil {
		return nil, err
	}

	progress := float64(receipt.ReceivedChunks) / float64(receipt.Total)
	if progress > 1 {
		progress = 1
	}

	s.log.Debug("chunk accepted",
		"media_id", id,
		"index", index,
		"total", total,
		"received_chunks", receipt.ReceivedChunks,
	)

	return &models.ChunkResponse{
		MediaID:        id,
		Index:          receipt.Index,
		ReceivedBytes:  receipt.ReceivedBytes,
		ReceivedChunks: receipt.ReceivedChunks,
		Progress:       progress,
		Status:         "success",
	}, nil
}

// Complete finalizes the upload and hands the asset to processing.
// Concurrent or repeated calls for one id observe a single transition;
// the losers get the current state back.
func (s *UploadService) Complete(ctx context.Context, owner, id string, req *models.CompleteRequest) (*models.MediaStatus, error) {
	const op = "service.Complete"

	if req.Total < 0 {
		return nil, apperrors.Validationf(op, "total must not be negative")
	}
	if req.TotalSize < 0 {
		return nil, apperrors.Validationf(op, "total_size must not be negative")
	}

	unlock, err := s.locker.Lock(ctx, "complete:"+id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConflict, op, err)
	}
	defer unlock()

	meta, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}

	switch meta.Status {
	case storage.StatusProcessing, storage.StatusCompleted:
		s.log.Info("duplicate complete ignored", "media_id", id, "status", meta.Status)
		return models.NewMediaStatus(meta), nil
	case storage.StatusFailed:
		return nil, apperrors.New(apperrors.KindConflict, op, "media %s failed; retry it first", id)
	}

	if req.TotalSize > 0 && req.TotalSize != meta.ByteSize {
		return nil, apperrors.Validationf(op, "total_size %d does not match declared size %d", req.TotalSize, meta.ByteSize)
	}
	if req.Total == 0 && meta.UploadMode != storage.ModeDirect {
		return nil, apperrors.Validationf(op, "total is required for chunked uploads")
	}

	result, err := s.backend.Finalize(ctx, id, req.Total, meta.ByteSize, req.Checksum)
	if err != nil {
		s.log.Warn("finalize rejected", "media_id", id, "error", err)
		return nil, err
	}

	meta, err = s.backend.UpdateMetadata(ctx, id, func(m *storage.Metadata) error {
		if m.Status != storage.StatusPending {
			return apperrors.New(apperrors.KindConflict, op, "media %s is %s", id, m.Status)
		}
		m.Status = storage.StatusProcessing
		m.Progress = 1
		m.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("upload completed",
		"media_id", id,
		"size", result.Size,
		"checksum", result.Checksum,
		"blob_ref", result.BlobRef,
	)

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		// The asset is now failed; report that state instead of an error
		return s.Status(ctx, owner, id)
	}

	return models.NewMediaStatus(meta), nil
}

// Status returns the visible state of an asset
func (s *UploadService) Status(ctx context.Context, owner, id string) (*models.MediaStatus, error) {
	meta, err := s.load(ctx, "service.Status", owner, id)
	if err != nil {
		return nil, err
	}
	return models.NewMediaStatus(meta), nil
}

// DownloadURL issues a time-limited reference to the finalized blob
func (s *UploadService) DownloadURL(ctx context.Context, owner, id string, ttl time.Duration) (*models.DownloadResponse, error) {
	const op = "service.DownloadURL"

	meta, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if !meta.Finalized() {
		return nil, apperrors.Validationf(op, "media %s has no content yet", id)
	}

	if ttl <= 0 {
		ttl = s.cfg.DownloadURLTTL
	}
	if ttl > maxDownloadTTL {
		ttl = maxDownloadTTL
	}

	url, expiresAt, err := s.backend.DownloadRef(ctx, id, ttl)
	if err != nil {
		return nil, err
	}

	return &models.DownloadResponse{MediaID: id, URL: url, ExpiresAt: expiresAt}, nil
}

// OpenSignedDownload serves a link produced by DownloadURL on backends that
// sign their own links. The signature stands in for the owner check.
func (s *UploadService) OpenSignedDownload(ctx context.Context, id, expires, sig string) (io.ReadCloser, *storage.Metadata, error) {
	const op = "service.OpenSignedDownload"

	verifier, ok := s.backend.(DownloadVerifier)
	if !ok {
		return nil, nil, apperrors.NotFoundf(op, "signed downloads are not served by the %s backend", s.backend.Name())
	}
	if err := verifier.VerifyDownload(id, expires, sig); err != nil {
		return nil, nil, err
	}

	meta, err := s.backend.ReadStatus(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	blob, err := s.backend.OpenBlob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return blob, meta, nil
}

// Retry returns a failed asset to pending with an empty upload session
func (s *UploadService) Retry(ctx context.Context, owner, id string) (*models.MediaStatus, error) {
	const op = "service.Retry"

	unlock, err := s.locker.Lock(ctx, "complete:"+id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConflict, op, err)
	}
	defer unlock()

	meta, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if meta.Status != storage.StatusFailed {
		return nil, apperrors.New(apperrors.KindConflict, op, "media %s is %s; only failed media can be retried", id, meta.Status)
	}

	if err := s.backend.ResetUpload(ctx, id); err != nil {
		return nil, err
	}

	meta, err = s.backend.UpdateMetadata(ctx, id, func(m *storage.Metadata) error {
		m.Status = storage.StatusPending
		m.Progress = 0
		m.ErrorMessage = ""
		m.Result = nil
		m.ProcessedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("media reset for retry", "media_id", id, "owner", owner)
	return models.NewMediaStatus(meta), nil
}

// Reprocess runs processing again on an already finalized asset. An asset
// stuck in processing longer than StalledAfter is dispatched again, which
// recovers lost process messages.
func (s *UploadService) Reprocess(ctx context.Context, owner, id string) (*models.MediaStatus, error) {
	const op = "service.Reprocess"

	unlock, err := s.locker.Lock(ctx, "complete:"+id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConflict, op, err)
	}
	defer unlock()

	meta, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if !meta.Finalized() {
		return nil, apperrors.Validationf(op, "media %s has no content to process", id)
	}
	switch meta.Status {
	case storage.StatusCompleted, storage.StatusFailed:
	case storage.StatusProcessing:
		if idle := s.now().Sub(meta.UpdatedAt); idle < s.cfg.StalledAfter {
			return nil, apperrors.New(apperrors.KindConflict, op,
				"media %s is processing; it can be re-driven after %s", id, (s.cfg.StalledAfter - idle).Round(time.Second))
		}
		s.log.Warn("re-driving stalled media", "media_id", id, "updated_at", meta.UpdatedAt)
	default:
		return nil, apperrors.New(apperrors.KindConflict, op, "media %s is %s", id, meta.Status)
	}

	meta, err = s.backend.UpdateMetadata(ctx, id, func(m *storage.Metadata) error {
		m.Status = storage.StatusProcessing
		m.ErrorMessage = ""
		m.ProcessedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("media queued for reprocessing", "media_id", id, "owner", owner)

	if err := s.dispatcher.Dispatch(ctx, id); err != nil {
		return s.Status(ctx, owner, id)
	}
	return models.NewMediaStatus(meta), nil
}

// Records lists the derived records of an asset
func (s *UploadService) Records(ctx context.Context, owner, id string) ([]*models.DerivedRecord, error) {
	if _, err := s.load(ctx, "service.Records", owner, id); err != nil {
		return nil, err
	}
	records, err := s.records.GetByMedia(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list derived records: %w", err)
	}
	return records, nil
}

// Delete removes an asset with its bytes and soft-deletes its records
func (s *UploadService) Delete(ctx context.Context, owner, id string) error {
	const op = "service.Delete"

	if _, err := s.load(ctx, op, owner, id); err != nil {
		return err
	}

	n, err := s.records.SoftDeleteByMedia(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete derived records: %w", err)
	}

	removed, err := s.backend.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return apperrors.NotFoundf(op, "media %s not found", id)
	}

	s.log.Info("media deleted", "media_id", id, "owner", owner, "records", n)
	return nil
}
