package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/fetcher"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/processing"
	"github.com/talknote/ingest/common/queue"
	"github.com/talknote/ingest/common/storage"
	"github.com/talknote/ingest/common/telemetry"
	"github.com/talknote/ingest/common/textsplit"
)

// ImportTopic is the in-process topic driving import pipelines
const ImportTopic = "import.run"

const (
	estimateURLSeconds  = 30
	estimateFileSeconds = 60
	maxDefaultTitle     = 60
	titleSampleRunes    = 500
)

// ImportConfig tunes the import pipeline
type ImportConfig struct {
	PageLimit    int
	SplitEnabled bool
}

// ImportService runs URL and file imports as background jobs
type ImportService struct {
	jobs      *repository.ImportJobRepository
	pool      queue.Queue
	fetcher   fetcher.Fetcher
	backend   storage.Backend
	registry  *processing.Registry
	titles    processing.TitleGenerator
	telemetry *telemetry.Telemetry
	cfg       ImportConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewImportService creates a new import service
func NewImportService(
	jobs *repository.ImportJobRepository,
	pool queue.Queue,
	f fetcher.Fetcher,
	backend storage.Backend,
	registry *processing.Registry,
	titles processing.TitleGenerator,
	tel *telemetry.Telemetry,
	cfg ImportConfig,
	log *logger.Logger,
) *ImportService {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 2000
	}
	return &ImportService{
		jobs:      jobs,
		pool:      pool,
		fetcher:   f,
		backend:   backend,
		registry:  registry,
		titles:    titles,
		telemetry: tel,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes the pipeline runner to the import pool
func (s *ImportService) Start(ctx context.Context) error {
	return s.pool.Subscribe(ctx, ImportTopic, func(ctx context.Context, key string, value []byte) error {
		s.Run(ctx, key)
		return nil
	})
}

// Create validates a request and starts the matching import
func (s *ImportService) Create(ctx context.Context, owner string, req *models.CreateImportRequest) (*models.StartImportResponse, error) {
	switch req.Source.Type {
	case models.ImportKindURL:
		return s.StartURL(ctx, owner, req.Source.URL, req.Options)
	case models.ImportKindFile:
		return s.StartFile(ctx, owner, req.Source.MediaID, req.Options)
	}
	return nil, apperrors.Validationf("service.CreateImport", "source.type must be url or file, got %q", req.Source.Type)
}

// StartURL creates an import job for a web page
func (s *ImportService) StartURL(ctx context.Context, owner, rawURL string, opts models.ImportOptions) (*models.StartImportResponse, error) {
	const op = "service.StartURL"

	u, err := fetcher.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := normalizeOptions(op, &opts); err != nil {
		return nil, err
	}

	job := s.newJob(owner, models.ImportSource{Type: models.ImportKindURL, URL: u.String()}, opts)
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}

	return &models.StartImportResponse{
		ImportID:         job.ImportID,
		Status:           job.Status,
		EstimatedSeconds: estimateURLSeconds,
	}, nil
}

// StartFile creates an import job for an uploaded asset the owner holds
func (s *ImportService) StartFile(ctx context.Context, owner, mediaID string, opts models.ImportOptions) (*models.StartImportResponse, error) {
	const op = "service.StartFile"

	if mediaID == "" {
		return nil, apperrors.Validationf(op, "source.media_id is required")
	}
	if err := normalizeOptions(op, &opts); err != nil {
		return nil, err
	}

	meta, err := s.backend.ReadStatus(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if meta.Owner != owner {
		return nil, apperrors.Permissionf(op, "media %s belongs to another user", mediaID)
	}
	if !meta.Finalized() {
		return nil, apperrors.Validationf(op, "media %s has not finished uploading", mediaID)
	}

	job := s.newJob(owner, models.ImportSource{Type: models.ImportKindFile, MediaID: mediaID}, opts)
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}

	return &models.StartImportResponse{
		ImportID:         job.ImportID,
		Status:           job.Status,
		EstimatedSeconds: estimateFileSeconds,
	}, nil
}

// Status returns the progress view of a job
func (s *ImportService) Status(ctx context.Context, owner, id string) (*models.ImportStatusView, error) {
	job, err := s.load(ctx, "service.ImportStatus", owner, id)
	if err != nil {
		return nil, err
	}
	return &models.ImportStatusView{
		ImportID:     job.ImportID,
		Status:       job.Status,
		Progress:     job.Progress,
		Title:        job.Title,
		NoteID:       job.NoteID,
		RetryOf:      job.RetryOf,
		ErrorCode:    job.ErrorCode,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
	}, nil
}

// Result returns the output of a completed job
func (s *ImportService) Result(ctx context.Context, owner, id string) (*models.ImportResult, error) {
	const op = "service.ImportResult"

	job, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.ImportCompleted || job.Result == nil {
		return nil, apperrors.Validationf(op, "import %s is %s, not completed", id, job.Status)
	}
	return job.Result, nil
}

// Retry starts a new job with the source and options of a failed one
func (s *ImportService) Retry(ctx context.Context, owner, id string) (*models.StartImportResponse, error) {
	const op = "service.RetryImport"

	prev, err := s.load(ctx, op, owner, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != models.ImportFailed {
		return nil, apperrors.New(apperrors.KindConflict, op, "import %s is %s; only failed imports can be retried", id, prev.Status)
	}

	job := s.newJob(owner, prev.Source, prev.Options)
	job.RetryOf = prev.ImportID
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}

	estimate := estimateURLSeconds
	if job.Kind == models.ImportKindFile {
		estimate = estimateFileSeconds
	}
	return &models.StartImportResponse{
		ImportID:         job.ImportID,
		Status:           job.Status,
		EstimatedSeconds: estimate,
		RetryOf:          prev.ImportID,
	}, nil
}

func (s *ImportService) load(ctx context.Context, op, owner, id string) (*models.ImportJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.Validationf(op, "invalid import id %q", id)
	}
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, apperrors.Permissionf(op, "import %s belongs to another user", id)
	}
	return job, nil
}

func (s *ImportService) newJob(owner string, src models.ImportSource, opts models.ImportOptions) *models.ImportJob {
	id := uuid.NewString()
	now := s.now()
	return &models.ImportJob{
		ImportID:  id,
		Kind:      src.Type,
		Status:    models.ImportPending,
		Owner:     owner,
		Source:    src,
		Options:   opts,
		NoteID:    "import_" + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// enqueue stores a pending job and schedules it on the pool
func (s *ImportService) enqueue(ctx context.Context, job *models.ImportJob) error {
	if err := s.jobs.Save(ctx, job); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, "service.enqueueImport", err)
	}

	payload, _ := json.Marshal(map[string]string{"import_id": job.ImportID})
	if err := s.pool.Publish(ctx, ImportTopic, job.ImportID, payload); err != nil {
		s.fail(ctx, job, models.ErrorCodeInternal, fmt.Errorf("schedule import: %w", err))
		return apperrors.Wrap(apperrors.KindInternal, "service.enqueueImport", err)
	}

	s.log.Info("import queued",
		"import_id", job.ImportID,
		"kind", job.Kind,
		"owner", job.Owner,
		"retry_of", job.RetryOf,
	)
	return nil
}

// extraction is what the fetch and extract stages hand to the rest of the pipeline
type extraction struct {
	title       string
	text        string
	sourceMeta  map[string]any
	extractMeta map[string]any
}

// Run executes the pipeline for one job. Only pending jobs are run, so a
// duplicate schedule does nothing.
func (s *ImportService) Run(ctx context.Context, id string) {
	start := time.Now()
	log := s.log.WithImportID(id)

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		log.Error("failed to load import job", "error", err)
		return
	}
	if job.Status != models.ImportPending {
		log.Debug("skipping import not pending", "status", job.Status)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("import pipeline panicked", "panic", r)
			s.fail(ctx, job, models.ErrorCodeInternal, fmt.Errorf("unexpected error: %v", r))
		}
	}()

	job.Status = models.ImportProcessing
	if err := s.save(ctx, job); err != nil {
		log.Error("failed to mark import processing", "error", err)
		return
	}

	ex, code, err := s.acquire(ctx, job)
	if err != nil {
		s.fail(ctx, job, code, err)
		s.telemetry.RecordDuration("import.run", start, "import_id", id, "outcome", "failed")
		return
	}
	s.advance(ctx, job, models.ProgressExtracted)

	// Enhance
	stage := time.Now()
	title := s.enhance(ctx, job, ex)
	job.Title = title
	s.advance(ctx, job, models.ProgressEnhanced)
	s.telemetry.RecordDuration("import.enhance", stage, "import_id", id)

	// Split
	pages := []string{ex.text}
	if job.Options.AutoSplit && s.cfg.SplitEnabled && utf8.RuneCountInString(ex.text) > s.cfg.PageLimit {
		pages = textsplit.Split(ex.text, s.cfg.PageLimit)
	}
	s.advance(ctx, job, models.ProgressSplit)

	// Finalize
	elapsed := time.Since(start).Seconds()
	completedAt := s.now()
	textLength := utf8.RuneCountInString(ex.text)
	job.Status = models.ImportCompleted
	job.Progress = models.ProgressDone
	job.TextLength = textLength
	job.SourceMetadata = ex.sourceMeta
	job.ExtractionMetadata = ex.extractMeta
	job.ProcessingTime = elapsed
	job.CompletedAt = &completedAt
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.Result = &models.ImportResult{
		ImportID:   job.ImportID,
		NoteID:     job.NoteID,
		Title:      title,
		Text:       ex.text,
		TotalPages: len(pages),
		Pages:      numberPages(pages),
		TextLength: textLength,
		Metadata: models.ResultMetadata{
			Source:     ex.sourceMeta,
			Extraction: ex.extractMeta,
		},
		ProcessingTime: elapsed,
	}
	if err := s.save(ctx, job); err != nil {
		log.Error("failed to store import result", "error", err)
		return
	}

	s.telemetry.RecordDuration("import.run", start, "import_id", id, "outcome", "completed")
	log.Info("import completed",
		"kind", job.Kind,
		"text_length", textLength,
		"pages", len(pages),
	)
}

func numberPages(texts []string) []models.ImportPage {
	pages := make([]models.ImportPage, len(texts))
	for i, t := range texts {
		pages[i] = models.ImportPage{Number: i + 1, Text: t, Length: utf8.RuneCountInString(t)}
	}
	return pages
}

// acquire runs the fetch and extract stages, returning the failure code on error
func (s *ImportService) acquire(ctx context.Context, job *models.ImportJob) (*extraction, string, error) {
	switch job.Kind {
	case models.ImportKindURL:
		return s.acquireURL(ctx, job)
	case models.ImportKindFile:
		return s.acquireFile(ctx, job)
	}
	return nil, models.ErrorCodeInternal, fmt.Errorf("unknown import kind %q", job.Kind)
}

func (s *ImportService) acquireURL(ctx context.Context, job *models.ImportJob) (*extraction, string, error) {
	stage := time.Now()
	doc, err := s.fetcher.Fetch(ctx, job.Source.URL)
	if err != nil {
		return nil, models.ErrorCodeFetch, err
	}
	s.telemetry.RecordDuration("import.fetch", stage, "import_id", job.ImportID)
	s.advance(ctx, job, models.ProgressFetched)

	stage = time.Now()
	page, err := s.fetcher.Extract(ctx, doc, job.Options.Format)
	if err != nil {
		return nil, models.ErrorCodeExtract, err
	}
	s.telemetry.RecordDuration("import.extract", stage, "import_id", job.ImportID)

	return &extraction{
		title:      page.Title,
		text:       page.Text,
		sourceMeta: page.Metadata,
		extractMeta: map[string]any{
			"method": "readability",
			"format": job.Options.Format,
		},
	}, "", nil
}

func (s *ImportService) acquireFile(ctx context.Context, job *models.ImportJob) (*extraction, string, error) {
	stage := time.Now()
	meta, err := s.backend.ReadStatus(ctx, job.Source.MediaID)
	if err != nil {
		return nil, models.ErrorCodeFetch, err
	}
	blob, err := s.backend.OpenBlob(ctx, job.Source.MediaID)
	if err != nil {
		return nil, models.ErrorCodeFetch, err
	}
	var buf bytes.Buffer
	_, err = io.Copy(&buf, blob)
	blob.Close()
	if err != nil {
		return nil, models.ErrorCodeFetch, apperrors.Wrap(apperrors.KindFetch, "service.acquireFile", err)
	}
	s.telemetry.RecordDuration("import.fetch", stage, "import_id", job.ImportID)
	s.advance(ctx, job, models.ProgressFetched)

	stage = time.Now()
	proc := s.registry.For(meta.Kind)
	out, err := proc.Process(ctx, processing.Input{
		MediaID:  meta.MediaID,
		MimeType: meta.MimeType,
		Data:     buf.Bytes(),
	})
	if err != nil {
		return nil, models.ErrorCodeExtract, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, models.ErrorCodeExtract, apperrors.New(apperrors.KindExtract, "service.acquireFile", "no text extracted from media %s", meta.MediaID)
	}
	s.telemetry.RecordDuration("import.extract", stage, "import_id", job.ImportID)

	extractMeta := map[string]any{
		"method":   processing.Describe(proc),
		"provider": proc.Provider(),
	}
	if out.Language != "" {
		extractMeta["language"] = out.Language
	}
	if out.Confidence > 0 {
		extractMeta["confidence"] = out.Confidence
	}
	for k, v := range out.Metadata {
		extractMeta[k] = v
	}

	return &extraction{
		text: out.Text,
		sourceMeta: map[string]any{
			"media_id":  meta.MediaID,
			"mime_type": meta.MimeType,
			"byte_size": meta.ByteSize,
			"kind":      string(meta.Kind),
		},
		extractMeta: extractMeta,
	}, "", nil
}

// enhance picks the title. A generator failure falls back to the default.
func (s *ImportService) enhance(ctx context.Context, job *models.ImportJob, ex *extraction) string {
	fallback := defaultTitle(ex)
	if !job.Options.AutoTitle || s.titles == nil {
		return fallback
	}

	sample := ex.text
	if utf8.RuneCountInString(sample) > titleSampleRunes {
		sample = string([]rune(sample)[:titleSampleRunes])
	}
	title, err := s.titles.Title(ctx, sample)
	if err != nil {
		s.log.Warn("title generation failed, using default", "import_id", job.ImportID, "error", err)
		return fallback
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return fallback
	}
	return title
}

func defaultTitle(ex *extraction) string {
	if t := strings.TrimSpace(ex.title); t != "" {
		return t
	}
	for _, line := range strings.Split(ex.text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxDefaultTitle {
			line = string([]rune(line)[:maxDefaultTitle])
		}
		return line
	}
	return "Untitled import"
}

// advance raises progress; it never moves backwards
func (s *ImportService) advance(ctx context.Context, job *models.ImportJob, progress float64) {
	if progress <= job.Progress {
		return
	}
	job.Progress = progress
	if err := s.save(ctx, job); err != nil {
		s.log.Warn("failed to record import progress", "import_id", job.ImportID, "progress", progress, "error", err)
	}
}

func (s *ImportService) fail(ctx context.Context, job *models.ImportJob, code string, cause error) {
	completedAt := s.now()
	job.Status = models.ImportFailed
	job.ErrorCode = code
	job.ErrorMessage = cause.Error()
	job.CompletedAt = &completedAt
	if err := s.save(ctx, job); err != nil {
		s.log.Error("failed to record import failure", "import_id", job.ImportID, "error", err)
		return
	}
	s.telemetry.RecordEvent("import.failed", map[string]any{
		"import_id":  job.ImportID,
		"error_code": code,
		"retryable":  apperrors.Retryable(cause),
	})
	s.log.Warn("import failed", "import_id", job.ImportID, "error_code", code, "error", cause)
}

func (s *ImportService) save(ctx context.Context, job *models.ImportJob) error {
	job.UpdatedAt = s.now()
	return s.jobs.Save(ctx, job)
}

func normalizeOptions(op string, opts *models.ImportOptions) error {
	switch opts.Format {
	case "":
		opts.Format = fetcher.FormatText
	case fetcher.FormatText, fetcher.FormatMarkdown:
	default:
		return apperrors.Validationf(op, "options.format must be text or markdown, got %q", opts.Format)
	}
	return nil
}
