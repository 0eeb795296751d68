package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/lock"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/processing"
	"github.com/talknote/ingest/common/queue"
	"github.com/talknote/ingest/common/storage"
)

// recordingQueue captures publishes so tests drive handlers themselves
type recordingQueue struct {
	mu        sync.Mutex
	published []queue.Message
	failWith  error
}

func (q *recordingQueue) Publish(ctx context.Context, topic, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	q.published = append(q.published, queue.Message{Topic: topic, Key: key, Value: message})
	return nil
}

func (q *recordingQueue) Subscribe(ctx context.Context, topic string, handler queue.MessageHandler) error {
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.published))
	for _, m := range q.published {
		keys = append(keys, m.Key)
	}
	return keys
}

// brokenProcessor always fails like an unavailable provider
type brokenProcessor struct{}

func (brokenProcessor) Provider() string   { return "broken:ocr" }
func (brokenProcessor) RecordKind() string { return processing.RecordOCRText }
func (brokenProcessor) Process(ctx context.Context, in processing.Input) (*processing.Output, error) {
	return nil, apperrors.Wrap(apperrors.KindProcessing, "processing.OCR", errors.New("provider unavailable"))
}

type uploadHarness struct {
	backend  *storage.LocalBackend
	queue    *recordingQueue
	records  *repository.MemoryRecordRepository
	registry *processing.Registry
	dispatch *DispatchService
	uploads  *UploadService
}

func newUploadHarness(t *testing.T) *uploadHarness {
	t.Helper()
	log := logger.Discard()

	backend, err := storage.NewLocalBackend(t.TempDir(), "http://api.test", "test-key", storage.Options{
		MaxDirectUploadSize: 10,
		MaxChunkSize:        100,
	}, log)
	require.NoError(t, err)

	q := &recordingQueue{}
	records := repository.NewMemoryRecordRepository()
	registry := processing.NewRegistry(processing.NewMockProvider())
	dispatch := NewDispatchService(backend, q, registry, records, nil, log)
	uploads := NewUploadService(backend, dispatch, records, lock.NewKeyedMutex(), UploadConfig{
		MaxUploadSize: 1000,
	}, log)

	return &uploadHarness{
		backend:  backend,
		queue:    q,
		records:  records,
		registry: registry,
		dispatch: dispatch,
		uploads:  uploads,
	}
}
