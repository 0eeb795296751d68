package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/cache"
)

// ImportJobRepository persists import jobs in a key-value cache.
// Entries expire after the retention window.
type ImportJobRepository struct {
	store     cache.Cache
	retention time.Duration
}

// NewImportJobRepository creates a job repository over store
func NewImportJobRepository(store cache.Cache, retention time.Duration) *ImportJobRepository {
	return &ImportJobRepository{store: store, retention: retention}
}

func importJobKey(id string) string {
	return "import_job:" + id
}

// Save writes the full job, replacing any previous version
func (r *ImportJobRepository) Save(ctx context.Context, job *models.ImportJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode import job: %w", err)
	}
	if err := r.store.Set(ctx, importJobKey(job.ImportID), data, r.retention); err != nil {
		return fmt.Errorf("failed to save import job: %w", err)
	}
	return nil
}

// Get loads a job by id
func (r *ImportJobRepository) Get(ctx context.Context, id string) (*models.ImportJob, error) {
	data, ok, err := r.store.Get(ctx, importJobKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get import job: %w", err)
	}
	if !ok {
		return nil, apperrors.NotFoundf("repository.ImportJob.Get", "import %s not found", id)
	}

	job := &models.ImportJob{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to decode import job: %w", err)
	}
	return job, nil
}
