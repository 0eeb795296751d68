package repository

import (
	"context"

	"github.com/talknote/ingest/cmd/ingest-api/models"
)

// RecordRepository stores derived records keyed by (media_id, provider)
type RecordRepository interface {
	// Upsert inserts or replaces the record for (media_id, provider) and
	// returns the stored row. A soft-deleted row is revived.
	Upsert(ctx context.Context, rec *models.DerivedRecord) (*models.DerivedRecord, error)
	GetByMedia(ctx context.Context, mediaID string) ([]*models.DerivedRecord, error)
	SoftDeleteByMedia(ctx context.Context, mediaID string) (int64, error)
}
