package repository

import (
	"context"
	"fmt"

	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/common/db"
)

// PostgresRecordRepository handles database operations for derived records
type PostgresRecordRepository struct {
	db *db.DB
}

// NewPostgresRecordRepository creates a new record repository
func NewPostgresRecordRepository(database *db.DB) *PostgresRecordRepository {
	return &PostgresRecordRepository{db: database}
}

// Upsert inserts a record or overwrites the existing (media_id, provider) row
func (r *PostgresRecordRepository) Upsert(ctx context.Context, rec *models.DerivedRecord) (*models.DerivedRecord, error) {
	query := `
		INSERT INTO derived_records (id, media_id, owner, provider, kind, text, confidence, language, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (media_id, provider) DO UPDATE SET
			owner      = EXCLUDED.owner,
			kind       = EXCLUDED.kind,
			text       = EXCLUDED.text,
			confidence = EXCLUDED.confidence,
			language   = EXCLUDED.language,
			metadata   = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			deleted_at = NULL
		RETURNING id, created_at, updated_at
	`

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	out := *rec
	out.DeletedAt = nil
	err := r.db.QueryRow(
		ctx,
		query,
		rec.ID,
		rec.MediaID,
		rec.Owner,
		rec.Provider,
		rec.Kind,
		rec.Text,
		rec.Confidence,
		rec.Language,
		metadata,
		rec.UpdatedAt,
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert derived record: %w", err)
	}

	return &out, nil
}

// GetByMedia lists live records for a media asset, oldest first
func (r *PostgresRecordRepository) GetByMedia(ctx context.Context, mediaID string) ([]*models.DerivedRecord, error) {
	query := `
		SELECT id, media_id, owner, provider, kind, text, confidence, language, metadata, created_at, updated_at
		FROM derived_records
		WHERE media_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list derived records: %w", err)
	}
	defer rows.Close()

	var records []*models.DerivedRecord
	for rows.Next() {
		rec := &models.DerivedRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.MediaID,
			&rec.Owner,
			&rec.Provider,
			&rec.Kind,
			&rec.Text,
			&rec.Confidence,
			&rec.Language,
			&rec.Metadata,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan derived record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating derived records: %w", err)
	}

	return records, nil
}

// SoftDeleteByMedia marks every live record of a media asset deleted
func (r *PostgresRecordRepository) SoftDeleteByMedia(ctx context.Context, mediaID string) (int64, error) {
	query := `
		UPDATE derived_records
		SET deleted_at = now()
		WHERE media_id = $1 AND deleted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, mediaID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete derived records: %w", err)
	}

	return tag.RowsAffected(), nil
}
