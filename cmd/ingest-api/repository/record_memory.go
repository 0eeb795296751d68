package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/talknote/ingest/cmd/ingest-api/models"
)

// MemoryRecordRepository keeps derived records in process
type MemoryRecordRepository struct {
	mu      sync.Mutex
	records map[string]*models.DerivedRecord // media_id|provider
	now     func() time.Time
}

// NewMemoryRecordRepository creates an empty store
func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{
		records: make(map[string]*models.DerivedRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func recordKey(mediaID, provider string) string {
	return mediaID + "|" + provider
}

// Upsert inserts or replaces the (media_id, provider) record
func (r *MemoryRecordRepository) Upsert(ctx context.Context, rec *models.DerivedRecord) (*models.DerivedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := *rec
	out.DeletedAt = nil
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = r.now()
	}
	if existing, ok := r.records[recordKey(rec.MediaID, rec.Provider)]; ok {
		out.ID = existing.ID
		out.CreatedAt = existing.CreatedAt
	} else if out.CreatedAt.IsZero() {
		out.CreatedAt = out.UpdatedAt
	}

	stored := out
	r.records[recordKey(rec.MediaID, rec.Provider)] = &stored
	return &out, nil
}

// GetByMedia lists live records for a media asset, oldest first
func (r *MemoryRecordRepository) GetByMedia(ctx context.Context, mediaID string) ([]*models.DerivedRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*models.DerivedRecord
	for _, rec := range r.records {
		if rec.MediaID != mediaID || rec.DeletedAt != nil {
			continue
		}
		c := *rec
		records = append(records, &c)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// SoftDeleteByMedia marks every live record of a media asset deleted
func (r *MemoryRecordRepository) SoftDeleteByMedia(ctx context.Context, mediaID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := r.now()
	for _, rec := range r.records {
		if rec.MediaID == mediaID && rec.DeletedAt == nil {
			t := now
			rec.DeletedAt = &t
			n++
		}
	}
	return n, nil
}
