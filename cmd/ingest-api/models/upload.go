package models

import (
	"time"

	"github.com/talknote/ingest/common/storage"
)

// CreateUploadRequest is the body of POST /uploads
type CreateUploadRequest struct {
	MimeType    string `json:"mime_type"`
	ByteSize    int64  `json:"byte_size"`
	TotalChunks int    `json:"total_chunks,omitempty"`
}

// ChunkRequest is the JSON form of a chunk upload; chunk_bytes is base64
type ChunkRequest struct {
	Index      *int   `json:"index"`
	Total      int    `json:"total"`
	ChunkBytes []byte `json:"chunk_bytes"`
}

// ChunkResponse acknowledges a stored chunk
type ChunkResponse struct {
	MediaID        string  `json:"media_id"`
	Index          int     `json:"index"`
	ReceivedBytes  int64   `json:"received_bytes"`
	ReceivedChunks int     `json:"received_chunks"`
	Progress       float64 `json:"progress"`
	Status         string  `json:"status"`
}

// CompleteRequest is the body of POST /uploads/:id/complete.
// Total 0 completes a direct upload.
type CompleteRequest struct {
	Total     int    `json:"total"`
	TotalSize int64  `json:"total_size"`
	Checksum  string `json:"checksum,omitempty"`
}

// CompleteFailure reports a rejected complete call. The asset itself
// stays pending, so the client can fix the upload and complete again.
type CompleteFailure struct {
	MediaID   string         `json:"media_id"`
	Status    string         `json:"status"` // always "error"
	Progress  float64        `json:"progress"`
	Asset     storage.Status `json:"asset_status"`
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
}

// MediaStatus is the externally visible view of a media asset
type MediaStatus struct {
	MediaID             string         `json:"media_id"`
	Status              storage.Status `json:"status"`
	Progress            float64        `json:"progress"`
	Kind                storage.Kind   `json:"kind"`
	MimeType            string         `json:"mime_type"`
	ByteSize            int64          `json:"byte_size"`
	UploadMode          storage.Mode   `json:"upload_mode"`
	ExpectedTotalChunks int            `json:"expected_total_chunks,omitempty"`
	ReceivedChunks      int            `json:"received_chunks"`
	Checksum            string         `json:"checksum,omitempty"`
	Error               string         `json:"error,omitempty"`
	Result              map[string]any `json:"result,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ProcessedAt         *time.Time     `json:"processed_at,omitempty"`
}

// NewMediaStatus projects sidecar metadata to the API view
func NewMediaStatus(meta *storage.Metadata) *MediaStatus {
	return &MediaStatus{
		MediaID:             meta.MediaID,
		Status:              meta.Status,
		Progress:            meta.Progress,
		Kind:                meta.Kind,
		MimeType:            meta.MimeType,
		ByteSize:            meta.ByteSize,
		UploadMode:          meta.UploadMode,
		ExpectedTotalChunks: meta.ExpectedTotalChunks,
		ReceivedChunks:      meta.ReceivedChunks(),
		Checksum:            meta.Checksum,
		Error:               meta.ErrorMessage,
		Result:              meta.Result,
		CreatedAt:           meta.CreatedAt,
		UpdatedAt:           meta.UpdatedAt,
		ProcessedAt:         meta.ProcessedAt,
	}
}

// DownloadResponse carries a time-limited download reference
type DownloadResponse struct {
	MediaID   string    `json:"media_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
