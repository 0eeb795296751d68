package storage

import (
	"sort"
	"strings"
	"time"
)

// Kind is the media category derived from the mime type at ticket issuance
type Kind string

const (
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindURL      Kind = "url"
)

// Status is the lifecycle state of a media asset
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Mode is how the client sends bytes for an asset
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeChunked Mode = "chunked"
)

// ChunkInfo is the bookkeeping entry for one received chunk
type ChunkInfo struct {
	Size       int64     `json:"size"`
	Location   string    `json:"location"`
	ReceivedAt time.Time `json:"received_at"`
}

// Metadata is the sidecar record kept per media id. It holds the asset
// fields plus the chunk map while an upload is in progress.
type Metadata struct {
	MediaID    string `json:"media_id"`
	Owner      string `json:"owner"`
	Kind       Kind   `json:"kind"`
	Status     Status `json:"status"`
	MimeType   string `json:"mime_type"`
	ByteSize   int64  `json:"byte_size"`
	UploadMode Mode   `json:"upload_mode"`

	BlobRef  string `json:"blob_ref,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	ExpectedTotalChunks int               `json:"expected_total_chunks,omitempty"`
	Chunks              map[int]ChunkInfo `json:"chunks,omitempty"`

	Progress     float64        `json:"progress"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ReceivedBytes sums the sizes of all received chunks
func (m *Metadata) ReceivedBytes() int64 {
	var n int64
	for _, c := range m.Chunks {
		n += c.Size
	}
	return n
}

// ReceivedChunks is the number of distinct chunk indices stored
func (m *Metadata) ReceivedChunks() int {
	return len(m.Chunks)
}

// MissingChunks lists indices in [0,total) that have not been received
func (m *Metadata) MissingChunks(total int) []int {
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := m.Chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ChunkIndices returns the received indices in ascending order
func (m *Metadata) ChunkIndices() []int {
	idx := make([]int, 0, len(m.Chunks))
	for i := range m.Chunks {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Finalized reports whether the blob has been assembled
func (m *Metadata) Finalized() bool {
	return m.BlobRef != ""
}

// Clone returns a deep copy safe to hand to callers
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.Chunks != nil {
		c.Chunks = make(map[int]ChunkInfo, len(m.Chunks))
		for k, v := range m.Chunks {
			c.Chunks[k] = v
		}
	}
	if m.Result != nil {
		c.Result = make(map[string]any, len(m.Result))
		for k, v := range m.Result {
			c.Result[k] = v
		}
	}
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// KindFromMime maps a mime type to a media kind
func KindFromMime(mimeType string) (Kind, bool) {
	mt := normalizeMime(mimeType)
	switch {
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio, true
	case strings.HasPrefix(mt, "image/"):
		return KindImage, true
	case strings.HasPrefix(mt, "text/"),
		mt == "application/pdf",
		mt == "application/json",
		mt == "application/msword",
		mt == "application/octet-stream",
		strings.HasPrefix(mt, "application/vnd.openxmlformats-officedocument."):
		return KindDocument, true
	}
	return "", false
}

var mimeExtensions = map[string]string{
	"audio/wav":                "wav",
	"audio/x-wav":              "wav",
	"audio/wave":               "wav",
	"audio/mp3":                "mp3",
	"audio/mpeg":               "mp3",
	"audio/m4a":                "m4a",
	"audio/mp4":                "m4a",
	"audio/aac":                "aac",
	"audio/ogg":                "ogg",
	"audio/webm":               "webm",
	"audio/flac":               "flac",
	"application/pdf":          "pdf",
	"image/jpeg":               "jpg",
	"image/png":                "png",
	"image/webp":               "webp",
	"image/gif":                "gif",
	"text/plain":               "txt",
	"text/markdown":            "md",
	"text/html":                "html",
	"application/json":         "json",
	"application/octet-stream": "bin",
}

// ExtensionFor returns the file extension used for a finalized blob
func ExtensionFor(mimeType string) string {
	if ext, ok := mimeExtensions[normalizeMime(mimeType)]; ok {
		return ext
	}
	return "bin"
}

func normalizeMime(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}
