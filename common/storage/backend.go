// Package storage holds chunk and blob bytes plus the per-asset metadata
// sidecar, on local disk or in an S3-compatible object store.
package storage

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/lock"
)

// UploadTarget tells the client how to send bytes
type UploadTarget struct {
	MediaID      string     `json:"media_id"`
	Mode         Mode       `json:"mode"`
	DirectURL    string     `json:"direct_url,omitempty"`
	MaxChunkSize int64      `json:"max_chunk_size"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// ChunkReceipt reports upload state after a chunk write
type ChunkReceipt struct {
	Index          int   `json:"index"`
	Total          int   `json:"total"`
	ReceivedBytes  int64 `json:"received_bytes"`
	ReceivedChunks int   `json:"received_chunks"`
}

// FinalizeResult describes an assembled blob
type FinalizeResult struct {
	BlobRef  string `json:"blob_ref"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Backend is the interchangeable byte store.
//
// Chunk writes for distinct indices of one id may run concurrently; every
// metadata read-modify-write is serialized per id.
type Backend interface {
	Name() string
	IssueUploadTarget(ctx context.Context, meta *Metadata) (*UploadTarget, error)
	WriteDirect(ctx context.Context, id string, r io.Reader) (int64, error)
	WriteChunk(ctx context.Context, id string, index, total int, data []byte) (*ChunkReceipt, error)
	Finalize(ctx context.Context, id string, total int, expectedSize int64, checksum string) (*FinalizeResult, error)
	ReadStatus(ctx context.Context, id string) (*Metadata, error)
	UpdateMetadata(ctx context.Context, id string, fn func(*Metadata) error) (*Metadata, error)
	OpenBlob(ctx context.Context, id string) (io.ReadCloser, error)
	DownloadRef(ctx context.Context, id string, ttl time.Duration) (string, time.Time, error)
	ResetUpload(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (bool, error)
}

// Options shared by both backends
type Options struct {
	MaxDirectUploadSize int64
	MaxChunkSize        int64
	Locker              lock.Locker
	Now                 func() time.Time
}

func (o *Options) defaults() {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 5 << 20
	}
	if o.Locker == nil {
		o.Locker = lock.NewKeyedMutex()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

func (o *Options) modeFor(size int64) Mode {
	if size <= o.MaxDirectUploadSize {
		return ModeDirect
	}
	return ModeChunked
}

// validateChunkArgs checks index/total against themselves and the recorded session
func validateChunkArgs(meta *Metadata, index, total int, size int64, maxChunk int64) error {
	const op = "storage.WriteChunk"
	if total < 1 {
		return apperrors.Validationf(op, "total must be >= 1, got %d", total)
	}
	if index < 0 || index >= total {
		return apperrors.Validationf(op, "index %d out of range [0,%d)", index, total)
	}
	if size == 0 {
		return apperrors.Validationf(op, "chunk %d is empty", index)
	}
	if maxChunk > 0 && size > maxChunk {
		return apperrors.Validationf(op, "chunk %d is %d bytes, max is %d", index, size, maxChunk)
	}
	if meta.Status != StatusPending {
		return apperrors.New(apperrors.KindConflict, op, "media %s is %s, not accepting chunks", meta.MediaID, meta.Status)
	}
	if meta.Finalized() {
		return apperrors.New(apperrors.KindConflict, op, "media %s already finalized", meta.MediaID)
	}
	if meta.ExpectedTotalChunks != 0 && meta.ExpectedTotalChunks != total {
		return apperrors.Validationf(op, "total %d contradicts recorded total %d", total, meta.ExpectedTotalChunks)
	}
	return nil
}

// checkCoverage enforces that chunks are exactly [0,total)
func checkCoverage(meta *Metadata, total int) error {
	const op = "storage.Finalize"
	if meta.ExpectedTotalChunks != 0 && meta.ExpectedTotalChunks != total {
		return apperrors.New(apperrors.KindChunkMismatch, op,
			"total %d contradicts recorded total %d", total, meta.ExpectedTotalChunks)
	}
	if missing := meta.MissingChunks(total); len(missing) > 0 {
		return apperrors.New(apperrors.KindChunkMismatch, op,
			"received %d of %d chunks, missing %v", meta.ReceivedChunks(), total, missing)
	}
	if meta.ReceivedChunks() != total {
		return apperrors.New(apperrors.KindChunkMismatch, op,
			"received %d chunks, expected %d", meta.ReceivedChunks(), total)
	}
	return nil
}

// digest hashes a stream with both supported algorithms
type digest struct {
	md5    hash.Hash
	sha256 hash.Hash
	size   int64
}

func newDigest() *digest {
	return &digest{md5: md5.New(), sha256: sha256.New()}
}

func (d *digest) Write(p []byte) (int, error) {
	d.md5.Write(p)
	d.sha256.Write(p)
	d.size += int64(len(p))
	return len(p), nil
}

// Checksum renders the recorded checksum form
func (d *digest) Checksum() string {
	return "md5:" + hex.EncodeToString(d.md5.Sum(nil))
}

// Verify compares against a client checksum: "md5:<hex>", "sha256:<hex>",
// or bare hex (md5). An empty expectation always passes.
func (d *digest) Verify(expected string) error {
	expected = strings.TrimSpace(strings.ToLower(expected))
	if expected == "" {
		return nil
	}
	algo, want := "md5", expected
	if i := strings.IndexByte(expected, ':'); i >= 0 {
		algo, want = expected[:i], expected[i+1:]
	}
	var got string
	switch algo {
	case "md5":
		got = hex.EncodeToString(d.md5.Sum(nil))
	case "sha256":
		got = hex.EncodeToString(d.sha256.Sum(nil))
	default:
		return apperrors.Validationf("storage.Finalize", "unsupported checksum algorithm %q", algo)
	}
	if got != want {
		return apperrors.Validationf("storage.Finalize", "checksum mismatch: %s expected %s, got %s", algo, want, got)
	}
	return nil
}

func verifySize(expected, actual int64) error {
	if expected > 0 && expected != actual {
		return apperrors.Validationf("storage.Finalize", "size mismatch: expected %d bytes, assembled %d", expected, actual)
	}
	return nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%04d.bin", index)
}

func blobName(meta *Metadata) string {
	return fmt.Sprintf("%s.%s", meta.MediaID, ExtensionFor(meta.MimeType))
}

func notFound(op, id string) error {
	return apperrors.NotFoundf(op, "media %s not found", id)
}
