package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
)

// LocalBackend keeps everything under one root directory:
//
//	{root}/metadata/{id}.json
//	{root}/chunks/{id}/chunk_0000.bin
//	{root}/media/{id}.{ext}
type LocalBackend struct {
	root       string
	baseURL    string
	signingKey []byte
	opts       Options
	log        *logger.Logger
}

// NewLocalBackend creates the directory layout under root
func NewLocalBackend(root, baseURL, signingKey string, opts Options, log *logger.Logger) (*LocalBackend, error) {
	opts.defaults()
	for _, dir := range []string{"metadata", "chunks", "media"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return &LocalBackend{
		root:       root,
		baseURL:    baseURL,
		signingKey: []byte(signingKey),
		opts:       opts,
		log:        log,
	}, nil
}

// Name identifies the backend in logs and blob refs
func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) metaPath(id string) string {
	return filepath.Join(b.root, "metadata", id+".json")
}

func (b *LocalBackend) chunkDir(id string) string {
	return filepath.Join(b.root, "chunks", id)
}

func (b *LocalBackend) chunkPath(id string, index int) string {
	return filepath.Join(b.chunkDir(id), chunkName(index))
}

func (b *LocalBackend) blobPath(meta *Metadata) string {
	return filepath.Join(b.root, "media", blobName(meta))
}

func validID(op, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Validationf(op, "invalid media id %q", id)
	}
	return nil
}

func (b *LocalBackend) load(op, id string) (*Metadata, error) {
	if err := validID(op, id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("decode metadata %s: %w", id, err))
	}
	return &meta, nil
}

func (b *LocalBackend) save(op string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if err := writeFileAtomic(b.metaPath(meta.MediaID), data); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return nil
}

func (b *LocalBackend) withLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := b.opts.Locker.Lock(ctx, "media:"+id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, "storage.lock", err)
	}
	defer unlock()
	return fn()
}

// IssueUploadTarget creates the pending sidecar and picks the upload mode
func (b *LocalBackend) IssueUploadTarget(ctx context.Context, meta *Metadata) (*UploadTarget, error) {
	const op = "storage.IssueUploadTarget"
	if err := validID(op, meta.MediaID); err != nil {
		return nil, err
	}
	now := b.opts.Now()
	meta.Status = StatusPending
	meta.UploadMode = b.opts.modeFor(meta.ByteSize)
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if err := b.save(op, meta); err != nil {
		return nil, err
	}

	target := &UploadTarget{
		MediaID:      meta.MediaID,
		Mode:         meta.UploadMode,
		MaxChunkSize: b.opts.MaxChunkSize,
	}
	if target.Mode == ModeDirect {
		target.DirectURL = fmt.Sprintf("%s/api/v1/uploads/%s/content", b.baseURL, meta.MediaID)
	}
	return target, nil
}

// WriteDirect stores a single-shot upload at the final blob path.
// The blob is not recorded until Finalize is called with total 0.
func (b *LocalBackend) WriteDirect(ctx context.Context, id string, r io.Reader) (int64, error) {
	const op = "storage.WriteDirect"
	meta, err := b.load(op, id)
	if err != nil {
		return 0, err
	}
	if meta.Status != StatusPending || meta.Finalized() {
		return 0, apperrors.New(apperrors.KindConflict, op, "media %s is %s, not accepting content", id, meta.Status)
	}

	limit := meta.ByteSize
	if limit <= 0 {
		limit = b.opts.MaxDirectUploadSize
	}
	n, err := copyFileAtomic(b.blobPath(meta), io.LimitReader(r, limit+1))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if n > limit {
		_ = os.Remove(b.blobPath(meta))
		return 0, apperrors.Validationf(op, "content exceeds declared size %d", limit)
	}
	return n, nil
}

// WriteChunk stores one chunk and records it in the sidecar
func (b *LocalBackend) WriteChunk(ctx context.Context, id string, index, total int, data []byte) (*ChunkReceipt, error) {
	const op = "storage.WriteChunk"

	// Fix the session total before any bytes land.
	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if err != nil {
			return err
		}
		if err := validateChunkArgs(meta, index, total, int64(len(data)), b.opts.MaxChunkSize); err != nil {
			return err
		}
		if meta.ExpectedTotalChunks == 0 {
			meta.ExpectedTotalChunks = total
			meta.UpdatedAt = b.opts.Now()
			return b.save(op, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	path := b.chunkPath(id, index)
	if err := os.MkdirAll(b.chunkDir(id), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}

	var receipt *ChunkReceipt
	err = b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if err == nil {
			err = validateChunkArgs(meta, index, total, int64(len(data)), b.opts.MaxChunkSize)
		}
		if err != nil {
			// The session was finalized, reset or deleted while the bytes were
			// written; they belong to nothing now.
			_ = os.Remove(path)
			_ = os.Remove(b.chunkDir(id))
			return err
		}
		if meta.Chunks == nil {
			meta.Chunks = make(map[int]ChunkInfo)
		}
		now := b.opts.Now()
		meta.Chunks[index] = ChunkInfo{Size: int64(len(data)), Location: path, ReceivedAt: now}
		meta.Progress = float64(meta.ReceivedChunks()) / float64(total)
		meta.UpdatedAt = now
		if err := b.save(op, meta); err != nil {
			return err
		}
		receipt = &ChunkReceipt{
			Index:          index,
			Total:          total,
			ReceivedBytes:  meta.ReceivedBytes(),
			ReceivedChunks: meta.ReceivedChunks(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Finalize assembles chunks in ascending index order into the blob.
// total == 0 finalizes a direct upload.
func (b *LocalBackend) Finalize(ctx context.Context, id string, total int, expectedSize int64, checksum string) (*FinalizeResult, error) {
	const op = "storage.Finalize"
	var result *FinalizeResult

	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if err != nil {
			return err
		}
		if meta.Finalized() && len(meta.Chunks) == 0 {
			result = &FinalizeResult{BlobRef: meta.BlobRef, Size: meta.ByteSize, Checksum: meta.Checksum}
			return nil
		}
		if meta.Status != StatusPending {
			return apperrors.New(apperrors.KindConflict, op, "media %s is %s", id, meta.Status)
		}

		blob := b.blobPath(meta)
		dg := newDigest()

		if total == 0 {
			f, err := os.Open(blob)
			if errors.Is(err, fs.ErrNotExist) {
				return apperrors.New(apperrors.KindChunkMismatch, op, "no content uploaded for media %s", id)
			}
			if err != nil {
				return apperrors.Wrap(apperrors.KindStorage, op, err)
			}
			_, err = io.Copy(dg, f)
			f.Close()
			if err != nil {
				return apperrors.Wrap(apperrors.KindStorage, op, err)
			}
			if err := firstErr(verifySize(expectedSize, dg.size), dg.Verify(checksum)); err != nil {
				_ = os.Remove(blob)
				return err
			}
		} else {
			if err := checkCoverage(meta, total); err != nil {
				return err
			}
			if err := b.assemble(meta, total, blob, dg); err != nil {
				return err
			}
			if err := firstErr(verifySize(expectedSize, dg.size), dg.Verify(checksum)); err != nil {
				_ = os.Remove(blob)
				return err
			}
			if err := os.RemoveAll(b.chunkDir(id)); err != nil {
				b.log.Warn("failed to remove chunk remnants", "media_id", id, "error", err)
			}
		}

		rel, _ := filepath.Rel(b.root, blob)
		meta.BlobRef = "file://" + filepath.ToSlash(rel)
		meta.ByteSize = dg.size
		meta.Checksum = dg.Checksum()
		meta.Chunks = nil
		meta.UpdatedAt = b.opts.Now()
		if err := b.save(op, meta); err != nil {
			return err
		}
		result = &FinalizeResult{BlobRef: meta.BlobRef, Size: meta.ByteSize, Checksum: meta.Checksum}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *LocalBackend) assemble(meta *Metadata, total int, dst string, dg *digest) error {
	const op = "storage.Finalize"
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".assemble-*")
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	defer os.Remove(tmp.Name())

	w := io.MultiWriter(tmp, dg)
	for i := 0; i < total; i++ {
		f, err := os.Open(b.chunkPath(meta.MediaID, i))
		if err != nil {
			tmp.Close()
			return apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("open chunk %d: %w", i, err))
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			tmp.Close()
			return apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("copy chunk %d: %w", i, err))
		}
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return nil
}

// ReadStatus returns the current sidecar
func (b *LocalBackend) ReadStatus(ctx context.Context, id string) (*Metadata, error) {
	return b.load("storage.ReadStatus", id)
}

// UpdateMetadata applies fn to the sidecar atomically
func (b *LocalBackend) UpdateMetadata(ctx context.Context, id string, fn func(*Metadata) error) (*Metadata, error) {
	const op = "storage.UpdateMetadata"
	var out *Metadata
	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if err != nil {
			return err
		}
		if err := fn(meta); err != nil {
			return err
		}
		meta.UpdatedAt = b.opts.Now()
		if err := b.save(op, meta); err != nil {
			return err
		}
		out = meta.Clone()
		return nil
	})
	return out, err
}

// OpenBlob opens the finalized blob for reading
func (b *LocalBackend) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	const op = "storage.OpenBlob"
	meta, err := b.load(op, id)
	if err != nil {
		return nil, err
	}
	if !meta.Finalized() {
		return nil, apperrors.New(apperrors.KindConflict, op, "media %s has no finalized blob", id)
	}
	f, err := os.Open(b.blobPath(meta))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFoundf(op, "blob for media %s is missing", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return f, nil
}

// DownloadRef returns a signed API URL valid until the returned time
func (b *LocalBackend) DownloadRef(ctx context.Context, id string, ttl time.Duration) (string, time.Time, error) {
	const op = "storage.DownloadRef"
	meta, err := b.load(op, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if !meta.Finalized() {
		return "", time.Time{}, apperrors.New(apperrors.KindConflict, op, "media %s has no finalized blob", id)
	}
	expires := b.opts.Now().Add(ttl).Truncate(time.Second)
	sig := b.sign(id, expires.Unix())
	url := fmt.Sprintf("%s/api/v1/uploads/%s/blob?expires=%d&sig=%s", b.baseURL, id, expires.Unix(), sig)
	return url, expires, nil
}

// VerifyDownload checks a signature produced by DownloadRef
func (b *LocalBackend) VerifyDownload(id, expires, sig string) error {
	const op = "storage.VerifyDownload"
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return apperrors.Validationf(op, "invalid expires")
	}
	if b.opts.Now().Unix() > exp {
		return apperrors.Permissionf(op, "download link expired")
	}
	if !hmac.Equal([]byte(sig), []byte(b.sign(id, exp))) {
		return apperrors.Permissionf(op, "invalid download signature")
	}
	return nil
}

func (b *LocalBackend) sign(id string, expires int64) string {
	mac := hmac.New(sha256.New, b.signingKey)
	fmt.Fprintf(mac, "%s.%d", id, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// ResetUpload drops chunks, blob and session so the upload can start over
func (b *LocalBackend) ResetUpload(ctx context.Context, id string) error {
	const op = "storage.ResetUpload"
	return b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(b.chunkDir(id)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := os.Remove(b.blobPath(meta)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		meta.Chunks = nil
		meta.ExpectedTotalChunks = 0
		meta.BlobRef = ""
		meta.Checksum = ""
		meta.Progress = 0
		meta.UpdatedAt = b.opts.Now()
		return b.save(op, meta)
	})
}

// Delete removes the blob, chunk remnants and sidecar
func (b *LocalBackend) Delete(ctx context.Context, id string) (bool, error) {
	const op = "storage.Delete"
	deleted := false
	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(op, id)
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := os.RemoveAll(b.chunkDir(id)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := os.Remove(b.blobPath(meta)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := os.Remove(b.metaPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func copyFileAtomic(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp.Name(), path)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
