package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
)

// ObjectAPI is the subset of the S3 client used by S3Backend
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// PresignAPI is the subset of s3.PresignClient used by S3Backend
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config locates objects in the bucket
type S3Config struct {
	Bucket     string
	Prefix     string
	PresignTTL time.Duration
}

// S3Backend stores chunks, blobs and the metadata sidecar as objects:
//
//	{prefix}metadata/{id}.json
//	{prefix}chunks/{id}/chunk_0000.bin
//	{prefix}media/{id}.{ext}
type S3Backend struct {
	client    ObjectAPI
	presigner PresignAPI
	cfg       S3Config
	opts      Options
	log       *logger.Logger
}

// NewS3Backend creates an object-store backend
func NewS3Backend(client ObjectAPI, presigner PresignAPI, cfg S3Config, opts Options, log *logger.Logger) *S3Backend {
	opts.defaults()
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	return &S3Backend{
		client:    client,
		presigner: presigner,
		cfg:       cfg,
		opts:      opts,
		log:       log,
	}
}

// Name identifies the backend in logs and blob refs
func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) metaKey(id string) string {
	return b.cfg.Prefix + "metadata/" + id + ".json"
}

func (b *S3Backend) chunkPrefix(id string) string {
	return b.cfg.Prefix + "chunks/" + id + "/"
}

func (b *S3Backend) chunkKey(id string, index int) string {
	return b.chunkPrefix(id) + chunkName(index)
}

func (b *S3Backend) blobKey(meta *Metadata) string {
	return b.cfg.Prefix + "media/" + blobName(meta)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (b *S3Backend) put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	_, err := b.client.PutObject(ctx, in)
	return err
}

func (b *S3Backend) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (b *S3Backend) remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// removePrefix deletes every object under prefix
func (b *S3Backend) removePrefix(ctx context.Context, prefix string) error {
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		for _, obj := range out.Contents {
			if err := b.remove(ctx, aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (b *S3Backend) load(ctx context.Context, op, id string) (*Metadata, error) {
	if err := validID(op, id); err != nil {
		return nil, err
	}
	body, err := b.get(ctx, b.metaKey(id))
	if isNotFound(err) {
		return nil, notFound(op, id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	defer body.Close()

	var meta Metadata
	if err := json.NewDecoder(body).Decode(&meta); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("decode metadata %s: %w", id, err))
	}
	return &meta, nil
}

func (b *S3Backend) save(ctx context.Context, op string, meta *Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, op, err)
	}
	if err := b.put(ctx, b.metaKey(meta.MediaID), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return nil
}

func (b *S3Backend) withLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := b.opts.Locker.Lock(ctx, "media:"+id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, "storage.lock", err)
	}
	defer unlock()
	return fn()
}

// IssueUploadTarget creates the sidecar; direct mode gets a presigned PUT
func (b *S3Backend) IssueUploadTarget(ctx context.Context, meta *Metadata) (*UploadTarget, error) {
	const op = "storage.IssueUploadTarget"
	if err := validID(op, meta.MediaID); err != nil {
		return nil, err
	}
	now := b.opts.Now()
	meta.Status = StatusPending
	meta.UploadMode = b.opts.modeFor(meta.ByteSize)
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if err := b.save(ctx, op, meta); err != nil {
		return nil, err
	}

	target := &UploadTarget{
		MediaID:      meta.MediaID,
		Mode:         meta.UploadMode,
		MaxChunkSize: b.opts.MaxChunkSize,
	}
	if target.Mode == ModeDirect {
		req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.cfg.Bucket),
			Key:         aws.String(b.blobKey(meta)),
			ContentType: aws.String(meta.MimeType),
		}, s3.WithPresignExpires(b.cfg.PresignTTL))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("presign put: %w", err))
		}
		expires := now.Add(b.cfg.PresignTTL)
		target.DirectURL = req.URL
		target.ExpiresAt = &expires
	}
	return target, nil
}

// WriteDirect proxies a single-shot upload into the blob object
func (b *S3Backend) WriteDirect(ctx context.Context, id string, r io.Reader) (int64, error) {
	const op = "storage.WriteDirect"
	meta, err := b.load(ctx, op, id)
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
	tmp, err := os.CreateTemp("", "direct-*")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if n > limit {
		return 0, apperrors.Validationf(op, "content exceeds declared size %d", limit)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if err := b.put(ctx, b.blobKey(meta), tmp, n, meta.MimeType); err != nil {
		return 0, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return n, nil
}

// WriteChunk stores one chunk object and records it in the sidecar
func (b *S3Backend) WriteChunk(ctx context.Context, id string, index, total int, data []byte) (*ChunkReceipt, error) {
	const op = "storage.WriteChunk"

	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
		if err != nil {
			return err
		}
		if err := validateChunkArgs(meta, index, total, int64(len(data)), b.opts.MaxChunkSize); err != nil {
			return err
		}
		if meta.ExpectedTotalChunks == 0 {
			meta.ExpectedTotalChunks = total
			meta.UpdatedAt = b.opts.Now()
			return b.save(ctx, op, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key := b.chunkKey(id, index)
	if err := b.put(ctx, key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}

	var receipt *ChunkReceipt
	err = b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
		if err == nil {
			err = validateChunkArgs(meta, index, total, int64(len(data)), b.opts.MaxChunkSize)
		}
		if err != nil {
			// The session was finalized, reset or deleted while the object was
			// uploaded; it belongs to nothing now.
			if rmErr := b.remove(ctx, key); rmErr != nil {
				b.log.Warn("failed to remove rejected chunk", "media_id", id, "key", key, "error", rmErr)
			}
			return err
		}
		if meta.Chunks == nil {
			meta.Chunks = make(map[int]ChunkInfo)
		}
		now := b.opts.Now()
		meta.Chunks[index] = ChunkInfo{Size: int64(len(data)), Location: key, ReceivedAt: now}
		meta.Progress = float64(meta.ReceivedChunks()) / float64(total)
		meta.UpdatedAt = now
		if err := b.save(ctx, op, meta); err != nil {
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

// Finalize concatenates chunk objects through a local temp file and uploads
// the result. total == 0 finalizes a direct upload.
func (b *S3Backend) Finalize(ctx context.Context, id string, total int, expectedSize int64, checksum string) (*FinalizeResult, error) {
	const op = "storage.Finalize"
	var result *FinalizeResult

	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
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

		blobKey := b.blobKey(meta)
		dg := newDigest()

		if total == 0 {
			body, err := b.get(ctx, blobKey)
			if isNotFound(err) {
				return apperrors.New(apperrors.KindChunkMismatch, op, "no content uploaded for media %s", id)
			}
			if err != nil {
				return apperrors.Wrap(apperrors.KindStorage, op, err)
			}
			_, err = io.Copy(dg, body)
			body.Close()
			if err != nil {
				return apperrors.Wrap(apperrors.KindStorage, op, err)
			}
			if err := firstErr(verifySize(expectedSize, dg.size), dg.Verify(checksum)); err != nil {
				if rmErr := b.remove(ctx, blobKey); rmErr != nil {
					b.log.Warn("failed to remove rejected blob", "media_id", id, "error", rmErr)
				}
				return err
			}
		} else {
			if err := checkCoverage(meta, total); err != nil {
				return err
			}
			if err := b.assemble(ctx, meta, total, expectedSize, checksum, blobKey, dg); err != nil {
				return err
			}
			if err := b.removePrefix(ctx, b.chunkPrefix(id)); err != nil {
				b.log.Warn("failed to remove chunk remnants", "media_id", id, "error", err)
			}
		}

		meta.BlobRef = fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, blobKey)
		meta.ByteSize = dg.size
		meta.Checksum = dg.Checksum()
		meta.Chunks = nil
		meta.UpdatedAt = b.opts.Now()
		if err := b.save(ctx, op, meta); err != nil {
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

func (b *S3Backend) assemble(ctx context.Context, meta *Metadata, total int, expectedSize int64, checksum, blobKey string, dg *digest) error {
	const op = "storage.Finalize"
	tmp, err := os.CreateTemp("", "assemble-*")
	if err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := io.MultiWriter(tmp, dg)
	for i := 0; i < total; i++ {
		body, err := b.get(ctx, b.chunkKey(meta.MediaID, i))
		if err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("get chunk %d: %w", i, err))
		}
		_, err = io.Copy(w, body)
		body.Close()
		if err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("copy chunk %d: %w", i, err))
		}
	}

	// Verify before upload so a rejected blob never lands in the bucket.
	if err := firstErr(verifySize(expectedSize, dg.size), dg.Verify(checksum)); err != nil {
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	if err := b.put(ctx, blobKey, tmp, dg.size, meta.MimeType); err != nil {
		return apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("upload blob: %w", err))
	}
	return nil
}

// ReadStatus returns the current sidecar
func (b *S3Backend) ReadStatus(ctx context.Context, id string) (*Metadata, error) {
	return b.load(ctx, "storage.ReadStatus", id)
}

// UpdateMetadata applies fn to the sidecar atomically
func (b *S3Backend) UpdateMetadata(ctx context.Context, id string, fn func(*Metadata) error) (*Metadata, error) {
	const op = "storage.UpdateMetadata"
	var out *Metadata
	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
		if err != nil {
			return err
		}
		if err := fn(meta); err != nil {
			return err
		}
		meta.UpdatedAt = b.opts.Now()
		if err := b.save(ctx, op, meta); err != nil {
			return err
		}
		out = meta.Clone()
		return nil
	})
	return out, err
}

// OpenBlob streams the finalized blob object
func (b *S3Backend) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	const op = "storage.OpenBlob"
	meta, err := b.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !meta.Finalized() {
		return nil, apperrors.New(apperrors.KindConflict, op, "media %s has no finalized blob", id)
	}
	body, err := b.get(ctx, b.blobKey(meta))
	if isNotFound(err) {
		return nil, apperrors.NotFoundf(op, "blob for media %s is missing", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorage, op, err)
	}
	return body, nil
}

// DownloadRef returns a presigned GET URL
func (b *S3Backend) DownloadRef(ctx context.Context, id string, ttl time.Duration) (string, time.Time, error) {
	const op = "storage.DownloadRef"
	meta, err := b.load(ctx, op, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if !meta.Finalized() {
		return "", time.Time{}, apperrors.New(apperrors.KindConflict, op, "media %s has no finalized blob", id)
	}
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.blobKey(meta)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(apperrors.KindStorage, op, fmt.Errorf("presign get: %w", err))
	}
	return req.URL, b.opts.Now().Add(ttl), nil
}

// ResetUpload drops chunk objects, the blob and the session
func (b *S3Backend) ResetUpload(ctx context.Context, id string) error {
	const op = "storage.ResetUpload"
	return b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
		if err != nil {
			return err
		}
		if err := b.removePrefix(ctx, b.chunkPrefix(id)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := b.remove(ctx, b.blobKey(meta)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		meta.Chunks = nil
		meta.ExpectedTotalChunks = 0
		meta.BlobRef = ""
		meta.Checksum = ""
		meta.Progress = 0
		meta.UpdatedAt = b.opts.Now()
		return b.save(ctx, op, meta)
	})
}

// Delete removes every object belonging to id
func (b *S3Backend) Delete(ctx context.Context, id string) (bool, error) {
	const op = "storage.Delete"
	deleted := false
	err := b.withLock(ctx, id, func() error {
		meta, err := b.load(ctx, op, id)
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.removePrefix(ctx, b.chunkPrefix(id)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := b.remove(ctx, b.blobKey(meta)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		if err := b.remove(ctx, b.metaKey(id)); err != nil {
			return apperrors.Wrap(apperrors.KindStorage, op, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}
