package service

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/storage"
)

func beginChunked(t *testing.T, h *uploadHarness, owner, mime string, size int64) string {
	t.Helper()
	target, err := h.uploads.BeginUpload(context.Background(), owner, &models.CreateUploadRequest{
		MimeType: mime,
		ByteSize: size,
	})
	require.NoError(t, err)
	require.Equal(t, storage.ModeChunked, target.Mode)
	return target.MediaID
}

func TestUpload_OutOfOrderChunksAssembleInIndexOrder(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 250)

	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 100),
		bytes.Repeat([]byte("b"), 100),
		bytes.Repeat([]byte("c"), 50),
	}

	var progress []float64
	for _, i := range []int{2, 0, 1} {
		resp, err := h.uploads.AcceptChunk(ctx, "alice", id, i, 3, chunks[i])
		require.NoError(t, err)
		assert.Equal(t, "success", resp.Status)
		progress = append(progress, resp.Progress)
	}
	assert.InDeltaSlice(t, []float64{1.0 / 3, 2.0 / 3, 1}, progress, 1e-9)

	status, err := h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 3, TotalSize: 250})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, status.Status)
	assert.Equal(t, []string{id}, h.queue.keys())

	blob, err := h.backend.OpenBlob(ctx, id)
	require.NoError(t, err)
	data, err := io.ReadAll(blob)
	blob.Close()
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), data)

	require.NoError(t, h.dispatch.Process(ctx, id))

	status, err = h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status.Status)
	assert.Equal(t, 1.0, status.Progress)
	assert.NotNil(t, status.ProcessedAt)
	assert.Equal(t, "mock:extract", status.Result["provider"])
	assert.EqualValues(t, 250, status.Result["text_length"])

	records, err := h.uploads.Records(ctx, "alice", id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "extracted_text", records[0].Kind)
	assert.Equal(t, string(bytes.Join(chunks, nil)), records[0].Text)
}

func TestUpload_MissingChunkKeepsPending(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 250)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 3, bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	_, err = h.uploads.AcceptChunk(ctx, "alice", id, 2, 3, bytes.Repeat([]byte("c"), 50))
	require.NoError(t, err)

	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 3, TotalSize: 250})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ChunkMismatch)
	assert.Contains(t, err.Error(), "missing [1]")

	status, err := h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, status.Status)
	assert.Empty(t, h.queue.keys())

	// The client sends the missing chunk and completes again
	_, err = h.uploads.AcceptChunk(ctx, "alice", id, 1, 3, bytes.Repeat([]byte("b"), 100))
	require.NoError(t, err)
	status, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 3, TotalSize: 250})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, status.Status)
}

func TestUpload_DuplicateCompleteDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte("z"), 20))
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := make([]storage.Status, 5)
	errs := make([]error, 5)
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1, TotalSize: 20})
			errs[i] = err
			if st != nil {
				statuses[i] = st.Status
			}
		}(i)
	}
	wg.Wait()

	for i := range statuses {
		require.NoError(t, errs[i])
		assert.Equal(t, storage.StatusProcessing, statuses[i])
	}
	assert.Len(t, h.queue.keys(), 1)

	require.NoError(t, h.dispatch.Process(ctx, id))
	st, err := h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1, TotalSize: 20})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, st.Status)
	assert.Len(t, h.queue.keys(), 1)
}

func TestUpload_ProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte("z"), 20))
	require.NoError(t, err)
	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	require.NoError(t, err)

	require.NoError(t, h.dispatch.Process(ctx, id))
	first, err := h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)

	// Redelivery of the same message changes nothing
	require.NoError(t, h.dispatch.Process(ctx, id))
	second, err := h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, first.ProcessedAt, second.ProcessedAt)

	// Reprocessing overwrites the single record for this provider
	st, err := h.uploads.Reprocess(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, st.Status)
	require.NoError(t, h.dispatch.Process(ctx, id))

	records, err := h.uploads.Records(ctx, "alice", id)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Len(t, h.queue.keys(), 2)
}

func TestUpload_ProcessingFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	h.registry.Register(storage.KindImage, brokenProcessor{})
	id := beginChunked(t, h, "alice", "image/png", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte{0x89}, 20))
	require.NoError(t, err)
	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	require.NoError(t, err)

	require.NoError(t, h.dispatch.Process(ctx, id))

	status, err := h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, status.Status)
	assert.True(t, strings.HasPrefix(status.Error, "ProcessingError: "), status.Error)
	assert.Contains(t, status.Error, "provider unavailable")
	assert.NotNil(t, status.ProcessedAt)

	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	assert.ErrorIs(t, err, apperrors.Conflict)

	status, err = h.uploads.Retry(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, status.Status)
	assert.Empty(t, status.Error)
	assert.Zero(t, status.ReceivedChunks)
	assert.Zero(t, status.Progress)

	_, err = h.uploads.Retry(ctx, "alice", id)
	assert.ErrorIs(t, err, apperrors.Conflict)

	// A fresh session starts from nothing
	_, err = h.uploads.AcceptChunk(ctx, "alice", id, 0, 2, bytes.Repeat([]byte{0x89}, 10))
	require.NoError(t, err)
}

func TestUpload_DispatchFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	h.queue.failWith = assert.AnError
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte("z"), 20))
	require.NoError(t, err)

	status, err := h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, status.Status)
	assert.True(t, strings.HasPrefix(status.Error, "DispatchError: "), status.Error)

	// Nothing was lost: the blob is kept and a reprocess can re-drive it
	h.queue.failWith = nil
	status, err = h.uploads.Reprocess(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, status.Status)
}

func TestUpload_ReprocessRedrivesStalledMedia(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	h.uploads.cfg.StalledAfter = time.Minute
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte("z"), 20))
	require.NoError(t, err)
	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	require.NoError(t, err)
	require.Len(t, h.queue.keys(), 1)

	// The process message is never handled. A recent asset is left alone.
	_, err = h.uploads.Reprocess(ctx, "alice", id)
	assert.ErrorIs(t, err, apperrors.Conflict)

	h.uploads.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	st, err := h.uploads.Reprocess(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, st.Status)
	assert.Equal(t, []string{id, id}, h.queue.keys())

	require.NoError(t, h.dispatch.Process(ctx, id))
	status, err := h.uploads.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status.Status)

	records, err := h.uploads.Records(ctx, "alice", id)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUpload_DirectUploadAndSignedDownload(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)

	target, err := h.uploads.BeginUpload(ctx, "alice", &models.CreateUploadRequest{MimeType: "text/plain", ByteSize: 5})
	require.NoError(t, err)
	require.Equal(t, storage.ModeDirect, target.Mode)
	assert.Equal(t, "http://api.test/api/v1/uploads/"+target.MediaID+"/content", target.DirectURL)

	_, err = h.uploads.AcceptChunk(ctx, "alice", target.MediaID, 0, 0, []byte("x"))
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.uploads.UploadContent(ctx, "alice", target.MediaID, strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = h.uploads.DownloadURL(ctx, "alice", target.MediaID, 0)
	assert.ErrorIs(t, err, apperrors.Validation)

	status, err := h.uploads.Complete(ctx, "alice", target.MediaID, &models.CompleteRequest{Total: 0, TotalSize: 5})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusProcessing, status.Status)
	assert.Equal(t, "md5:5d41402abc4b2a76b9719d911017c592", status.Checksum)

	dl, err := h.uploads.DownloadURL(ctx, "alice", target.MediaID, 10*time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(dl.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/uploads/"+target.MediaID+"/blob", u.Path)

	blob, meta, err := h.uploads.OpenSignedDownload(ctx, target.MediaID, u.Query().Get("expires"), u.Query().Get("sig"))
	require.NoError(t, err)
	data, err := io.ReadAll(blob)
	blob.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", meta.MimeType)

	_, _, err = h.uploads.OpenSignedDownload(ctx, target.MediaID, u.Query().Get("expires"), "forged")
	assert.ErrorIs(t, err, apperrors.Permission)
}

func TestUpload_ChunkedCompleteRequiresTotal(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 0})
	assert.ErrorIs(t, err, apperrors.Validation)

	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1, TotalSize: 21})
	assert.ErrorIs(t, err, apperrors.Validation)
}

func TestUpload_BeginValidation(t *testing.T) {
	h := newUploadHarness(t)

	tests := []struct {
		name string
		req  models.CreateUploadRequest
	}{
		{"missing mime", models.CreateUploadRequest{ByteSize: 10}},
		{"unsupported mime", models.CreateUploadRequest{MimeType: "video/mp4", ByteSize: 10}},
		{"zero size", models.CreateUploadRequest{MimeType: "audio/wav"}},
		{"too large", models.CreateUploadRequest{MimeType: "audio/wav", ByteSize: 1001}},
		{"negative chunks", models.CreateUploadRequest{MimeType: "audio/wav", ByteSize: 10, TotalChunks: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.uploads.BeginUpload(context.Background(), "alice", &tt.req)
			assert.ErrorIs(t, err, apperrors.Validation)
		})
	}
}

func TestUpload_TicketTotalIsEnforced(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)

	target, err := h.uploads.BeginUpload(ctx, "alice", &models.CreateUploadRequest{
		MimeType: "audio/wav", ByteSize: 150, TotalChunks: 2,
	})
	require.NoError(t, err)

	_, err = h.uploads.AcceptChunk(ctx, "alice", target.MediaID, 0, 3, bytes.Repeat([]byte("a"), 50))
	assert.ErrorIs(t, err, apperrors.Validation)

	resp, err := h.uploads.AcceptChunk(ctx, "alice", target.MediaID, 0, 2, bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)
	assert.Equal(t, 0.5, resp.Progress)
}

func TestUpload_OwnershipAndLookup(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "audio/wav", 20)

	_, err := h.uploads.Status(ctx, "mallory", id)
	assert.ErrorIs(t, err, apperrors.Permission)

	_, err = h.uploads.AcceptChunk(ctx, "mallory", id, 0, 1, []byte("x"))
	assert.ErrorIs(t, err, apperrors.Permission)

	err = h.uploads.Delete(ctx, "mallory", id)
	assert.ErrorIs(t, err, apperrors.Permission)

	_, err = h.uploads.Status(ctx, "alice", uuid.NewString())
	assert.ErrorIs(t, err, apperrors.NotFound)

	_, err = h.uploads.Status(ctx, "alice", "../../etc/passwd")
	assert.ErrorIs(t, err, apperrors.Validation)
}

func TestUpload_DeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	h := newUploadHarness(t)
	id := beginChunked(t, h, "alice", "text/plain", 20)

	_, err := h.uploads.AcceptChunk(ctx, "alice", id, 0, 1, bytes.Repeat([]byte("z"), 20))
	require.NoError(t, err)
	_, err = h.uploads.Complete(ctx, "alice", id, &models.CompleteRequest{Total: 1})
	require.NoError(t, err)
	require.NoError(t, h.dispatch.Process(ctx, id))

	require.NoError(t, h.uploads.Delete(ctx, "alice", id))

	_, err = h.uploads.Status(ctx, "alice", id)
	assert.ErrorIs(t, err, apperrors.NotFound)

	records, err := h.records.GetByMedia(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)

	// A late queue message for the deleted asset is dropped
	assert.NoError(t, h.dispatch.Process(ctx, id))
}

func TestDispatch_HandleMessageDropsMalformed(t *testing.T) {
	h := newUploadHarness(t)
	assert.NoError(t, h.dispatch.HandleMessage(context.Background(), "k", []byte("not json")))
	assert.NoError(t, h.dispatch.HandleMessage(context.Background(), "k", []byte(`{}`)))
}
