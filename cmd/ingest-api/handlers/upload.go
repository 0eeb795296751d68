package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/service"
	"github.com/talknote/ingest/common/apperrors"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/middleware"
)

// UploadHandler handles HTTP requests for media uploads
type UploadHandler struct {
	uploads      *service.UploadService
	log          *logger.Logger
	maxChunkSize int64
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(c *container.Container) *UploadHandler {
	return &UploadHandler{
		uploads:      c.UploadService,
		log:          c.Components.Logger,
		maxChunkSize: c.Components.Config.Storage.MaxChunkSize,
	}
}

// CreateUpload issues an upload ticket
// POST /api/v1/uploads
func (h *UploadHandler) CreateUpload(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	var req models.CreateUploadRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	target, err := h.uploads.BeginUpload(ctx, owner, &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusCreated, target)
}

// UploadContent receives the whole body of a direct upload
// PUT /api/v1/uploads/:id/content
func (h *UploadHandler) UploadContent(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	body := c.Request().Body
	defer body.Close()

	status, err := h.uploads.UploadContent(ctx, owner, id, body)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, status)
}

// UploadChunk stores one chunk. Accepts JSON with base64 chunk_bytes or a
// multipart form with index, total and a chunk file.
// POST /api/v1/uploads/:id/chunks
func (h *UploadHandler) UploadChunk(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	var (
		index, total int
		data         []byte
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		index, total, data, err = h.readMultipartChunk(c)
		if err != nil {
			return badRequest(c, err.Error())
		}
	} else {
		var req models.ChunkRequest
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if req.Index == nil {
			return badRequest(c, "index is required")
		}
		index, total, data = *req.Index, req.Total, req.ChunkBytes
	}

	resp, err := h.uploads.AcceptChunk(ctx, owner, id, index, total, data)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, resp)
}

type formError string

func (e formError) Error() string { return string(e) }

func (h *UploadHandler) readMultipartChunk(c echo.Context) (int, int, []byte, error) {
	index, err := strconv.Atoi(c.FormValue("index"))
	if err != nil {
		return 0, 0, nil, formError("index must be an integer")
	}
	total, err := strconv.Atoi(c.FormValue("total"))
	if err != nil {
		return 0, 0, nil, formError("total must be an integer")
	}

	fh, err := c.FormFile("chunk")
	if err != nil {
		return 0, 0, nil, formError("chunk file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return 0, 0, nil, formError("chunk file is unreadable")
	}
	defer f.Close()

	// One byte over the limit is enough for the size check downstream
	data, err := io.ReadAll(io.LimitReader(f, h.maxChunkSize+1))
	if err != nil {
		return 0, 0, nil, formError("chunk file is unreadable")
	}
	return index, total, data, nil
}

// CompleteUpload finalizes an upload and starts processing
// POST /api/v1/uploads/:id/complete
func (h *UploadHandler) CompleteUpload(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	var req models.CompleteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	h.log.WithContext(ctx).Info("completing upload", "media_id", id, "owner", owner, "total", req.Total)

	status, err := h.uploads.Complete(ctx, owner, id, &req)
	if err != nil {
		return h.completeFailed(c, owner, id, err)
	}

	return c.JSON(http.StatusOK, status)
}

// completeFailed answers a rejected upload (missing chunks, bad size or
// checksum) with the asset's progress so the client knows what to resend.
// Other failures use the common error body.
func (h *UploadHandler) completeFailed(c echo.Context, owner, id string, err error) error {
	kind := apperrors.KindOf(err)
	if kind != apperrors.KindChunkMismatch && kind != apperrors.KindValidation {
		return respondError(c, h.log, err)
	}

	current, statusErr := h.uploads.Status(c.Request().Context(), owner, id)
	if statusErr != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(apperrors.HTTPStatus(err), models.CompleteFailure{
		MediaID:   id,
		Status:    "error",
		Progress:  current.Progress,
		Asset:     current.Status,
		Error:     clientMessage(err),
		Code:      string(kind),
		Retryable: apperrors.Retryable(err),
	})
}

// GetStatus returns the state of an upload
// GET /api/v1/uploads/:id/status
func (h *UploadHandler) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	status, err := h.uploads.Status(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, status)
}

// GetDownloadURL issues a time-limited download link.
// ttl is seconds or a duration such as 15m.
// GET /api/v1/uploads/:id/download?ttl=
func (h *UploadHandler) GetDownloadURL(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	var ttl time.Duration
	if raw := c.QueryParam("ttl"); raw != "" {
		ttl, err = parseTTL(raw)
		if err != nil {
			return badRequest(c, "ttl must be seconds or a duration like 15m")
		}
	}

	resp, err := h.uploads.DownloadURL(ctx, owner, c.Param("id"), ttl)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, resp)
}

func parseTTL(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, formError("ttl must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, formError("ttl must be positive")
	}
	return d, nil
}

// ServeBlob streams a blob for a signed local download link. The signature
// replaces the identity header.
// GET /api/v1/uploads/:id/blob?expires=&sig=
func (h *UploadHandler) ServeBlob(c echo.Context) error {
	ctx := c.Request().Context()

	blob, meta, err := h.uploads.OpenSignedDownload(ctx, c.Param("id"), c.QueryParam("expires"), c.QueryParam("sig"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	defer blob.Close()

	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(meta.ByteSize, 10))
	return c.Stream(http.StatusOK, meta.MimeType, blob)
}

// GetRecords lists the derived records of an upload
// GET /api/v1/uploads/:id/records
func (h *UploadHandler) GetRecords(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	records, err := h.uploads.Records(ctx, owner, id)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"media_id": id,
		"records":  records,
		"count":    len(records),
	})
}

// RetryUpload resets a failed upload to pending
// POST /api/v1/uploads/:id/retry
func (h *UploadHandler) RetryUpload(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	status, err := h.uploads.Retry(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, status)
}

// ReprocessUpload runs processing again on a finalized upload
// POST /api/v1/uploads/:id/reprocess
func (h *UploadHandler) ReprocessUpload(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	status, err := h.uploads.Reprocess(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusAccepted, status)
}

// DeleteUpload removes an upload and everything derived from it
// DELETE /api/v1/uploads/:id
func (h *UploadHandler) DeleteUpload(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	if err := h.uploads.Delete(ctx, owner, id); err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"media_id": id,
		"deleted":  true,
	})
}
