package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/cmd/ingest-api/models"
	"github.com/talknote/ingest/cmd/ingest-api/service"
	"github.com/talknote/ingest/common/logger"
	"github.com/talknote/ingest/common/middleware"
)

// ImportHandler handles HTTP requests for content imports
type ImportHandler struct {
	imports *service.ImportService
	log     *logger.Logger
}

// NewImportHandler creates a new import handler
func NewImportHandler(c *container.Container) *ImportHandler {
	return &ImportHandler{
		imports: c.ImportService,
		log:     c.Components.Logger,
	}
}

// CreateImport schedules a URL or file import
// POST /api/v1/imports
func (h *ImportHandler) CreateImport(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	var req models.CreateImportRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	h.log.WithContext(ctx).Info("creating import", "owner", owner, "source_type", req.Source.Type)

	resp, err := h.imports.Create(ctx, owner, &req)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusAccepted, resp)
}

// GetImportStatus returns progress of an import job
// GET /api/v1/imports/:id
func (h *ImportHandler) GetImportStatus(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	status, err := h.imports.Status(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, status)
}

// GetImportResult returns the extracted content of a completed import
// GET /api/v1/imports/:id/result
func (h *ImportHandler) GetImportResult(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	result, err := h.imports.Result(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusOK, result)
}

// RetryImport starts a new job from a failed one
// POST /api/v1/imports/:id/retry
func (h *ImportHandler) RetryImport(c echo.Context) error {
	ctx := c.Request().Context()

	owner, ok, err := middleware.RequireOwner(c)
	if !ok {
		return err
	}

	resp, err := h.imports.Retry(ctx, owner, c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}

	return c.JSON(http.StatusAccepted, resp)
}
