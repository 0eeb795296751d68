package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/cmd/ingest-api/handlers"
	"github.com/talknote/ingest/common/middleware"
)

// RegisterImportRoutes registers all import-related routes
func RegisterImportRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewImportHandler(c)

	imports := e.Group("/api/v1/imports")
	imports.Use(middleware.ExtractOwner())
	{
		imports.POST("", h.CreateImport, createLimit(c, "import_create")...) // POST /api/v1/imports
		imports.GET("/:id", h.GetImportStatus)                               // GET /api/v1/imports/{id}
		imports.GET("/:id/status", h.GetImportStatus)                        // GET /api/v1/imports/{id}/status
		imports.GET("/:id/result", h.GetImportResult)                        // GET /api/v1/imports/{id}/result
		imports.POST("/:id/retry", h.RetryImport)                            // POST /api/v1/imports/{id}/retry
	}
}
