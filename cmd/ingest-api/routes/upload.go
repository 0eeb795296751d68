package routes

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/cmd/ingest-api/handlers"
	"github.com/talknote/ingest/common/middleware"
)

// RegisterUploadRoutes registers all upload-related routes
func RegisterUploadRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewUploadHandler(c)

	uploads := e.Group("/api/v1/uploads")
	uploads.Use(middleware.ExtractOwner()) // Extract X-User-ID into context
	{
		uploads.POST("", h.CreateUpload, createLimit(c, "upload_create")...) // POST /api/v1/uploads
		uploads.PUT("/:id/content", h.UploadContent)                         // PUT /api/v1/uploads/{id}/content
		uploads.POST("/:id/chunks", h.UploadChunk, chunkBodyLimit(c))        // POST /api/v1/uploads/{id}/chunks
		uploads.POST("/:id/complete", h.CompleteUpload)                      // POST /api/v1/uploads/{id}/complete
		uploads.GET("/:id/status", h.GetStatus)                              // GET /api/v1/uploads/{id}/status
		uploads.GET("/:id/download", h.GetDownloadURL)                       // GET /api/v1/uploads/{id}/download?ttl=3600
		uploads.GET("/:id/blob", h.ServeBlob)                                // GET /api/v1/uploads/{id}/blob?expires=&sig=
		uploads.GET("/:id/records", h.GetRecords)                            // GET /api/v1/uploads/{id}/records
		uploads.POST("/:id/retry", h.RetryUpload)                            // POST /api/v1/uploads/{id}/retry
		uploads.POST("/:id/reprocess", h.ReprocessUpload)                    // POST /api/v1/uploads/{id}/reprocess
		uploads.DELETE("/:id", h.DeleteUpload)                               // DELETE /api/v1/uploads/{id}
	}
}

// chunkBodyLimit caps chunk requests at MAX_CHUNK_SIZE once base64 encoded,
// plus room for the JSON or multipart envelope.
func chunkBodyLimit(c *container.Container) echo.MiddlewareFunc {
	const envelope = 64 << 10
	limit := c.Components.Config.Storage.MaxChunkSize*4/3 + envelope
	return echomw.BodyLimit(fmt.Sprintf("%dK", (limit+1023)/1024))
}

// createLimit returns the per-owner quota for create endpoints, or nothing
// when FEATURE_RATE_LIMIT is off.
func createLimit(c *container.Container, action string) []echo.MiddlewareFunc {
	cfg := c.Components.Config
	if !cfg.Features.EnableRateLimit {
		return nil
	}
	return []echo.MiddlewareFunc{
		middleware.OwnerRateLimitMiddleware(c.Limiter, action, int64(cfg.RateLimit.PerMinute), time.Minute, c.Components.Logger),
	}
}
