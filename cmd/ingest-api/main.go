package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/cmd/ingest-api/routes"
	"github.com/talknote/ingest/common/bootstrap"
	"github.com/talknote/ingest/common/db"
	ingestmw "github.com/talknote/ingest/common/middleware"
	"github.com/talknote/ingest/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, redis, telemetry)
	components, err := bootstrap.Setup(ctx, "ingest-api",
		bootstrap.WithDBInitHook(func(d *db.DB) error { return d.Migrate(ctx) }),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap ingest-api: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Start background consumers
	if err := startWorkers(ctx, serviceContainer); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start workers: %v\n", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(e, components)
}

// startWorkers subscribes the import pipeline and, for the in-process queue,
// the media processor. With redis or sqs the processor runs in ingest-worker.
func startWorkers(ctx context.Context, c *container.Container) error {
	workerCtx, cancel := context.WithCancel(ctx)
	// Registered after the queues, so it runs before they close
	c.Components.AddCleanup(func() error {
		cancel()
		return nil
	})

	if err := c.ImportService.Start(workerCtx); err != nil {
		return fmt.Errorf("import workers: %w", err)
	}

	if c.Components.Config.Queue.Type == "memory" {
		if err := c.DispatchService.Start(workerCtx); err != nil {
			return fmt.Errorf("dispatch workers: %w", err)
		}
	}
	return nil
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(ingestmw.RequestContext())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "ingest-api",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "ingest-api",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterUploadRoutes(e, serviceContainer)
	routes.RegisterImportRoutes(e, serviceContainer)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port

	// Chunk bodies need more time than the default JSON timeouts
	srv := server.New("ingest-api", port, e, components.Logger,
		server.WithTimeouts(2*time.Minute, 2*time.Minute),
		server.WithShutdownTimeout(time.Minute),
	)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
