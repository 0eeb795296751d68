package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talknote/ingest/cmd/ingest-api/container"
	"github.com/talknote/ingest/common/bootstrap"
	"golang.org/x/sync/errgroup"
)

// ingest-worker consumes media.process from a shared queue (redis or sqs)
// so processing can scale apart from the API.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "ingest-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	if components.Config.Queue.Type == "memory" {
		components.Logger.Error("ingest-worker needs a shared queue, set QUEUE_TYPE to redis or sqs")
		os.Exit(1)
	}

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := serviceContainer.DispatchService.Start(gctx); err != nil {
			return fmt.Errorf("dispatch worker error: %w", err)
		}
		components.Logger.Info("ingest-worker started successfully", "queue", components.Config.Queue.Type)
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		return serveHealth(gctx, components)
	})

	if err := g.Wait(); err != nil {
		components.Logger.Error("worker failed", "error", err)
		os.Exit(1)
	}

	components.Logger.Info("ingest-worker shutting down gracefully")
}

// serveHealth exposes /health for the orchestrator until ctx ends
func serveHealth(ctx context.Context, components *bootstrap.Components) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "ingest-worker",
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "ingest-worker",
		})
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", components.Config.Service.Port))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}
