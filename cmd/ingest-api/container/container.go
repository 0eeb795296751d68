package container

import (
	"context"
	"fmt"
	"time"

	"github.com/talknote/ingest/cmd/ingest-api/repository"
	"github.com/talknote/ingest/cmd/ingest-api/service"
	"github.com/talknote/ingest/common/awsclient"
	"github.com/talknote/ingest/common/bootstrap"
	"github.com/talknote/ingest/common/cache"
	"github.com/talknote/ingest/common/fetcher"
	"github.com/talknote/ingest/common/lock"
	"github.com/talknote/ingest/common/processing"
	"github.com/talknote/ingest/common/queue"
	"github.com/talknote/ingest/common/ratelimit"
	"github.com/talknote/ingest/common/storage"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Infrastructure
	Backend    storage.Backend
	Queue      queue.Queue // media.process, memory/redis/sqs
	ImportPool queue.Queue // always in-process
	JobStore   cache.Cache
	Locker     lock.Locker
	Limiter    ratelimit.Limiter
	Provider   processing.Provider
	Registry   *processing.Registry

	// Repositories
	RecordRepo    repository.RecordRepository
	ImportJobRepo *repository.ImportJobRepository

	// Services
	DispatchService *service.DispatchService
	UploadService   *service.UploadService
	ImportService   *service.ImportService
}

// NewContainer initializes all services and repositories once.
// Closable resources are registered with components for shutdown.
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Locks: Redis when shared across replicas, in-process otherwise
	var locker lock.Locker = lock.NewKeyedMutex()
	if components.Redis != nil {
		locker = lock.NewRedisLock(components.Redis, "ingest:lock:", 30*time.Second)
	}

	backend, err := storage.New(ctx, cfg, locker, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	q, err := newQueue(ctx, components)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	components.AddCleanup(q.Close)

	importPool := queue.NewMemoryQueue(log,
		queue.WithBufferSize(cfg.Queue.BufferSize),
		queue.WithWorkers(cfg.Queue.ImportWorkers),
	)
	components.AddCleanup(importPool.Close)

	jobStore, err := newJobStore(components)
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}
	components.AddCleanup(jobStore.Close)

	var limiter ratelimit.Limiter = ratelimit.NewLocalLimiter()
	if components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	provider, err := processing.NewProvider(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	registry := processing.NewRegistry(provider)

	// Initialize repositories
	var recordRepo repository.RecordRepository
	if components.DB != nil {
		recordRepo = repository.NewPostgresRecordRepository(components.DB)
	} else {
		recordRepo = repository.NewMemoryRecordRepository()
	}
	importJobRepo := repository.NewImportJobRepository(jobStore, cfg.Import.JobRetention)

	// Initialize services (bottom-up: dependencies first)
	dispatchService := service.NewDispatchService(
		backend,
		q,
		registry,
		recordRepo,
		components.Telemetry,
		log,
	)

	uploadService := service.NewUploadService(
		backend,
		dispatchService,
		recordRepo,
		locker,
		service.UploadConfig{
			MaxUploadSize:  cfg.Storage.MaxUploadSize,
			DownloadURLTTL: cfg.Storage.DownloadURLTTL,
			StalledAfter:   cfg.Queue.StalledAfter,
		},
		log,
	)

	webFetcher := fetcher.New(fetcher.Config{
		Timeout:      cfg.Import.FetchTimeout,
		MaxBytes:     cfg.Import.FetchMaxBytes,
		AllowPrivate: cfg.Import.AllowPrivateHosts,
	}, log)

	importService := service.NewImportService(
		importJobRepo,
		importPool,
		webFetcher,
		backend,
		registry,
		provider,
		components.Telemetry,
		service.ImportConfig{
			PageLimit:    cfg.Import.PageLimit,
			SplitEnabled: cfg.Features.EnableImportSplit,
		},
		log,
	)

	log.Info("service container ready",
		"storage", backend.Name(),
		"queue", cfg.Queue.Type,
		"job_store", cfg.Import.JobStore,
		"record_store", cfg.Database.RecordStore,
		"provider", provider.Name(),
	)

	return &Container{
		Components:      components,
		Backend:         backend,
		Queue:           q,
		ImportPool:      importPool,
		JobStore:        jobStore,
		Locker:          locker,
		Limiter:         limiter,
		Provider:        provider,
		Registry:        registry,
		RecordRepo:      recordRepo,
		ImportJobRepo:   importJobRepo,
		DispatchService: dispatchService,
		UploadService:   uploadService,
		ImportService:   importService,
	}, nil
}

// newQueue builds the processing queue named by QUEUE_TYPE
func newQueue(ctx context.Context, components *bootstrap.Components) (queue.Queue, error) {
	cfg := components.Config
	log := components.Logger

	switch cfg.Queue.Type {
	case "memory":
		return queue.NewMemoryQueue(log,
			queue.WithBufferSize(cfg.Queue.BufferSize),
			queue.WithWorkers(cfg.Queue.DispatchWorkers),
		), nil

	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("queue type redis requires REDIS_ENABLED=true")
		}
		return queue.NewRedisStreamQueue(components.Redis, cfg.Queue.StreamGroup, cfg.Queue.DispatchWorkers, log), nil

	case "sqs":
		awsCfg, err := awsclient.Load(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return queue.NewSQSQueue(awsclient.NewSQS(awsCfg), cfg.Queue.SQSQueueURL, cfg.Queue.DispatchWorkers, log), nil
	}
	return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
}

// newJobStore builds the import job store named by JOB_STORE
func newJobStore(components *bootstrap.Components) (cache.Cache, error) {
	cfg := components.Config

	switch cfg.Import.JobStore {
	case "memory":
		return cache.NewMemoryCache(components.Logger), nil

	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("job store redis requires REDIS_ENABLED=true")
		}
		return cache.NewRedisCache(components.Redis, "ingest:"), nil

	case "sqlite":
		store, err := cache.OpenSQLiteCache(cfg.Import.JobStorePath, time.Minute, components.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown job store: %s", cfg.Import.JobStore)
}
