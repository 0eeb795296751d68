package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/talknote/ingest/common/awsclient"
	"github.com/talknote/ingest/common/config"
	"github.com/talknote/ingest/common/lock"
	"github.com/talknote/ingest/common/logger"
)

// New selects the backend named by cfg.Storage.Backend
func New(ctx context.Context, cfg *config.Config, locker lock.Locker, log *logger.Logger) (Backend, error) {
	opts := Options{
		MaxDirectUploadSize: cfg.Storage.MaxDirectUploadSize,
		MaxChunkSize:        cfg.Storage.MaxChunkSize,
		Locker:              locker,
	}

	switch cfg.Storage.Backend {
	case "local":
		b, err := NewLocalBackend(cfg.Storage.LocalPath, cfg.Service.BaseURL, cfg.Storage.SigningKey, opts, log)
		if err != nil {
			return nil, err
		}
		log.Info("Local storage initialized", "path", cfg.Storage.LocalPath)
		return b, nil

	case "s3":
		awsCfg, err := awsclient.Load(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client := awsclient.NewS3(awsCfg, cfg)
		b := NewS3Backend(client, s3.NewPresignClient(client), S3Config{
			Bucket:     cfg.Storage.Bucket,
			Prefix:     cfg.Storage.Prefix,
			PresignTTL: cfg.Storage.PresignTTL,
		}, opts, log)
		log.Info("S3 storage initialized", "bucket", cfg.Storage.Bucket, "prefix", cfg.Storage.Prefix)
		return b, nil
	}
	return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
}
