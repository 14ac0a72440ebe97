package bootstrap

import (
	"context"
	"log/slog"

	"github.com/aurelia-ai/pipeline/config"
	"github.com/aurelia-ai/pipeline/internal/objectstore"
)

// ConnectStorage builds the raw-object store from configuration. The
// in-memory store is only intended for development and tests; everything
// else goes through the S3-compatible backend.
//
//nolint:ireturn // returning objectstore.Store lets callers swap memory and S3 backends.
func ConnectStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (objectstore.Store, error) {
	if cfg.UseMemory {
		if logger != nil {
			logger.InfoContext(ctx, "object store connected", "backend", "memory")
		}
		return objectstore.NewMemoryStore(), nil
	}

	store, err := objectstore.ConnectS3(ctx, objectstore.S3Options{
		Region:          cfg.Region,
		Bucket:          cfg.Bucket,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.InfoContext(ctx, "object store connected",
			"backend", "s3",
			"bucket", cfg.Bucket,
			"region", cfg.Region,
		)
	}

	return store, nil
}
