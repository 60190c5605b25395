package backend

import (
	"context"
	"log/slog"

	"github.com/chunkfs/chunkfs/internal/backend/localfs"
	"github.com/chunkfs/chunkfs/internal/backend/oss"
	"github.com/chunkfs/chunkfs/internal/backend/registry"
	"github.com/chunkfs/chunkfs/internal/backend/s3"
	"github.com/chunkfs/chunkfs/internal/config"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/ratelimit"
	"github.com/chunkfs/chunkfs/pkg/retry"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Open builds the configured backend variant and wraps it with the
// request policy: rate limiting, per-attempt timeout, and retry. creds
// may be nil for variants that need none.
func Open(ctx context.Context, cfg config.BackendConfig, creds types.CredentialProvider, logger *slog.Logger, observer Observer) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var inner types.RangeReader
	var err error

	switch cfg.Kind {
	case "localfs":
		inner, err = localfs.New(localfs.Config{RootPath: cfg.LocalFS.RootPath})
	case "oss":
		inner, err = oss.New(oss.Config{
			Endpoint:       cfg.OSS.Endpoint,
			Bucket:         cfg.OSS.Bucket,
			ObjectPrefix:   cfg.OSS.ObjectPrefix,
			ConnectTimeout: cfg.OSS.ConnectTimeout,
		}, creds)
	case "registry":
		inner, err = registry.New(registry.Config{
			Endpoint:       cfg.Registry.Endpoint,
			Repository:     cfg.Registry.Repository,
			ConnectTimeout: cfg.Registry.ConnectTimeout,
		}, creds)
	case "s3":
		inner, err = s3.New(ctx, s3.Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			ObjectPrefix:    cfg.S3.ObjectPrefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			SessionToken:    cfg.S3.SessionToken,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		}, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown backend kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	rateCfg, err := RateLimitFromConfig(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	return NewClient(inner, Options{
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		RateLimit:      rateCfg,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Observer:       observer,
	}), nil
}

// RateLimitFromConfig resolves the size-string byte budgets into a
// limiter config. The session uses the same budgets to derive the
// prefetch gate.
func RateLimitFromConfig(cfg config.RateLimitConfig) (ratelimit.Config, error) {
	out := ratelimit.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	}
	if cfg.BytesPerSecond != "" {
		n, err := config.ParseSize(cfg.BytesPerSecond)
		if err != nil {
			return out, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid bytes_per_second", err)
		}
		out.BytesPerSecond = float64(n)
	}
	if cfg.ByteBurst != "" {
		n, err := config.ParseSize(cfg.ByteBurst)
		if err != nil {
			return out, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid byte_burst", err)
		}
		out.ByteBurst = int(n)
	}
	return out, nil
}
