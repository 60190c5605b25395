// Package session assembles one image-open session from configuration:
// the backend client, the chunk cache, the prefetch scheduler, and the
// metrics collector share one lifetime and one rate budget. Devices are
// opened per file against the session's cache and backend.
package session

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/chunkfs/chunkfs/internal/backend"
	"github.com/chunkfs/chunkfs/internal/cache"
	"github.com/chunkfs/chunkfs/internal/chunktable"
	"github.com/chunkfs/chunkfs/internal/config"
	"github.com/chunkfs/chunkfs/internal/device"
	"github.com/chunkfs/chunkfs/internal/metrics"
	"github.com/chunkfs/chunkfs/internal/prefetch"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Session owns the shared engine state of one open image.
type Session struct {
	Backend  *backend.Client
	Cache    *cache.Cache
	Prefetch *prefetch.Scheduler // nil when disabled
	Metrics  *metrics.Collector

	cfg    *config.Configuration
	logger *slog.Logger
}

// Open validates cfg and builds the session. creds may be nil for
// backends that need none; a nil logger is built from the global config.
func Open(ctx context.Context, cfg *config.Configuration, creds types.CredentialProvider, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid configuration", err)
	}
	if logger == nil {
		logger = newLogger(cfg.Global)
	}

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "metrics setup failed", err)
	}

	client, err := backend.Open(ctx, cfg.Backend, creds, logger, collector)
	if err != nil {
		return nil, err
	}

	cacheCfg, err := cacheConfig(cfg.Cache, logger, collector)
	if err != nil {
		client.Close()
		return nil, err
	}
	c, err := cache.New(cacheCfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	s := &Session{
		Backend: client,
		Cache:   c,
		Metrics: collector,
		cfg:     cfg,
		logger:  logger,
	}

	if cfg.Prefetch.Enabled {
		rateCfg, err := backend.RateLimitFromConfig(cfg.Backend.RateLimit)
		if err != nil {
			s.Close()
			return nil, err
		}
		gate := client.Limiter().Scaled(rateCfg, cfg.Prefetch.RateShare)
		s.Prefetch = prefetch.New(prefetch.Config{
			Workers:    cfg.Prefetch.Workers,
			QueueDepth: cfg.Prefetch.QueueDepth,
		}, c, client, gate, logger)
		if err := collector.RegisterPrefetchQueue(s.Prefetch.QueueDepth); err != nil {
			s.Close()
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "metrics setup failed", err)
		}
	}

	if err := collector.Start(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenDevice builds the read facade for one file from its chunk layout.
func (s *Session) OpenDevice(chunks []types.ChunkDesc) (*device.Device, error) {
	table, err := chunktable.New(chunks)
	if err != nil {
		return nil, err
	}
	return device.New(device.Config{
		MergeReads: s.cfg.Device.MergeReads,
		Logger:     s.logger,
	}, table, s.Cache, s.Backend), nil
}

// Close stops the scheduler, releases the cache, and closes the backend.
// Safe to call on a partially constructed session.
func (s *Session) Close() error {
	if s.Prefetch != nil {
		s.Prefetch.Stop()
	}
	if s.Metrics != nil {
		_ = s.Metrics.Stop(context.Background())
	}
	var firstErr error
	if s.Cache != nil {
		firstErr = s.Cache.Close()
	}
	if s.Backend != nil {
		if err := s.Backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cacheConfig resolves the yaml cache section, parsing its size strings.
func cacheConfig(cfg config.CacheConfig, logger *slog.Logger, observer cache.Observer) (cache.Config, error) {
	out := cache.Config{
		ShardCount: cfg.ShardCount,
		RetryAfter: cfg.RetryAfter,
		Logger:     logger,
		Observer:   observer,
	}
	if cfg.Capacity != "" {
		capacity, err := config.ParseSize(cfg.Capacity)
		if err != nil {
			return out, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid cache capacity", err)
		}
		out.Capacity = capacity
	}
	if cfg.Disk.Enabled {
		disk := &cache.DiskConfig{Directory: cfg.Disk.Directory}
		if cfg.Disk.MaxSize != "" {
			maxSize, err := config.ParseSize(cfg.Disk.MaxSize)
			if err != nil {
				return out, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid disk cache size", err)
			}
			disk.MaxSize = maxSize
		}
		out.Disk = disk
	}
	return out, nil
}

// newLogger builds the session logger from the global config. A log file
// that cannot be opened falls back to stderr.
func newLogger(cfg config.GlobalConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if cfg.LogFile != "" {
		if f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
