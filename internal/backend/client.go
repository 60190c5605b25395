// Package backend wraps backend variants with the shared request policy:
// token-bucket rate limiting, bounded retry with exponential backoff, and
// a hard per-request timeout.
package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/ratelimit"
	"github.com/chunkfs/chunkfs/pkg/retry"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Observer receives per-request backend telemetry. Implemented by the
// metrics collector; a nil Observer disables reporting.
type Observer interface {
	ObserveBackendRequest(kind string, duration time.Duration, bytes int64, err error)
}

// Options configures the request policy around a backend variant.
type Options struct {
	Retry          retry.Config
	RateLimit      ratelimit.Config
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Observer       Observer
}

// Client applies the request policy to an inner RangeReader. The rate
// limiter is shared by reference across every caller of this backend
// instance, foreground and prefetch alike.
type Client struct {
	inner    types.RangeReader
	retryer  *retry.Retryer
	limiter  *ratelimit.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// NewClient wraps inner with opts. The returned Client is itself a
// RangeReader and is safe for concurrent use.
func NewClient(inner types.RangeReader, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		inner:    inner,
		retryer:  retry.New(opts.Retry),
		limiter:  ratelimit.New(opts.RateLimit),
		timeout:  timeout,
		logger:   logger,
		observer: opts.Observer,
	}
}

// Limiter exposes the shared token bucket so the prefetch scheduler can
// derive a scaled gate from the same budgets.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// ReadRange reads exactly length bytes of blobID at offset. Transient
// failures and timeouts are retried with backoff up to the configured
// attempt budget; not-found, auth, and permanent failures surface on the
// first attempt.
func (c *Client) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, errors.Newf(errors.ErrCodeRangeInvalid,
			"invalid range %d+%d", offset, length).WithBlob(blobID).WithBackend(c.inner.Kind())
	}

	// The byte budget is charged once per logical read: retries of a
	// failed attempt do not re-bill bytes that never arrived.
	if err := c.limiter.WaitBytes(ctx, length); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendTimeout, "byte budget wait aborted", err).
			WithBlob(blobID).WithBackend(c.inner.Kind())
	}

	start := time.Now()
	var data []byte
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.WaitRequest(ctx); err != nil {
			return errors.Wrap(errors.ErrCodeBackendTimeout, "request budget wait aborted", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		got, err := c.inner.ReadRange(attemptCtx, blobID, offset, length)
		if err != nil {
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				// The attempt hit the per-request deadline, not caller
				// cancellation: retry instead of blocking indefinitely.
				return errors.Wrap(errors.ErrCodeBackendTimeout, "request deadline exceeded", err).
					WithBlob(blobID).WithBackend(c.inner.Kind())
			}
			return err
		}
		if int64(len(got)) != length {
			return errors.Newf(errors.ErrCodeBackendTransient,
				"short read: got %d of %d bytes", len(got), length).
				WithBlob(blobID).WithBackend(c.inner.Kind())
		}
		data = got
		return nil
	})

	duration := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveBackendRequest(c.inner.Kind(), duration, int64(len(data)), err)
	}
	if err != nil {
		c.logger.Warn("backend range read failed",
			"backend", c.inner.Kind(),
			"blob", blobID,
			"offset", offset,
			"length", length,
			"duration", duration,
			"error", err)
		return nil, err
	}
	return data, nil
}

// Kind reports the wrapped variant's kind.
func (c *Client) Kind() string { return c.inner.Kind() }

// Close closes the wrapped variant.
func (c *Client) Close() error { return c.inner.Close() }
