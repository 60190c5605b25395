package backend

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/ratelimit"
	"github.com/chunkfs/chunkfs/pkg/retry"
)

// fakeReader scripts per-attempt outcomes for one logical range read.
type fakeReader struct {
	attempts atomic.Int64
	fn       func(attempt int64, ctx context.Context, blobID string, offset, length int64) ([]byte, error)
}

func (f *fakeReader) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	n := f.attempts.Add(1)
	return f.fn(n, ctx, blobID, offset, length)
}

func (f *fakeReader) Kind() string { return "fake" }
func (f *fakeReader) Close() error { return nil }

func fastOptions() Options {
	return Options{
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		},
		RequestTimeout: time.Second,
	}
}

func TestReadRange_TransientTwiceThenSuccess(t *testing.T) {
	want := []byte("chunkdata")
	inner := &fakeReader{fn: func(attempt int64, _ context.Context, _ string, _, _ int64) ([]byte, error) {
		if attempt <= 2 {
			return nil, errors.New(errors.ErrCodeBackendTransient, "flaky")
		}
		return want, nil
	}}
	c := NewClient(inner, fastOptions())

	data, err := c.ReadRange(context.Background(), "blob", 0, int64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, data)
	assert.Equal(t, int64(3), inner.attempts.Load())
}

func TestReadRange_NotFoundSingleAttempt(t *testing.T) {
	inner := &fakeReader{fn: func(int64, context.Context, string, int64, int64) ([]byte, error) {
		return nil, errors.New(errors.ErrCodeBlobNotFound, "missing")
	}}
	c := NewClient(inner, fastOptions())

	start := time.Now()
	_, err := c.ReadRange(context.Background(), "blob", 0, 8)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBlobNotFound))
	assert.Equal(t, int64(1), inner.attempts.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond, "no retry delay for permanent failures")
}

func TestReadRange_RetriesExhausted(t *testing.T) {
	inner := &fakeReader{fn: func(int64, context.Context, string, int64, int64) ([]byte, error) {
		return nil, errors.New(errors.ErrCodeBackendTransient, "down")
	}}
	c := NewClient(inner, fastOptions())

	_, err := c.ReadRange(context.Background(), "blob", 0, 8)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.Equal(t, int64(3), inner.attempts.Load())
}

func TestReadRange_ShortReadRetried(t *testing.T) {
	want := []byte("full-length-data")
	inner := &fakeReader{fn: func(attempt int64, _ context.Context, _ string, _, length int64) ([]byte, error) {
		if attempt == 1 {
			return want[:4], nil
		}
		return want, nil
	}}
	c := NewClient(inner, fastOptions())

	data, err := c.ReadRange(context.Background(), "blob", 0, int64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, data)
	assert.Equal(t, int64(2), inner.attempts.Load())
}

func TestReadRange_PerAttemptTimeout(t *testing.T) {
	inner := &fakeReader{fn: func(attempt int64, ctx context.Context, _ string, _, _ int64) ([]byte, error) {
		if attempt == 1 {
			<-ctx.Done() // hang until the per-request deadline fires
			return nil, ctx.Err()
		}
		return []byte("ok"), nil
	}}
	opts := fastOptions()
	opts.RequestTimeout = 20 * time.Millisecond
	c := NewClient(inner, opts)

	data, err := c.ReadRange(context.Background(), "blob", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int64(2), inner.attempts.Load())
}

func TestReadRange_InvalidRange(t *testing.T) {
	c := NewClient(&fakeReader{fn: func(int64, context.Context, string, int64, int64) ([]byte, error) {
		t.Fatal("backend must not be called for invalid ranges")
		return nil, nil
	}}, fastOptions())

	_, err := c.ReadRange(context.Background(), "blob", -1, 8)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRangeInvalid))

	_, err = c.ReadRange(context.Background(), "blob", 0, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRangeInvalid))
}

func TestReadRange_RateLimiterShared(t *testing.T) {
	inner := &fakeReader{fn: func(_ int64, _ context.Context, _ string, _, length int64) ([]byte, error) {
		return make([]byte, length), nil
	}}
	opts := fastOptions()
	opts.RateLimit = ratelimit.Config{RequestsPerSecond: 50, RequestBurst: 1}
	c := NewClient(inner, opts)

	ctx := context.Background()
	_, err := c.ReadRange(ctx, "blob", 0, 4)
	require.NoError(t, err)

	// Second read must wait for a token.
	start := time.Now()
	_, err = c.ReadRange(ctx, "blob", 4, 4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	assert.NotNil(t, c.Limiter())
}

type countingObserver struct {
	calls atomic.Int64
	bytes atomic.Int64
}

func (o *countingObserver) ObserveBackendRequest(kind string, d time.Duration, n int64, err error) {
	o.calls.Add(1)
	o.bytes.Add(n)
}

func TestReadRange_ObserverSeesRequest(t *testing.T) {
	inner := &fakeReader{fn: func(_ int64, _ context.Context, _ string, _, length int64) ([]byte, error) {
		return make([]byte, length), nil
	}}
	obs := &countingObserver{}
	opts := fastOptions()
	opts.Observer = obs
	c := NewClient(inner, opts)

	_, err := c.ReadRange(context.Background(), "blob", 0, 128)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obs.calls.Load())
	assert.Equal(t, int64(128), obs.bytes.Load())
}
