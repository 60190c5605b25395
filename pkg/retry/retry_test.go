package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/pkg/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	attempts := 0
	r := New(fastConfig())

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrCodeBackendTransient, "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PermanentShortCircuits(t *testing.T) {
	attempts := 0
	r := New(fastConfig())

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New(errors.ErrCodeBlobNotFound, "missing")
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBlobNotFound))
}

func TestDo_CorruptionNeverRetried(t *testing.T) {
	attempts := 0
	r := New(fastConfig())

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New(errors.ErrCodeCorruptChunk, "digest mismatch")
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruptChunk))
}

func TestDo_ExhaustionWrapsLastError(t *testing.T) {
	attempts := 0
	r := New(fastConfig())

	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New(errors.ErrCodeBackendTransient, "still down")
	})

	assert.Equal(t, 3, attempts)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.Is(err, errors.New(errors.ErrCodeBackendTransient, "")))
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{
		MaxAttempts:  5,
		InitialDelay: time.Hour, // never actually sleeps this long
		Multiplier:   2.0,
	})

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(ctx context.Context) error {
			return errors.New(errors.ErrCodeBackendTransient, "down")
		})
	}()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.IsCode(err, errors.ErrCodeBackendTimeout))
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestDo_OnRetryObservesDelays(t *testing.T) {
	var delays []time.Duration
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}
	r := New(cfg)

	_ = r.Do(context.Background(), func(ctx context.Context) error {
		return errors.New(errors.ErrCodeBackendTransient, "down")
	})

	require.Len(t, delays, 2) // 3 attempts, 2 sleeps
	assert.GreaterOrEqual(t, delays[1], delays[0])
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 3, r.config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.config.InitialDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
}
