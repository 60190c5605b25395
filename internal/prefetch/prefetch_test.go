package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/internal/cache"
	"github.com/chunkfs/chunkfs/internal/digest"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// slowBackend serves deterministic chunk content keyed by offset and
// counts calls.
type slowBackend struct {
	calls atomic.Int64
	delay time.Duration
	blob  []byte
	mu    sync.Mutex
}

func (b *slowBackend) ReadRange(ctx context.Context, blobID string, offset, length int64) ([]byte, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, length)
	copy(out, b.blob[offset:offset+length])
	return out, nil
}

func (b *slowBackend) Kind() string { return "slow" }
func (b *slowBackend) Close() error { return nil }

func buildChunks(n, size int) (*slowBackend, []types.ChunkDesc) {
	backend := &slowBackend{}
	var chunks []types.ChunkDesc
	for i := 0; i < n; i++ {
		content := make([]byte, size)
		for j := range content {
			content[j] = byte(i) ^ byte(j)
		}
		chunks = append(chunks, types.ChunkDesc{
			Digest:           digest.Sum(types.DigestSHA256, content),
			BlobID:           "blob",
			CompressedOffset: int64(len(backend.blob)),
			CompressedSize:   int64(size),
			UncompressedSize: int64(size),
			Compression:      types.CompressionNone,
		})
		backend.blob = append(backend.blob, content...)
	}
	return backend, chunks
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForCalls(t *testing.T, backend *slowBackend, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for backend.calls.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("backend saw %d calls, want %d", backend.calls.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScheduler_WarmsCache(t *testing.T) {
	backend, chunks := buildChunks(8, 128)
	c := newCache(t)
	s := New(Config{Workers: 2, QueueDepth: 16}, c, backend, nil, nil)
	defer s.Stop()

	require.NoError(t, s.Enqueue(chunks...))
	waitForCalls(t, backend, 8)

	// All chunks are now resident: foreground reads hit memory.
	before := backend.calls.Load()
	for _, chunk := range chunks {
		_, err := c.Get(context.Background(), chunk, backend)
		require.NoError(t, err)
	}
	assert.Equal(t, before, backend.calls.Load())
}

func TestScheduler_ConvergesWithForeground(t *testing.T) {
	backend, chunks := buildChunks(1, 512)
	backend.delay = 30 * time.Millisecond
	c := newCache(t)
	s := New(Config{Workers: 1, QueueDepth: 4}, c, backend, nil, nil)
	defer s.Stop()

	// Prefetch and a foreground read race for the same chunk.
	require.NoError(t, s.Enqueue(chunks[0]))
	data, err := c.Get(context.Background(), chunks[0], backend)
	require.NoError(t, err)
	assert.Len(t, data, 512)

	waitForCalls(t, backend, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), backend.calls.Load(),
		"prefetch racing a foreground miss must collapse into one fetch")
}

func TestScheduler_StopRejectsEnqueue(t *testing.T) {
	backend, chunks := buildChunks(1, 16)
	c := newCache(t)
	s := New(Config{Workers: 1, QueueDepth: 4}, c, backend, nil, nil)

	s.Stop()
	err := s.Enqueue(chunks[0])
	assert.True(t, errors.IsCode(err, errors.ErrCodeQueueClosed))
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	backend, _ := buildChunks(1, 16)
	c := newCache(t)
	s := New(Config{Workers: 2, QueueDepth: 4}, c, backend, nil, nil)

	s.Stop()
	s.Stop()
}

func TestScheduler_StopLetsInFlightComplete(t *testing.T) {
	backend, chunks := buildChunks(1, 256)
	backend.delay = 50 * time.Millisecond
	c := newCache(t)
	s := New(Config{Workers: 1, QueueDepth: 4}, c, backend, nil, nil)

	require.NoError(t, s.Enqueue(chunks[0]))
	waitForCalls(t, backend, 1)
	s.Stop() // must block until the in-flight fetch resolved

	// The fetched chunk is in the cache despite the stop.
	before := backend.calls.Load()
	_, err := c.Get(context.Background(), chunks[0], backend)
	require.NoError(t, err)
	assert.Equal(t, before, backend.calls.Load())
}

func TestScheduler_QueuedItemsDroppedOnStop(t *testing.T) {
	backend, chunks := buildChunks(16, 64)
	backend.delay = 20 * time.Millisecond
	c := newCache(t)
	s := New(Config{Workers: 1, QueueDepth: 32}, c, backend, nil, nil)

	require.NoError(t, s.Enqueue(chunks...))
	waitForCalls(t, backend, 1)
	s.Stop()

	calls := backend.calls.Load()
	assert.Less(t, calls, int64(16), "stop must not drain the whole queue")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, backend.calls.Load(), "no dequeues after stop")
}
