// Package cache implements the digest-keyed chunk cache: the single-flight,
// verified, bounded store between the blob device and the backend client.
//
// Entries are content-addressed by chunk digest, so identical content
// across different files or blobs shares one entry and one fetch. The
// cache is an explicit handle owned by the image-open session, not a
// process singleton.
package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/chunkfs/chunkfs/internal/compression"
	"github.com/chunkfs/chunkfs/internal/digest"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Config configures a chunk cache.
type Config struct {
	// Capacity is the in-memory byte budget over decompressed chunk
	// sizes. Zero means unbounded.
	Capacity int64 `yaml:"capacity"`

	// ShardCount is the number of lock shards over the digest map.
	ShardCount int `yaml:"shard_count"`

	// RetryAfter is how long a failed fetch blocks re-attempts for its
	// digest. Corrupt chunks use the same window: corruption is never
	// retried automatically, only by a later call after the window.
	RetryAfter time.Duration `yaml:"retry_after"`

	// Disk, if non-nil, enables the durable backing store.
	Disk *DiskConfig `yaml:"disk"`

	Logger   *slog.Logger `yaml:"-"`
	Observer Observer     `yaml:"-"`
}

// Observer receives cache telemetry. Implemented by the metrics collector.
type Observer interface {
	ObserveCacheHit()
	ObserveCacheMiss()
	ObserveCacheEviction(bytes int64)
	ObserveFetchFailure()
	ObserveCachedBytes(total int64)
}

// flight is one in-progress fetch. Its fields are written exactly once
// before done is closed, so waiters read them without locks.
type flight struct {
	done chan struct{}
	data []byte
	err  error
}

type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	digest  types.Digest
	state   entryState
	flight  *flight       // set while Pending
	data    []byte        // set once Ready
	size    int64         // decompressed size, for accounting
	err     error         // set while Failed
	retryAt time.Time     // Failed entries are retried after this instant
	elem    *list.Element // recency position while Ready and resident
}

type shard struct {
	mu      sync.Mutex
	entries map[types.Digest]*entry
}

// Cache is the chunk cache. Safe for concurrent use.
type Cache struct {
	shards     []*shard
	capacity   int64
	retryAfter time.Duration
	logger     *slog.Logger
	observer   Observer
	disk       *DiskStore

	// Recency and byte accounting for Ready entries, independent of the
	// per-digest shard locks.
	lruMu   sync.Mutex
	lru     *list.List // front = most recent; values are *entry
	size    int64
	entries int

	statsMu sync.Mutex
	stats   types.CacheStats

	closedMu sync.RWMutex
	closed   bool
}

// New creates a chunk cache. The disk store directory is created if
// configured; a previously populated directory is reused, entries being
// re-verified by digest on first load.
func New(cfg Config) (*Cache, error) {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 64
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	shards := make([]*shard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[types.Digest]*entry)}
	}

	c := &Cache{
		shards:     shards,
		capacity:   cfg.Capacity,
		retryAfter: cfg.RetryAfter,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		lru:        list.New(),
		stats:      types.CacheStats{Capacity: cfg.Capacity},
	}

	if cfg.Disk != nil {
		disk, err := NewDiskStore(*cfg.Disk, cfg.Logger)
		if err != nil {
			return nil, err
		}
		c.disk = disk
	}
	return c, nil
}

func (c *Cache) shardFor(d types.Digest) *shard {
	h := fnv.New32a()
	h.Write([]byte(d))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the verified, decompressed bytes of chunk, fetching through
// backend on miss. At most one backend fetch per digest is in flight at
// any time; concurrent callers for the same digest share one fetch and
// receive identical bytes. The returned slice is the caller's to keep.
func (c *Cache) Get(ctx context.Context, chunk types.ChunkDesc, backend types.RangeReader) ([]byte, error) {
	c.closedMu.RLock()
	if c.closed {
		c.closedMu.RUnlock()
		return nil, errors.New(errors.ErrCodeCacheClosed, "chunk cache is closed")
	}
	c.closedMu.RUnlock()

	s := c.shardFor(chunk.Digest)

	s.mu.Lock()
	e, ok := s.entries[chunk.Digest]

	if !ok {
		// Absent → Pending: this caller admits the sole fetch but does
		// not own its lifetime.
		f := &flight{done: make(chan struct{})}
		e = &entry{digest: chunk.Digest, state: statePending, flight: f}
		s.entries[chunk.Digest] = e
		s.mu.Unlock()

		c.countMiss()
		c.startFetch(ctx, s, e, f, chunk, backend)
		return c.awaitFlight(ctx, chunk, f)
	}

	switch e.state {
	case stateReady:
		data := e.data
		s.mu.Unlock()
		c.touch(e)
		c.countHit()
		return copyBytes(data), nil

	case statePending:
		f := e.flight
		s.mu.Unlock()

		data, err := c.awaitFlight(ctx, chunk, f)
		if err != nil {
			return nil, err
		}
		c.countHit()
		return data, nil

	case stateFailed:
		if time.Now().Before(e.retryAt) {
			err := e.err
			s.mu.Unlock()
			return nil, err
		}
		// Window expired: re-admit as Pending with a fresh flight.
		f := &flight{done: make(chan struct{})}
		e.state = statePending
		e.flight = f
		e.err = nil
		s.mu.Unlock()

		c.countMiss()
		c.startFetch(ctx, s, e, f, chunk, backend)
		return c.awaitFlight(ctx, chunk, f)

	default:
		s.mu.Unlock()
		return nil, errors.New(errors.ErrCodeCacheExhausted, "cache entry in impossible state")
	}
}

// startFetch runs the backend fetch for an admitted entry on a context
// detached from the admitting caller. Waiters depend on the flight's
// result, so cancellation never aborts an admitted fetch; it completes
// and populates the cache even when every caller has stopped waiting.
func (c *Cache) startFetch(ctx context.Context, s *shard, e *entry, f *flight, chunk types.ChunkDesc, backend types.RangeReader) {
	fetchCtx := context.WithoutCancel(ctx)
	go func() {
		data, err := c.fetch(fetchCtx, chunk, backend)
		c.resolve(s, e, f, data, err)
	}()
}

// awaitFlight parks the caller on a flight. Cancellation abandons the
// wait only.
func (c *Cache) awaitFlight(ctx context.Context, chunk types.ChunkDesc, f *flight) ([]byte, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, waitCanceled(ctx, chunk)
	}
	if f.err != nil {
		return nil, f.err
	}
	return copyBytes(f.data), nil
}

func waitCanceled(ctx context.Context, chunk types.ChunkDesc) error {
	return errors.Wrap(errors.ErrCodeBackendTimeout, "canceled while waiting for in-flight fetch", ctx.Err()).
		WithBlob(chunk.BlobID).
		WithChunk(chunk.Digest.String(), chunk.CompressedOffset, chunk.CompressedSize)
}

// PutReady publishes already fetched and decompressed bytes for chunk,
// verifying the digest first. Used by the blob device after a batched
// backend read so chunk-granular access still hits the cache. Pending and
// Ready entries are left untouched.
func (c *Cache) PutReady(chunk types.ChunkDesc, data []byte) error {
	if err := digest.Verify(data, chunk.Digest); err != nil {
		return err
	}

	s := c.shardFor(chunk.Digest)
	s.mu.Lock()
	if e, ok := s.entries[chunk.Digest]; ok && e.state != stateFailed {
		s.mu.Unlock()
		return nil
	}
	e := &entry{
		digest: chunk.Digest,
		state:  stateReady,
		data:   copyBytes(data),
		size:   int64(len(data)),
	}
	s.entries[chunk.Digest] = e
	s.mu.Unlock()

	c.insertReady(e)
	if c.disk != nil {
		c.disk.Store(chunk.Digest, data)
	}
	return nil
}

// fetch performs the backend read, decompression, and digest verification
// for one chunk. Runs without any cache locks held.
func (c *Cache) fetch(ctx context.Context, chunk types.ChunkDesc, backend types.RangeReader) ([]byte, error) {
	if c.disk != nil {
		if data, ok := c.disk.Load(chunk.Digest, chunk.UncompressedSize); ok {
			return data, nil
		}
	}

	raw, err := backend.ReadRange(ctx, chunk.BlobID, chunk.CompressedOffset, chunk.CompressedSize)
	if err != nil {
		return nil, chunkContext(err, chunk)
	}

	data, err := compression.Decompress(raw, chunk.Compression, chunk.UncompressedSize)
	if err != nil {
		return nil, chunkContext(err, chunk)
	}
	if err := digest.Verify(data, chunk.Digest); err != nil {
		return nil, chunkContext(err, chunk)
	}

	if c.disk != nil {
		c.disk.Store(chunk.Digest, data)
	}
	return data, nil
}

// resolve publishes the fetch outcome, wakes all waiters exactly once,
// and updates accounting.
func (c *Cache) resolve(s *shard, e *entry, f *flight, data []byte, err error) {
	f.data = data
	f.err = err

	s.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.err = err
		e.retryAt = time.Now().Add(c.retryAfter)
		e.flight = nil
		s.mu.Unlock()

		close(f.done)
		c.countFetchFailure()
		c.logger.Warn("chunk fetch failed",
			"digest", e.digest,
			"retry_after", c.retryAfter,
			"error", err)
		return
	}

	e.state = stateReady
	e.data = data
	e.size = int64(len(data))
	e.flight = nil
	s.mu.Unlock()

	close(f.done)
	c.insertReady(e)
}

// insertReady adds a Ready entry to the recency list and evicts past the
// byte budget. Pending entries are never on the list; Ready entries with
// waiters cannot exist (waiters only wait on flights).
func (c *Cache) insertReady(e *entry) {
	var evicted []*entry
	var evictedBytes int64

	c.lruMu.Lock()
	if e.elem == nil {
		e.elem = c.lru.PushFront(e)
		c.size += e.size
		c.entries++
	}
	if c.capacity > 0 {
		for c.size > c.capacity && c.lru.Len() > 1 {
			back := c.lru.Back()
			victim := back.Value.(*entry)
			if victim == e {
				break
			}
			c.lru.Remove(back)
			victim.elem = nil
			c.size -= victim.size
			c.entries--
			evicted = append(evicted, victim)
			evictedBytes += victim.size
		}
	}
	total := c.size
	c.lruMu.Unlock()

	for _, victim := range evicted {
		s := c.shardFor(victim.digest)
		s.mu.Lock()
		// Only remove if the map still holds this exact entry in Ready
		// state; a re-fetched digest owns a fresh entry.
		if cur, ok := s.entries[victim.digest]; ok && cur == victim && cur.state == stateReady {
			delete(s.entries, victim.digest)
		}
		s.mu.Unlock()
	}

	if len(evicted) > 0 {
		c.countEvictions(len(evicted), evictedBytes)
	}
	if c.observer != nil {
		c.observer.ObserveCachedBytes(total)
	}
}

// touch moves a Ready entry to the recency front.
func (c *Cache) touch(e *entry) {
	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.lruMu.Unlock()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()

	c.lruMu.Lock()
	stats.Size = c.size
	stats.Entries = c.entries
	c.lruMu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Close fails further Gets and releases the disk store. In-flight fetches
// complete; their results are discarded with the cache.
func (c *Cache) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	if c.disk != nil {
		return c.disk.Close()
	}
	return nil
}

func (c *Cache) countHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	if c.observer != nil {
		c.observer.ObserveCacheHit()
	}
}

func (c *Cache) countMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
	if c.observer != nil {
		c.observer.ObserveCacheMiss()
	}
}

func (c *Cache) countEvictions(n int, bytes int64) {
	c.statsMu.Lock()
	c.stats.Evictions += uint64(n)
	c.statsMu.Unlock()
	if c.observer != nil {
		c.observer.ObserveCacheEviction(bytes)
	}
}

func (c *Cache) countFetchFailure() {
	c.statsMu.Lock()
	c.stats.FailedFetches++
	c.statsMu.Unlock()
	if c.observer != nil {
		c.observer.ObserveFetchFailure()
	}
}

// chunkContext attaches the chunk's identity to err. An error already
// naming a different chunk is wrapped, keeping its code, so entries that
// share one failed batch read each report their own chunk.
func chunkContext(err error, chunk types.ChunkDesc) error {
	var ce *errors.ChunkError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Digest == "" {
		ce.Digest = chunk.Digest.String()
		if ce.BlobID == "" {
			ce.BlobID = chunk.BlobID
		}
		ce.Offset = chunk.CompressedOffset
		ce.Length = chunk.CompressedSize
		return err
	}
	if ce.Digest == chunk.Digest.String() {
		return err
	}
	return errors.Wrap(ce.Code, ce.Message, err).
		WithBlob(chunk.BlobID).
		WithChunk(chunk.Digest.String(), chunk.CompressedOffset, chunk.CompressedSize)
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
