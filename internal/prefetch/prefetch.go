// Package prefetch warms the chunk cache ahead of foreground demand. A
// fixed pool of workers consumes an ordered, bounded queue of chunk
// descriptors and pulls each through the cache; the fetch side effect is
// the only output. Bounded queue depth and worker count are the
// backpressure that keeps background demand from saturating the backend
// rate limiter, and the single-flight cache collapses any prefetch racing
// a foreground miss into one fetch.
package prefetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chunkfs/chunkfs/internal/cache"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/ratelimit"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Config configures the prefetch scheduler.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int `yaml:"workers"`

	// QueueDepth bounds the work queue; Enqueue blocks when it is full.
	QueueDepth int `yaml:"queue_depth"`
}

// Scheduler drives background cache warming for one open session.
type Scheduler struct {
	cache   *cache.Cache
	backend types.RangeReader
	gate    *ratelimit.Limiter // extra throttle below foreground traffic; usually nil
	logger  *slog.Logger

	queue chan types.ChunkDesc
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New starts a scheduler with its worker pool. gate may be nil.
func New(cfg Config, c *cache.Cache, backend types.RangeReader, gate *ratelimit.Limiter, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cache:   c,
		backend: backend,
		gate:    gate,
		logger:  logger,
		queue:   make(chan types.ChunkDesc, cfg.QueueDepth),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Enqueue appends chunks to the work queue in order, blocking while the
// queue is full. Fails with QUEUE_CLOSED once the scheduler is stopped.
func (s *Scheduler) Enqueue(chunks ...types.ChunkDesc) error {
	for _, chunk := range chunks {
		select {
		case <-s.stop:
			return errors.New(errors.ErrCodeQueueClosed, "prefetch scheduler is stopped")
		case s.queue <- chunk:
		}
	}
	return nil
}

// QueueDepth returns the number of chunks waiting in the queue.
func (s *Scheduler) QueueDepth() int { return len(s.queue) }

// Stop halts dequeuing, lets in-flight fetches complete, and joins the
// workers. Chunks still queued are discarded; fetched results stay in
// the cache. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		select {
		case <-s.stop:
			return
		case chunk := <-s.queue:
			s.warm(chunk)
		}
	}
}

func (s *Scheduler) warm(chunk types.ChunkDesc) {
	// The stop channel does not cancel this context: an admitted fetch
	// runs to completion because its result stays useful to the cache.
	ctx := context.Background()

	if err := s.gate.WaitRequest(ctx); err != nil {
		return
	}
	if _, err := s.cache.Get(ctx, chunk, s.backend); err != nil {
		// Prefetch failures are advisory; the foreground path will
		// surface the error if the chunk is actually needed.
		s.logger.Debug("prefetch fetch failed", "digest", chunk.Digest, "error", err)
	}
}
