package cache

import (
	"context"
	"time"

	"github.com/chunkfs/chunkfs/internal/compression"
	"github.com/chunkfs/chunkfs/internal/digest"
	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// batchFetch is one chunk admitted by a GetBatch call.
type batchFetch struct {
	idx    int
	entry  *entry
	flight *flight
}

// GetBatch returns the bytes of several chunks, coalescing the backend
// fetches of adjacent misses: chunks this call admits that sit
// back-to-back in the same blob are read with one range request, then
// verified and published per chunk so later chunk-granular gets still hit
// independently. Admission is identical to Get, so chunks already Ready,
// Pending, or inside a failure window keep their single-flight and
// retry-window semantics, and admitted fetches run detached: cancelling
// the caller abandons its waits without aborting any fetch. Results are
// returned in argument order; the first chunk-level failure fails the
// whole call.
func (c *Cache) GetBatch(ctx context.Context, chunks []types.ChunkDesc, backend types.RangeReader) ([][]byte, error) {
	c.closedMu.RLock()
	if c.closed {
		c.closedMu.RUnlock()
		return nil, errors.New(errors.ErrCodeCacheClosed, "chunk cache is closed")
	}
	c.closedMu.RUnlock()

	results := make([][]byte, len(chunks))

	type waiting struct {
		idx    int
		flight *flight
		own    bool
	}
	var fetches []batchFetch
	var waits []waiting
	var firstErr error

	// Admission pass. Each chunk independently resolves to a hit, an
	// in-flight wait, a fresh admission, or a still-valid failure.
	for i, chunk := range chunks {
		s := c.shardFor(chunk.Digest)
		s.mu.Lock()
		e, ok := s.entries[chunk.Digest]

		switch {
		case !ok:
			f := &flight{done: make(chan struct{})}
			e = &entry{digest: chunk.Digest, state: statePending, flight: f}
			s.entries[chunk.Digest] = e
			s.mu.Unlock()
			c.countMiss()
			fetches = append(fetches, batchFetch{idx: i, entry: e, flight: f})
			waits = append(waits, waiting{idx: i, flight: f, own: true})

		case e.state == stateReady:
			results[i] = copyBytes(e.data)
			s.mu.Unlock()
			c.touch(e)
			c.countHit()

		case e.state == statePending:
			waits = append(waits, waiting{idx: i, flight: e.flight})
			s.mu.Unlock()

		case e.state == stateFailed && time.Now().Before(e.retryAt):
			err := e.err
			s.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}

		default: // Failed, window expired: re-admit.
			f := &flight{done: make(chan struct{})}
			e.state = statePending
			e.flight = f
			e.err = nil
			s.mu.Unlock()
			c.countMiss()
			fetches = append(fetches, batchFetch{idx: i, entry: e, flight: f})
			waits = append(waits, waiting{idx: i, flight: f, own: true})
		}
	}

	// Disk pass: admissions satisfiable from the durable store resolve
	// without touching the backend and drop out of the fetch runs.
	if c.disk != nil {
		remaining := fetches[:0]
		for _, a := range fetches {
			chunk := chunks[a.idx]
			if data, ok := c.disk.Load(chunk.Digest, chunk.UncompressedSize); ok {
				c.resolve(c.shardFor(a.entry.digest), a.entry, a.flight, data, nil)
				continue
			}
			remaining = append(remaining, a)
		}
		fetches = remaining
	}

	// Fetch pass: group this call's admissions into runs that are
	// physically contiguous in one blob and read each run at once,
	// detached from the caller like any admitted fetch.
	fetchCtx := context.WithoutCancel(ctx)
	for start := 0; start < len(fetches); {
		end := start + 1
		for end < len(fetches) && contiguous(chunks[fetches[end-1].idx], chunks[fetches[end].idx]) {
			end++
		}
		run := fetches[start:end]
		go c.fetchRun(fetchCtx, chunks, run, backend)
		start = end
	}

	// Wait pass: every admitted or in-flight chunk publishes through its
	// flight; the caller parks on each in order.
	for _, w := range waits {
		select {
		case <-w.flight.done:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = waitCanceled(ctx, chunks[w.idx])
			}
			continue
		}
		if w.flight.err != nil {
			if firstErr == nil {
				firstErr = w.flight.err
			}
			continue
		}
		if !w.own {
			c.countHit()
		}
		results[w.idx] = copyBytes(w.flight.data)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// fetchRun reads one contiguous run of admitted chunks with a single
// backend request, then decompresses, verifies, and publishes each.
func (c *Cache) fetchRun(ctx context.Context, chunks []types.ChunkDesc, run []batchFetch, backend types.RangeReader) {
	first := chunks[run[0].idx]
	var total int64
	for _, a := range run {
		total += chunks[a.idx].CompressedSize
	}

	raw, err := backend.ReadRange(ctx, first.BlobID, first.CompressedOffset, total)
	if err != nil {
		for _, a := range run {
			chunkErr := chunkContext(err, chunks[a.idx])
			c.resolve(c.shardFor(a.entry.digest), a.entry, a.flight, nil, chunkErr)
		}
		return
	}

	var off int64
	for _, a := range run {
		chunk := chunks[a.idx]
		piece := raw[off : off+chunk.CompressedSize]
		off += chunk.CompressedSize

		data, err := compression.Decompress(piece, chunk.Compression, chunk.UncompressedSize)
		if err == nil {
			err = digest.Verify(data, chunk.Digest)
		}
		if err != nil {
			c.resolve(c.shardFor(a.entry.digest), a.entry, a.flight, nil, chunkContext(err, chunk))
			continue
		}

		if c.disk != nil {
			c.disk.Store(chunk.Digest, data)
		}
		c.resolve(c.shardFor(a.entry.digest), a.entry, a.flight, data, nil)
	}
}

// contiguous reports whether b's compressed bytes directly follow a's in
// the same blob.
func contiguous(a, b types.ChunkDesc) bool {
	return a.BlobID == b.BlobID && a.CompressedOffset+a.CompressedSize == b.CompressedOffset
}
