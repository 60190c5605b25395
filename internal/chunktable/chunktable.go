// Package chunktable holds the externally supplied chunk layout of one
// file: an ordered, gap-free tiling of the file's logical byte range.
// Tables are built once when a blob is opened and immutable thereafter.
package chunktable

import (
	"sort"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Table maps file byte ranges to the chunks covering them.
type Table struct {
	chunks []types.ChunkDesc
	// starts[i] is the file offset of chunks[i]'s first decompressed byte.
	starts []int64
	size   int64
}

// Slice is one chunk plus the window of its decompressed bytes a request
// needs: bytes [Start, Start+Len) of the chunk land at FileOffset.
type Slice struct {
	Chunk      types.ChunkDesc
	Start      int64
	Len        int64
	FileOffset int64
}

// New validates the descriptor sequence and builds a Table. Chunks must
// appear in file order and tile the byte range without gaps; the digest
// of each is verified downstream, this is the only layout check the
// engine performs on the trusted metadata.
func New(chunks []types.ChunkDesc) (*Table, error) {
	starts := make([]int64, len(chunks))
	var off int64
	for i, c := range chunks {
		if err := c.Digest.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "chunk digest invalid", err)
		}
		if c.UncompressedSize <= 0 || c.CompressedSize <= 0 || c.CompressedOffset < 0 {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig,
				"chunk %d (%s) has invalid geometry: compressed %d+%d, uncompressed %d",
				i, c.Digest, c.CompressedOffset, c.CompressedSize, c.UncompressedSize)
		}
		if c.BlobID == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "chunk %d (%s) has no blob id", i, c.Digest)
		}
		starts[i] = off
		off += c.UncompressedSize
	}
	return &Table{
		chunks: append([]types.ChunkDesc(nil), chunks...),
		starts: starts,
		size:   off,
	}, nil
}

// Size returns the file's logical byte length.
func (t *Table) Size() int64 { return t.size }

// Chunks returns the table's descriptors in file order. The scheduler uses
// this to enqueue prefetch work; callers must not mutate the slice.
func (t *Table) Chunks() []types.ChunkDesc { return t.chunks }

// Covering resolves [offset, offset+length) to the chunk slices that
// assemble it, in file order. Ranges outside the file fail rather than
// clamp: end-of-file semantics belong to the filesystem front end.
func (t *Table) Covering(offset, length int64) ([]Slice, error) {
	if offset < 0 || length < 0 || offset+length > t.size {
		return nil, errors.Newf(errors.ErrCodeRangeInvalid,
			"range %d+%d outside file of %d bytes", offset, length, t.size)
	}
	if length == 0 {
		return nil, nil
	}

	// First chunk whose span reaches past offset.
	first := sort.Search(len(t.chunks), func(i int) bool {
		return t.starts[i]+t.chunks[i].UncompressedSize > offset
	})

	end := offset + length
	var out []Slice
	for i := first; i < len(t.chunks) && t.starts[i] < end; i++ {
		chunkStart := t.starts[i]
		sliceStart := int64(0)
		if offset > chunkStart {
			sliceStart = offset - chunkStart
		}
		sliceEnd := t.chunks[i].UncompressedSize
		if end < chunkStart+sliceEnd {
			sliceEnd = end - chunkStart
		}
		out = append(out, Slice{
			Chunk:      t.chunks[i],
			Start:      sliceStart,
			Len:        sliceEnd - sliceStart,
			FileOffset: chunkStart + sliceStart,
		})
	}
	return out, nil
}
