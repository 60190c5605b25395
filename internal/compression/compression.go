// Package compression decompresses chunk on-wire bytes into their
// canonical form. All functions are pure and safe for concurrent use.
package compression

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// zstd decoders are expensive to build; one concurrency-safe decoder is
// shared across all DecodeAll calls.
var (
	zstdOnce    sync.Once
	zstdDecoder *zstd.Decoder
)

func getZstdDecoder() *zstd.Decoder {
	zstdOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(1<<30))
	})
	return zstdDecoder
}

// Decompress expands data according to format and checks the result is
// exactly uncompressedSize bytes. Framing errors and size mismatches are
// CORRUPT_CHUNK: the wire bytes do not match the published chunk.
func Decompress(data []byte, format types.CompressionFormat, uncompressedSize int64) ([]byte, error) {
	switch format {
	case types.CompressionNone:
		if int64(len(data)) != uncompressedSize {
			return nil, errors.Newf(errors.ErrCodeCorruptChunk,
				"uncompressed chunk is %d bytes, expected %d", len(data), uncompressedSize)
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case types.CompressionLZ4Block:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCorruptChunk, "lz4 block decode failed", err)
		}
		if int64(n) != uncompressedSize {
			return nil, errors.Newf(errors.ErrCodeCorruptChunk,
				"lz4 block expanded to %d bytes, expected %d", n, uncompressedSize)
		}
		return out, nil

	case types.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCorruptChunk, "gzip header decode failed", err)
		}
		defer zr.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		// Read one byte past the expected size so oversized streams are
		// detected instead of silently truncated.
		n, err := io.Copy(buf, io.LimitReader(zr, uncompressedSize+1))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCorruptChunk, "gzip stream decode failed", err)
		}
		if n != uncompressedSize {
			return nil, errors.Newf(errors.ErrCodeCorruptChunk,
				"gzip stream expanded to %d bytes, expected %d", n, uncompressedSize)
		}
		return buf.Bytes(), nil

	case types.CompressionZstd:
		out, err := getZstdDecoder().DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCorruptChunk, "zstd decode failed", err)
		}
		if int64(len(out)) != uncompressedSize {
			return nil, errors.Newf(errors.ErrCodeCorruptChunk,
				"zstd expanded to %d bytes, expected %d", len(out), uncompressedSize)
		}
		return out, nil

	default:
		return nil, errors.Newf(errors.ErrCodeCorruptChunk,
			"unsupported compression format %s", format)
	}
}
