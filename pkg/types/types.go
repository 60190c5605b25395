// Package types holds the shared data model of the chunk store engine:
// chunk descriptors, digest and compression identifiers, and statistics
// snapshots exposed through the observability surface.
package types

import (
	"fmt"
	"strings"
	"time"
)

// CompressionFormat identifies the per-chunk compression scheme.
type CompressionFormat int

const (
	CompressionNone CompressionFormat = iota
	CompressionLZ4Block
	CompressionGzip
	CompressionZstd
)

// String returns the canonical name used in configuration and metadata.
func (f CompressionFormat) String() string {
	switch f {
	case CompressionNone:
		return "none"
	case CompressionLZ4Block:
		return "lz4_block"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// ParseCompressionFormat parses a canonical compression name.
func ParseCompressionFormat(s string) (CompressionFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4_block", "lz4":
		return CompressionLZ4Block, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression format %q", s)
	}
}

// DigestAlgo identifies the content digest algorithm of a chunk.
type DigestAlgo int

const (
	DigestSHA256 DigestAlgo = iota
	DigestBlake3
)

func (a DigestAlgo) String() string {
	switch a {
	case DigestSHA256:
		return "sha256"
	case DigestBlake3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseDigestAlgo parses a canonical digest algorithm name.
func ParseDigestAlgo(s string) (DigestAlgo, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256":
		return DigestSHA256, nil
	case "blake3":
		return DigestBlake3, nil
	default:
		return DigestSHA256, fmt.Errorf("unknown digest algorithm %q", s)
	}
}

// Digest is an algorithm-prefixed lowercase hex digest, e.g.
// "sha256:9f86d0…". The empty digest is invalid.
type Digest string

// NewDigest builds a Digest from an algorithm and raw hash bytes rendered
// as lowercase hex.
func NewDigest(algo DigestAlgo, hex string) Digest {
	return Digest(algo.String() + ":" + hex)
}

// Algo returns the digest's algorithm tag. Unprefixed digests default to
// sha256 for compatibility with registries that omit the prefix.
func (d Digest) Algo() DigestAlgo {
	s := string(d)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return DigestSHA256
	}
	algo, err := ParseDigestAlgo(s[:i])
	if err != nil {
		return DigestSHA256
	}
	return algo
}

// Hex returns the hex-encoded hash without the algorithm prefix.
func (d Digest) Hex() string {
	s := string(d)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (d Digest) String() string { return string(d) }

// Validate checks the digest has a known algorithm prefix and a hex body
// of the expected length.
func (d Digest) Validate() error {
	if d == "" {
		return fmt.Errorf("empty digest")
	}
	hex := d.Hex()
	var want int
	switch d.Algo() {
	case DigestSHA256, DigestBlake3:
		want = 64
	}
	if len(hex) != want {
		return fmt.Errorf("digest %q: expected %d hex characters, got %d", d, want, len(hex))
	}
	for _, c := range hex {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("digest %q: invalid hex character %q", d, c)
		}
	}
	return nil
}

// ChunkDesc describes one chunk of a blob: where its compressed bytes live
// and what the decompressed content must hash to. Descriptors are produced
// by the metadata layer and are immutable.
type ChunkDesc struct {
	Digest           Digest            `json:"digest"`
	BlobID           string            `json:"blob_id"`
	CompressedOffset int64             `json:"compressed_offset"`
	CompressedSize   int64             `json:"compressed_size"`
	UncompressedSize int64             `json:"uncompressed_size"`
	Compression      CompressionFormat `json:"compression"`
}

// CacheStats is a point-in-time snapshot of chunk cache counters.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	FailedFetches uint64  `json:"failed_fetches"`
	Entries       int     `json:"entries"`
	Size          int64   `json:"size"`
	Capacity      int64   `json:"capacity"`
	HitRate       float64 `json:"hit_rate"`
	Utilization   float64 `json:"utilization"`
}

// BackendStats is a point-in-time snapshot of backend client counters.
type BackendStats struct {
	Requests        uint64        `json:"requests"`
	Retries         uint64        `json:"retries"`
	Failures        uint64        `json:"failures"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AvgLatency      time.Duration `json:"avg_latency"`
}
