// Package digest computes and verifies chunk content digests. All
// functions are pure and safe for concurrent use.
package digest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

// Sum computes the digest of data under the given algorithm.
func Sum(algo types.DigestAlgo, data []byte) types.Digest {
	switch algo {
	case types.DigestBlake3:
		h := blake3.Sum256(data)
		return types.NewDigest(algo, hex.EncodeToString(h[:]))
	default:
		h := sha256.Sum256(data)
		return types.NewDigest(types.DigestSHA256, hex.EncodeToString(h[:]))
	}
}

// Verify recomputes the digest of data and compares it against want. A
// mismatch is CORRUPT_CHUNK: the bytes are not what was published.
func Verify(data []byte, want types.Digest) error {
	if err := want.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeCorruptChunk, "invalid expected digest", err)
	}
	got := Sum(want.Algo(), data)
	if got != want {
		return errors.Newf(errors.ErrCodeCorruptChunk,
			"digest mismatch: computed %s, expected %s over %d bytes", got, want, len(data))
	}
	return nil
}
