package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkfs/chunkfs/pkg/errors"
	"github.com/chunkfs/chunkfs/pkg/types"
)

func TestSum_SHA256KnownVector(t *testing.T) {
	// sha256("abc")
	d := Sum(types.DigestSHA256, []byte("abc"))
	assert.Equal(t, types.Digest("sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"), d)
}

func TestVerify_RoundTrip(t *testing.T) {
	data := []byte("the quick brown fox")

	for _, algo := range []types.DigestAlgo{types.DigestSHA256, types.DigestBlake3} {
		t.Run(algo.String(), func(t *testing.T) {
			d := Sum(algo, data)
			require.NoError(t, d.Validate())
			require.NoError(t, Verify(data, d))
		})
	}
}

func TestVerify_MutatedBytes(t *testing.T) {
	data := []byte("original content")
	d := Sum(types.DigestSHA256, data)

	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0xff

	err := Verify(mutated, d)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruptChunk))
}

func TestVerify_InvalidExpectedDigest(t *testing.T) {
	err := Verify([]byte("x"), types.Digest("sha256:nothex"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruptChunk))
}
