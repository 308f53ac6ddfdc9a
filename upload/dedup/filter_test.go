package dedup_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icefunicu/cloudpan/upload/dedup"
)

func TestNoFalseNegative(t *testing.T) {
	const numberOfHashes = 10000
	hashes := generateTestHashes(numberOfHashes)

	for _, ratio := range []float64{0.5, 1, 2} {
		expected := int(numberOfHashes * ratio)
		filter := dedup.NewOptimalFilter(expected, 0.1)
		for _, hash := range hashes {
			filter.Add(hash)
		}
		for _, hash := range hashes {
			require.True(t, filter.Contains(hash))
		}
	}
}

func TestFalsePositiveRate(t *testing.T) {
	const numberOfHashes = 10000
	filter := dedup.NewOptimalFilter(numberOfHashes, 0.1)
	for _, hash := range generateTestHashes(numberOfHashes) {
		filter.Add(hash)
	}

	falsePositives := 0
	probes := generateTestHashes(numberOfHashes)
	for _, hash := range probes {
		if filter.Contains(hash) {
			falsePositives++
		}
	}
	// an order of magnitude of slack keeps this stable across seeds
	require.Less(t, falsePositives, numberOfHashes/2)
}

func TestParseHash(t *testing.T) {
	hash, err := dedup.ParseHash("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, byte(0x01), hash[0])
	require.Equal(t, byte(0xef), hash[15])

	_, err = dedup.ParseHash("0123")
	require.True(t, dedup.ErrInvalidHash.Has(err))

	_, err = dedup.ParseHash("zz23456789abcdef0123456789abcdef")
	require.True(t, dedup.ErrInvalidHash.Has(err))
}

// generateTestHashes generates n random content hashes
func generateTestHashes(n int) []dedup.Hash {
	hashes := make([]dedup.Hash, n)
	for i := range hashes {
		// using math/rand, for less overhead
		_, _ = rand.Read(hashes[i][:])
	}
	return hashes
}
