package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand"
	"sync"

	"github.com/zeebo/errs"
)

// HashSize is the length of a content hash in bytes.
const HashSize = 16

// ErrInvalidHash is returned when a content hash is not valid lowercase hex
// of the expected length.
var ErrInvalidHash = errs.Class("invalid content hash")

// Hash is a binary content hash.
type Hash [HashSize]byte

// ParseHash decodes a hex-encoded content hash.
func ParseHash(s string) (Hash, error) {
	var hash Hash
	if hex.DecodedLen(len(s)) != HashSize {
		return hash, ErrInvalidHash.New("%q", s)
	}
	if _, err := hex.Decode(hash[:], []byte(s)); err != nil {
		return hash, ErrInvalidHash.New("%q", s)
	}
	return hash, nil
}

// Filter is a bloom filter over content hashes. A positive answer may be a
// false positive and must be re-verified against the durable index; a
// negative answer is authoritative.
type Filter struct {
	mu        sync.RWMutex
	seed      int
	hashCount int
	table     []byte
}

// NewFilter returns a new filter with the given parameters.
func NewFilter(seed, hashCount, sizeInBytes int) *Filter {
	return &Filter{
		seed:      seed,
		hashCount: hashCount,
		table:     make([]byte, sizeInBytes),
	}
}

// NewOptimalFilter returns a filter sized for the expected element count and
// false positive rate.
func NewOptimalFilter(expectedElements int, falsePositiveRate float64) *Filter {
	seed := rand.Intn(HashSize)

	// calculation based on https://en.wikipedia.org/wiki/Bloom_filter#Optimal_number_of_hash_functions
	bitsPerElement := int(-1.44*math.Log2(falsePositiveRate)) + 1
	hashCount := int(float64(bitsPerElement)*math.Log(2)) + 1
	sizeInBytes := expectedElements * bitsPerElement / 8

	return NewFilter(seed, hashCount, sizeInBytes)
}

// Add adds a content hash to the filter.
func (filter *Filter) Add(hash Hash) {
	filter.mu.Lock()
	defer filter.mu.Unlock()

	seed := filter.seed
	for k := 0; k < filter.hashCount; k++ {
		offset, bit := subrange(seed, hash)
		seed += 11
		if seed >= HashSize {
			seed -= HashSize
		}

		filter.table[offset%uint64(len(filter.table))] |= 1 << (bit % 8)
	}
}

// Contains returns true if the content hash may have been added.
func (filter *Filter) Contains(hash Hash) bool {
	filter.mu.RLock()
	defer filter.mu.RUnlock()

	seed := filter.seed
	for k := 0; k < filter.hashCount; k++ {
		offset, bit := subrange(seed, hash)
		seed += 11
		if seed >= HashSize {
			seed -= HashSize
		}

		if filter.table[offset%uint64(len(filter.table))]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// subrange reads 9 bytes from the hash starting at offset, wrapping around
// the end, and splits them into a table offset and a bit selector.
func subrange(offset int, hash Hash) (uint64, byte) {
	if offset > len(hash)-9 {
		var unwrap [9]byte
		n := copy(unwrap[:], hash[offset:])
		copy(unwrap[n:], hash[:])
		return binary.LittleEndian.Uint64(unwrap[:]), unwrap[8]
	}
	return binary.LittleEndian.Uint64(hash[offset : offset+8]), hash[offset+8]
}
