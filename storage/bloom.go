package storage

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// bloomHashCount is the fixed number of probe positions per key,
// derived by double-hashing a single 64-bit key hash per §4.3.
const bloomHashCount = 3

// bloomFilter is a fixed-hash-count bloom filter backed by a plain bit
// array. Unlike a general-purpose bloom filter library, it is built to
// match the SST format's requirement that the bit array's exact byte
// length be known before the region is reserved on disk, and that the
// same construction (bit count, hash derivation) can be reproduced
// identically on build and on every later open.
type bloomFilter struct {
	bits *bitset.BitSet
	nbits uint64
}

// bloomNBits computes the bit count for a filter sized for n entries:
// max(1, 10*n), per §4.3 step 2. Shared by the builder (which sizes a
// fresh filter) and Open (which must derive the same bit count from
// entry_count alone to know how many bytes the on-disk region holds).
func bloomNBits(n int) uint64 {
	nbits := uint64(10 * n)
	if nbits == 0 {
		nbits = 1
	}
	return nbits
}

// newBloomFilter allocates a filter sized for n entries.
func newBloomFilter(n int) *bloomFilter {
	nbits := bloomNBits(n)
	return &bloomFilter{
		bits:  bitset.New(uint(nbits)),
		nbits: nbits,
	}
}

// bloomFilterFromBits reconstructs a filter from raw bytes read off
// disk, given the bit count derived from the SST header's entry_count
// (see bloomNBits).
func bloomFilterFromBits(raw []byte, nbits uint64) *bloomFilter {
	bs := bitset.New(uint(nbits))
	for i := uint64(0); i < nbits; i++ {
		byteIdx := i / 8
		if byteIdx >= uint64(len(raw)) {
			break
		}
		if raw[byteIdx]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &bloomFilter{bits: bs, nbits: nbits}
}

// positions returns the bloomHashCount bit positions for key, derived
// from a single 64-bit hash by double-hashing: pos_i = (h1 + i*h2) % n.
func (f *bloomFilter) positions(key []byte) [bloomHashCount]uint64 {
	sum := xxhash.Sum64(key)
	h1 := sum & 0xFFFFFFFF
	h2 := sum >> 32
	if h2 == 0 {
		h2 = 1
	}
	var pos [bloomHashCount]uint64
	for i := 0; i < bloomHashCount; i++ {
		pos[i] = (h1 + uint64(i)*h2) % f.nbits
	}
	return pos
}

// add marks key's positions as present.
func (f *bloomFilter) add(key []byte) {
	for _, p := range f.positions(key) {
		f.bits.Set(uint(p))
	}
}

// mayContain reports whether key could be present. A false result is
// authoritative; a true result may be a false positive.
func (f *bloomFilter) mayContain(key []byte) bool {
	for _, p := range f.positions(key) {
		if !f.bits.Test(uint(p)) {
			return false
		}
	}
	return true
}

// byteLen is the exact number of bytes the filter serializes to, used
// both to size the reserved region at build time and to know how many
// bytes to read back at open time.
func (f *bloomFilter) byteLen() int {
	return int((f.nbits + 7) / 8)
}

// bytes serializes the filter to a packed, little-endian-bit-order byte
// slice of exactly byteLen() bytes.
func (f *bloomFilter) bytes() []byte {
	out := make([]byte, f.byteLen())
	for i := uint64(0); i < f.nbits; i++ {
		if f.bits.Test(uint(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
