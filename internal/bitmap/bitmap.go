// Package bitmap implements the extent bitmap that records which fixed-size
// block extents are known to differ between the local and the peer replica.
// One bit covers one block. The bitmap itself is not safe for concurrent use;
// the owning device serializes access through its own lock.
package bitmap

import "math/bits"

const wordBits = 64

// NoBit is returned by NextSet when no set bit remains.
const NoBit = ^uint64(0)

// Bitmap is a fixed-size bitmap with a cached weight (number of set bits).
// The weight is maintained incrementally and can be recounted from scratch
// after bulk operations or suspected drift.
type Bitmap struct {
	words  []uint64
	nbits  uint64
	weight uint64
}

// New creates a bitmap covering nbits blocks, all clear.
func New(nbits uint64) *Bitmap {
	return &Bitmap{
		words: make([]uint64, (nbits+wordBits-1)/wordBits),
		nbits: nbits,
	}
}

// Bits returns the total number of bits the bitmap covers.
func (b *Bitmap) Bits() uint64 { return b.nbits }

// Weight returns the cached number of set bits.
func (b *Bitmap) Weight() uint64 { return b.weight }

// Test reports whether bit is set. Out-of-range bits read as clear.
func (b *Bitmap) Test(bit uint64) bool {
	if bit >= b.nbits {
		return false
	}
	return b.words[bit/wordBits]&(1<<(bit%wordBits)) != 0
}

// Set sets bit and reports whether it was previously clear.
func (b *Bitmap) Set(bit uint64) bool {
	if bit >= b.nbits {
		return false
	}
	w, m := bit/wordBits, uint64(1)<<(bit%wordBits)
	if b.words[w]&m != 0 {
		return false
	}
	b.words[w] |= m
	b.weight++
	return true
}

// Clear clears bit and reports whether it was previously set.
func (b *Bitmap) Clear(bit uint64) bool {
	if bit >= b.nbits {
		return false
	}
	w, m := bit/wordBits, uint64(1)<<(bit%wordBits)
	if b.words[w]&m == 0 {
		return false
	}
	b.words[w] &^= m
	b.weight--
	return true
}

// SetRange sets all bits in [from, to) and returns how many were newly set.
func (b *Bitmap) SetRange(from, to uint64) uint64 {
	var n uint64
	for bit := from; bit < to && bit < b.nbits; bit++ {
		if b.Set(bit) {
			n++
		}
	}
	return n
}

// ClearRange clears all bits in [from, to) and returns how many were set.
func (b *Bitmap) ClearRange(from, to uint64) uint64 {
	var n uint64
	for bit := from; bit < to && bit < b.nbits; bit++ {
		if b.Clear(bit) {
			n++
		}
	}
	return n
}

// NextSet returns the first set bit at or after from, or NoBit if none
// remains.
func (b *Bitmap) NextSet(from uint64) uint64 {
	if from >= b.nbits {
		return NoBit
	}
	w := from / wordBits
	// Mask off bits below from in the first word.
	word := b.words[w] &^ ((1 << (from % wordBits)) - 1)
	for {
		if word != 0 {
			bit := w*wordBits + uint64(bits.TrailingZeros64(word))
			if bit >= b.nbits {
				return NoBit
			}
			return bit
		}
		w++
		if w >= uint64(len(b.words)) {
			return NoBit
		}
		word = b.words[w]
	}
}

// Recount rebuilds the cached weight from the backing words and returns it.
func (b *Bitmap) Recount() uint64 {
	var n uint64
	for _, w := range b.words {
		n += uint64(bits.OnesCount64(w))
	}
	b.weight = n
	return n
}
