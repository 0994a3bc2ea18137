// Package bitmap implements a fixed-width bit vector overlaid on memory the
// caller owns. The overlay never copies and never allocates during queries,
// so it can sit directly on top of a mapped region of a disk image.
package bitmap

import (
	"math/bits"

	bm "github.com/boljen/go-bitmap"
)

// None is returned by FirstZero when every bit in the overlay is set.
const None = -1

// Overlay binds a bit count to an externally owned byte buffer. Mutations are
// visible to every other holder of the buffer immediately.
type Overlay struct {
	data bm.Bitmap
	bits int
}

// NewOverlay wraps `buf` as a bitmap of `count` bits. The buffer must hold at
// least (count+7)/8 bytes; indices at or beyond `count` are out of range and
// must not be passed to the accessors.
func NewOverlay(buf []byte, count int) Overlay {
	return Overlay{data: bm.Bitmap(buf), bits: count}
}

// New allocates a fresh buffer and overlays it. Used for bitmaps that live
// only in process memory, such as the descriptor table's.
func New(count int) Overlay {
	return NewOverlay(bm.NewSlice(count), count)
}

// Bits returns the number of bits in the overlay.
func (o Overlay) Bits() int {
	return o.bits
}

// Test reports whether bit `i` is set.
func (o Overlay) Test(i int) bool {
	return o.data.Get(i)
}

// Set sets bit `i`.
func (o Overlay) Set(i int) {
	o.data.Set(i, true)
}

// Clear clears bit `i`.
func (o Overlay) Clear(i int) {
	o.data.Set(i, false)
}

// FirstZero returns the index of the lowest clear bit, or None if all bits
// are set. Whole bytes of 0xFF are skipped without testing individual bits.
func (o Overlay) FirstZero() int {
	raw := o.data.Data(false)
	for byteIndex := 0; byteIndex*8 < o.bits; byteIndex++ {
		if raw[byteIndex] == 0xFF {
			continue
		}
		base := byteIndex * 8
		for bit := 0; bit < 8 && base+bit < o.bits; bit++ {
			if !o.data.Get(base + bit) {
				return base + bit
			}
		}
	}
	return None
}

// Popcount returns the number of set bits.
func (o Overlay) Popcount() int {
	raw := o.data.Data(false)
	total := 0

	wholeBytes := o.bits / 8
	for i := 0; i < wholeBytes; i++ {
		total += bits.OnesCount8(raw[i])
	}

	// Bits in a trailing partial byte beyond the overlay's width don't count.
	if tail := o.bits % 8; tail != 0 {
		mask := byte(1<<tail) - 1
		total += bits.OnesCount8(raw[wholeBytes] & mask)
	}
	return total
}
