// Package bitfield tracks which piece indices a peer has announced,
// via BEP 3's bitfield/have messages, backed by a compact bitset the
// way the pack's piece-scheduling dispatchers track peer availability.
package bitfield

import (
	"github.com/willf/bitset"
)

// Bitfield is a fixed-size set of piece indices in [0, n).
type Bitfield struct {
	set *bitset.BitSet
	n   uint
}

// New creates an all-zero bitfield for n pieces.
func New(n int) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), n: uint(n)}
}

// FromBytes decodes a BEP 3 bitfield message body (MSB-first, padded
// with zero bits up to a byte boundary) for n pieces.
func FromBytes(b []byte, n int) *Bitfield {
	bf := New(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(0x80>>uint(i%8)) != 0 {
			bf.Set(i)
		}
	}
	return bf
}

// Bytes re-encodes the bitfield to BEP 3's wire format.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := uint(0); i < b.n; i++ {
		if b.set.Test(i) {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// Set marks piece i as present.
func (b *Bitfield) Set(i int) { b.set.Set(uint(i)) }

// Clear marks piece i as absent.
func (b *Bitfield) Clear(i int) { b.set.Clear(uint(i)) }

// Test reports whether piece i is present.
func (b *Bitfield) Test(i int) bool { return b.set.Test(uint(i)) }

// Count returns how many pieces are present.
func (b *Bitfield) Count() int { return int(b.set.Count()) }

// Len returns the bitfield's fixed piece count.
func (b *Bitfield) Len() int { return int(b.n) }

// Grow widens the reported piece count to n, for a bitfield built
// before the true piece count was known (e.g. tracking Have messages
// ahead of a Bitfield message or metadata arrival).
func (b *Bitfield) Grow(n int) {
	if uint(n) > b.n {
		b.n = uint(n)
	}
}

// Candidates returns the pieces b has that have does not — the pieces a
// local peer could still request from a remote whose announced set is
// b, given have is what's already been downloaded.
func (b *Bitfield) Candidates(have *Bitfield) *Bitfield {
	return &Bitfield{set: b.set.Intersection(have.set.Complement()), n: b.n}
}
