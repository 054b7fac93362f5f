// Package bitfield implements the packed piece bitfield used on the
// peer wire. Byte b holds pieces 8b..8b+7 with the most significant
// bit first; the unused tail bits of the final byte stay zero.
package bitfield

// Bitfield is the raw byte form exchanged in BITFIELD messages.
type Bitfield []byte

// New returns an all-zero bitfield sized for numPieces pieces.
func New(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// FromBytes copies data into a new Bitfield. Tail bits past the
// declared piece count are tolerated; lookups are index-bounded so
// they are never read.
func FromBytes(data []byte) Bitfield {
	bf := make(Bitfield, len(data))
	copy(bf, data)
	return bf
}

// HasPiece reports whether bit index is set. Out-of-range indices
// (including bytes a short bitfield never sent) read as unset.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>uint(7-index%8)&1 != 0
}

// SetPiece sets bit index, growing the bitfield if a HAVE arrives
// for a piece past the current length.
func (bf *Bitfield) SetPiece(index int) {
	if index < 0 {
		return
	}
	byteIndex := index / 8
	if byteIndex >= len(*bf) {
		grown := make(Bitfield, byteIndex+1)
		copy(grown, *bf)
		*bf = grown
	}
	(*bf)[byteIndex] |= 1 << uint(7-index%8)
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	count := 0
	for i := 0; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			count++
		}
	}
	return count
}

// Clone returns an independent copy.
func (bf Bitfield) Clone() Bitfield {
	return FromBytes(bf)
}

// Valid reports whether every bit past numPieces is zero, which the
// wire format requires of bitfields we produce.
func (bf Bitfield) Valid(numPieces int) bool {
	if len(bf) != (numPieces+7)/8 {
		return false
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return false
		}
	}
	return true
}
