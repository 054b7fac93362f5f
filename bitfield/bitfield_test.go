package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitOrderMSBFirst(t *testing.T) {
	bf := New(16)
	bf.SetPiece(0)
	assert.Equal(t, byte(0x80), bf[0])
	bf.SetPiece(7)
	assert.Equal(t, byte(0x81), bf[0])
	bf.SetPiece(8)
	assert.Equal(t, byte(0x80), bf[1])

	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(7))
	assert.True(t, bf.HasPiece(8))
	assert.False(t, bf.HasPiece(1))
}

func TestTenPieceHaveAll(t *testing.T) {
	// 10 pieces pack into 2 bytes with 6 zero tail bits; a full
	// bitfield is 0xFF 0xC0 and never 0xFF 0xFF.
	bf := New(10)
	assert.Len(t, bf, 2)
	for i := 0; i < 10; i++ {
		bf.SetPiece(i)
	}
	assert.Equal(t, Bitfield{0xFF, 0xC0}, bf)
	assert.True(t, bf.Valid(10))
	assert.False(t, Bitfield{0xFF, 0xFF}.Valid(10))
}

func TestOutOfRangeReadsUnset(t *testing.T) {
	bf := New(10)
	assert.False(t, bf.HasPiece(-1))
	assert.False(t, bf.HasPiece(16))
	assert.False(t, bf.HasPiece(1000))
}

func TestSetPieceGrows(t *testing.T) {
	// A HAVE can arrive before the BITFIELD; the field must expand.
	var bf Bitfield
	bf.SetPiece(12)
	assert.Len(t, bf, 2)
	assert.True(t, bf.HasPiece(12))
	assert.Equal(t, 1, bf.Count())
}

func TestCloneIsIndependent(t *testing.T) {
	bf := New(8)
	bf.SetPiece(3)
	cp := bf.Clone()
	cp.SetPiece(4)
	assert.False(t, bf.HasPiece(4))
	assert.True(t, cp.HasPiece(3))
}
