package piece

import (
	"testing"

	"github.com/Akdrewp/GoTorrent/bitfield"
	"github.com/stretchr/testify/assert"
)

func withPieces(numPieces int, indices ...int) bitfield.Bitfield {
	bf := bitfield.New(numPieces)
	for _, i := range indices {
		bf.SetPiece(i)
	}
	return bf
}

func TestRarestFirstOrder(t *testing.T) {
	picker := NewPicker(3, 1)
	mine := bitfield.New(3)
	peer1 := withPieces(3, 0, 1, 2)
	peer2 := withPieces(3, 0, 1)
	picker.ProcessBitfield(peer1)
	picker.ProcessBitfield(peer2)

	// Piece 2 is held by one peer, 0 and 1 by two; ties resolve to
	// the lowest index.
	index, ok := picker.PickPiece(peer1, mine)
	assert.True(t, ok)
	assert.Equal(t, 2, index)

	index, ok = picker.PickPiece(peer2, mine)
	assert.True(t, ok)
	assert.Equal(t, 0, index)

	index, ok = picker.PickPiece(peer1, mine)
	assert.True(t, ok)
	assert.Equal(t, 1, index)

	_, ok = picker.PickPiece(peer1, mine)
	assert.False(t, ok)
}

func TestPickSkipsOwnedPieces(t *testing.T) {
	picker := NewPicker(4, 1)
	peer := withPieces(4, 0, 1, 2, 3)
	picker.ProcessBitfield(peer)

	mine := withPieces(4, 0, 1)
	index, ok := picker.PickPiece(peer, mine)
	assert.True(t, ok)
	assert.Equal(t, 2, index)
}

func TestFailedPieceIsRepickable(t *testing.T) {
	picker := NewPicker(1, 1)
	peer := withPieces(1, 0)
	mine := bitfield.New(1)
	picker.ProcessBitfield(peer)

	index, ok := picker.PickPiece(peer, mine)
	assert.True(t, ok)
	assert.Equal(t, 0, index)

	// Locked in-flight until the outcome is reported.
	_, ok = picker.PickPiece(peer, mine)
	assert.False(t, ok)

	picker.OnPieceFailed(0)
	index, ok = picker.PickPiece(peer, mine)
	assert.True(t, ok)
	assert.Equal(t, 0, index)
}

func TestPassedPieceStaysUnpicked(t *testing.T) {
	picker := NewPicker(2, 1)
	peer := withPieces(2, 0, 1)
	picker.ProcessBitfield(peer)

	mine := bitfield.New(2)
	index, ok := picker.PickPiece(peer, mine)
	assert.True(t, ok)
	picker.OnPiecePassed(index)

	// The saved piece is now in our bitfield; only the other remains.
	mine.SetPiece(index)
	next, ok := picker.PickPiece(peer, mine)
	assert.True(t, ok)
	assert.NotEqual(t, index, next)
}

func TestDisconnectDecrementStopsAtZero(t *testing.T) {
	picker := NewPicker(2, 1).(*picker)
	bf := withPieces(2, 0, 1)

	picker.ProcessBitfield(bf)
	picker.ProcessPeerDisconnect(bf)
	picker.ProcessPeerDisconnect(bf)
	assert.Equal(t, []int{0, 0}, picker.availability)
}

func TestHaveRaisesAvailability(t *testing.T) {
	picker := NewPicker(3, 1).(*picker)
	picker.ProcessHave(1)
	picker.ProcessHave(1)
	picker.ProcessHave(5) // out of range, ignored
	assert.Equal(t, []int{0, 2, 0}, picker.availability)
}

func TestVarianceStaysWithinRarestWindow(t *testing.T) {
	picker := NewPicker(4, 2)
	peer1 := withPieces(4, 0, 1, 2, 3)
	peer2 := withPieces(4, 2, 3)
	picker.ProcessBitfield(peer1)
	picker.ProcessBitfield(peer2)

	// Pieces 0 and 1 are the two rarest; a variance of 2 must never
	// reach past them.
	mine := bitfield.New(4)
	index, ok := picker.PickPiece(peer1, mine)
	assert.True(t, ok)
	assert.Contains(t, []int{0, 1}, index)
}
