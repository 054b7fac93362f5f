// Package piece implements rarest-first piece selection shared by
// every peer of a session.
package piece

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/Akdrewp/GoTorrent/bitfield"
	mapset "github.com/deckarep/golang-set"
)

// Picker assigns pieces to peers. A picked piece is locked in-flight
// until the owning peer reports it passed or failed, so no two peers
// download the same piece concurrently.
type Picker interface {
	PickPiece(peerBitfield, myBitfield bitfield.Bitfield) (int, bool)
	OnPiecePassed(pieceIndex int)
	OnPieceFailed(pieceIndex int)
	ProcessBitfield(bf bitfield.Bitfield)
	ProcessPeerDisconnect(bf bitfield.Bitfield)
	ProcessHave(pieceIndex int)
}

type picker struct {
	sync.Mutex
	numPieces    int
	availability []int
	inFlight     mapset.Set
	variance     int
}

// NewPicker sizes the availability table for numPieces. variance is
// the number of rarest candidates to randomize across; 1 picks the
// lowest-index rarest piece deterministically.
func NewPicker(numPieces, variance int) Picker {
	if variance < 1 {
		variance = 1
	}
	return &picker{
		numPieces:    numPieces,
		availability: make([]int, numPieces),
		inFlight:     mapset.NewSet(),
		variance:     variance,
	}
}

// PickPiece returns the rarest piece the peer has, we lack and nobody
// is downloading, and locks it in-flight. The second return is false
// when no candidate exists.
func (p *picker) PickPiece(peerBitfield, myBitfield bitfield.Bitfield) (int, bool) {
	p.Lock()
	defer p.Unlock()

	candidates := []int{}
	for pieceIndex := 0; pieceIndex < p.numPieces; pieceIndex++ {
		if peerBitfield.HasPiece(pieceIndex) && !myBitfield.HasPiece(pieceIndex) &&
			!p.inFlight.Contains(pieceIndex) {
			candidates = append(candidates, pieceIndex)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	// Stable on index: equal availability resolves lowest-index first.
	sort.SliceStable(candidates, func(i, j int) bool {
		return p.availability[candidates[i]] < p.availability[candidates[j]]
	})

	window := p.variance
	if window > len(candidates) {
		window = len(candidates)
	}
	pieceIndex := candidates[rand.Intn(window)]
	p.inFlight.Add(pieceIndex)
	return pieceIndex, true
}

// OnPiecePassed releases the in-flight lock after a verified save.
func (p *picker) OnPiecePassed(pieceIndex int) {
	p.Lock()
	defer p.Unlock()
	p.inFlight.Remove(pieceIndex)
}

// OnPieceFailed releases the in-flight lock so another peer may retry
// the piece.
func (p *picker) OnPieceFailed(pieceIndex int) {
	p.Lock()
	defer p.Unlock()
	p.inFlight.Remove(pieceIndex)
}

// ProcessBitfield counts a newly announced peer bitfield into the
// availability table.
func (p *picker) ProcessBitfield(bf bitfield.Bitfield) {
	p.Lock()
	defer p.Unlock()

	for pieceIndex := 0; pieceIndex < p.numPieces; pieceIndex++ {
		if bf.HasPiece(pieceIndex) {
			p.availability[pieceIndex]++
		}
	}
}

// ProcessPeerDisconnect removes a departed peer's bitfield from the
// availability table. Decrementing past zero is a no-op.
func (p *picker) ProcessPeerDisconnect(bf bitfield.Bitfield) {
	p.Lock()
	defer p.Unlock()

	for pieceIndex := 0; pieceIndex < p.numPieces; pieceIndex++ {
		if bf.HasPiece(pieceIndex) && p.availability[pieceIndex] > 0 {
			p.availability[pieceIndex]--
		}
	}
}

// ProcessHave counts a single HAVE announcement.
func (p *picker) ProcessHave(pieceIndex int) {
	p.Lock()
	defer p.Unlock()

	if pieceIndex >= 0 && pieceIndex < p.numPieces {
		p.availability[pieceIndex]++
	}
}
