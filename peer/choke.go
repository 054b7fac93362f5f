package peer

import (
	"math/rand"
	"sort"
	"time"
)

const (
	// ChokeInterval is the rechoke cadence; the session owns the
	// timer.
	ChokeInterval = 10 * time.Second

	// downloaders is the number of reciprocation slots.
	downloaders = 4
)

var randIntn = rand.Intn

// Choker applies the tit-for-tat unchoke policy over the session's
// peers.
type Choker interface {
	Rechoke(peers []Peer)
}

type choker struct{}

func NewChoker() Choker {
	return &choker{}
}

// Rechoke unchokes the four peers uploading to us fastest plus one
// optimistic pick from the rest, and chokes everyone else. Peers
// already in the target state are not re-notified.
func (c *choker) Rechoke(peers []Peer) {
	sorted := make([]Peer, len(peers))
	copy(sorted, peers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DownloadRate() > sorted[j].DownloadRate()
	})

	unchoked := make(map[Peer]bool)
	for i := 0; i < len(sorted) && i < downloaders; i++ {
		unchoked[sorted[i]] = true
	}

	// Charity slot for a peer outside the reciprocation set.
	if remainder := sorted[min(downloaders, len(sorted)):]; len(remainder) > 0 {
		unchoked[remainder[randIntn(len(remainder))]] = true
	}

	for _, p := range sorted {
		p.SetAmChoking(!unchoked[p])
	}
}
