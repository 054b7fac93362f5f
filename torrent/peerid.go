package torrent

import (
	"crypto/rand"
	"math/big"
)

// PeerIDPrefix follows the BEP 20 Mainline convention: client tag GT
// ("GoTorrent"), version 0001.
const PeerIDPrefix = "-GT0001-"

// GeneratePeerID returns a fresh 20-byte peer id: the client prefix
// followed by 12 random decimal digits. Digits keep the id free of
// bytes that would need escaping in tracker URLs. A new id is drawn
// on every start; ids are never persisted.
func GeneratePeerID() []byte {
	id := make([]byte, 0, 20)
	id = append(id, PeerIDPrefix...)
	for i := 0; i < 12; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// crypto/rand only fails when the OS entropy source is
			// broken; fall back to a fixed digit rather than abort.
			id = append(id, '0')
			continue
		}
		id = append(id, byte('0'+n.Int64()))
	}
	return id
}
