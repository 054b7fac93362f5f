package tracker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/stretchr/testify/assert"
)

func TestURLEncodeEscapesRawBytes(t *testing.T) {
	assert.Equal(t, "abcXYZ019-_.~", urlEncode([]byte("abcXYZ019-_.~")))
	assert.Equal(t, "%00%0A%20%2F%FF", urlEncode([]byte{0x00, 0x0A, 0x20, 0x2F, 0xFF}))
	assert.Equal(t, "a%2Bb", urlEncode([]byte("a+b")))
}

func TestBuildAnnounceURLSeparators(t *testing.T) {
	req := &Request{
		AnnounceURL: "http://tracker.example/announce",
		InfoHash:    []byte{0x12, 0xAB},
		PeerID:      []byte("-GT0001-000000000000"),
		Port:        6882,
		Left:        1000,
		Event:       EventStarted,
	}
	built := buildAnnounceURL(req)
	assert.True(t, strings.HasPrefix(built, "http://tracker.example/announce?info_hash=%12%AB&"))
	assert.Contains(t, built, "&peer_id=-GT0001-000000000000")
	assert.Contains(t, built, "&port=6882")
	assert.Contains(t, built, "&uploaded=0&downloaded=0&left=1000")
	assert.Contains(t, built, "&compact=1")
	assert.Contains(t, built, "&event=started")

	// A query string already present switches the first separator.
	req.AnnounceURL = "http://tracker.example/announce?key=1"
	assert.Contains(t, buildAnnounceURL(req), "announce?key=1&info_hash=")

	// Regular announces carry no event parameter.
	req.Event = EventNone
	assert.NotContains(t, buildAnnounceURL(req), "event=")
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	compact := string([]byte{
		192, 168, 1, 10, 0x1A, 0xE1, // 192.168.1.10:6881
		10, 0, 0, 1, 0x1A, 0xE2, // 10.0.0.1:6882
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "compact=1")
		fmt.Fprintf(w, "d8:intervali1800e8:completei4e10:incompletei2e5:peers12:%se", compact)
	}))
	defer server.Close()

	resp, err := Announce(&Request{
		AnnounceURL: server.URL,
		InfoHash:    make([]byte, 20),
		PeerID:      []byte("-GT0001-000000000000"),
		Port:        6882,
		Event:       EventStarted,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 4, resp.Seeders)
	assert.Equal(t, 2, resp.Leechers)
	assert.Equal(t, []string{"192.168.1.10:6881", "10.0.0.1:6882"}, resp.Peers)
}

func TestAnnounceFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason15:torrent unknowne")
	}))
	defer server.Close()

	_, err := Announce(&Request{AnnounceURL: server.URL})
	assert.Error(t, err)
	assert.True(t, torrent.IsKind(err, torrent.KindTracker))
	assert.Contains(t, err.Error(), "torrent unknown")
}

func TestAnnounceRejectsRaggedPeerList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e5:peers5:shorte")
	}))
	defer server.Close()

	_, err := Announce(&Request{AnnounceURL: server.URL})
	assert.Error(t, err)
	assert.True(t, torrent.IsKind(err, torrent.KindProtocol))
}

func TestAnnounceConnectError(t *testing.T) {
	_, err := Announce(&Request{AnnounceURL: "http://127.0.0.1:1/announce"})
	assert.Error(t, err)
	assert.True(t, torrent.IsKind(err, torrent.KindIO))
}
