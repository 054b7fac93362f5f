// Package tracker announces to an HTTP tracker and decodes the
// compact peer list from its bencoded response.
package tracker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Akdrewp/GoTorrent/torrent"
	bencode "github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var httpGet = http.Get

// Event is the announce lifecycle marker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	}
	return ""
}

// Request carries everything one announce needs.
type Request struct {
	AnnounceURL string
	InfoHash    []byte
	PeerID      []byte
	Port        int
	Uploaded    int
	Downloaded  int
	Left        int
	Event       Event
}

// Response is the decoded announce result. Peers are "ip:port"
// strings ready to dial.
type Response struct {
	Interval int
	Seeders  int
	Leechers int
	Peers    []string
}

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int
	Seeders       int `bencode:"complete"`
	Leechers      int `bencode:"incomplete"`
	Peers         string
}

// urlEncode percent-encodes raw bytes the way trackers expect:
// unreserved characters pass through, everything else becomes %HH
// with uppercase hex. The info-hash is raw SHA-1 output, so most of
// it is escaped.
func urlEncode(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		switch {
		case c >= 'A' && c <= 'Z',
			c >= 'a' && c <= 'z',
			c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// buildAnnounceURL extends the announce URL with the request's query
// parameters, appending with '&' when the URL already carries a
// query string.
func buildAnnounceURL(req *Request) string {
	var b strings.Builder
	b.WriteString(req.AnnounceURL)
	if strings.Contains(req.AnnounceURL, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	b.WriteString("info_hash=" + urlEncode(req.InfoHash))
	b.WriteString("&peer_id=" + urlEncode(req.PeerID))
	b.WriteString("&port=" + strconv.Itoa(req.Port))
	b.WriteString("&uploaded=" + strconv.Itoa(req.Uploaded))
	b.WriteString("&downloaded=" + strconv.Itoa(req.Downloaded))
	b.WriteString("&left=" + strconv.Itoa(req.Left))
	b.WriteString("&compact=1")
	if req.Event != EventNone {
		b.WriteString("&event=" + req.Event.String())
	}
	return b.String()
}

// Announce performs one blocking HTTP announce.
func Announce(req *Request) (*Response, error) {
	announceURL := buildAnnounceURL(req)
	log.WithFields(logrus.Fields{"url": announceURL}).Debug("announcing")

	resp, err := httpGet(announceURL)
	if err != nil {
		return nil, &torrent.Error{Kind: torrent.KindIO, Op: "tracker.announce", Err: err}
	}
	defer resp.Body.Close()

	decoded := &announceResponse{}
	if err := bencode.Unmarshal(resp.Body, decoded); err != nil {
		return nil, &torrent.Error{Kind: torrent.KindProtocol, Op: "tracker.announce", Err: err}
	}
	if decoded.FailureReason != "" {
		return nil, &torrent.Error{Kind: torrent.KindTracker, Op: "tracker.announce",
			Err: errors.New(decoded.FailureReason)}
	}

	peers, err := parseCompactPeers([]byte(decoded.Peers))
	if err != nil {
		return nil, err
	}
	return &Response{
		Interval: decoded.Interval,
		Seeders:  decoded.Seeders,
		Leechers: decoded.Leechers,
		Peers:    peers,
	}, nil
}

// parseCompactPeers splits the compact form into dialable addresses:
// 6 bytes per peer, 4 of IPv4 followed by a big-endian port.
func parseCompactPeers(data []byte) ([]string, error) {
	if len(data)%6 != 0 {
		return nil, &torrent.Error{Kind: torrent.KindProtocol, Op: "tracker.peers",
			Err: fmt.Errorf("compact peer list of %d bytes", len(data))}
	}
	peers := make([]string, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := int(data[i+4])<<8 | int(data[i+5])
		peers = append(peers, ip.String()+":"+strconv.Itoa(port))
	}
	return peers, nil
}
