// Package wire implements the BitTorrent v1 peer wire: the 68-byte
// handshake, length-prefixed message framing and the payload codecs
// for the messages this client handles.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Akdrewp/GoTorrent/torrent"
)

// Message ids.
const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	PIECE          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	// BlockSize is the unit of REQUEST/PIECE transfer.
	BlockSize = 16384 // 2^14

	// MaxMessageBody caps a framed body: a PIECE carrying one block
	// plus its id and two offsets. Anything larger is a protocol
	// error.
	MaxMessageBody = BlockSize + 13

	// MaxRequestLength is the largest block a remote may ask of us.
	MaxRequestLength = 131072 // 2^17

	handshakeLen   = 68
	protocolString = "BitTorrent protocol"
)

// Message is one framed, non-keep-alive wire message.
type Message struct {
	ID      byte
	Payload []byte
}

func (m *Message) String() string {
	names := map[byte]string{
		CHOKE: "CHOKE", UNCHOKE: "UNCHOKE", INTERESTED: "INTERESTED",
		NOT_INTERESTED: "NOT_INTERESTED", HAVE: "HAVE", BITFIELD: "BITFIELD",
		REQUEST: "REQUEST", PIECE: "PIECE", CANCEL: "CANCEL", PORT: "PORT",
	}
	if name, ok := names[m.ID]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", m.ID)
}

// frame prepends the 4-byte big-endian length to id+payload.
func frame(id byte, payload []byte) []byte {
	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = id
	copy(buf[5:], payload)
	return buf
}

// keepAliveFrame is a zero-length frame: no id, no payload.
func keepAliveFrame() []byte {
	return make([]byte, 4)
}

func encodeHandshake(infoHash, peerID []byte) []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = 19
	copy(buf[1:20], protocolString)
	// bytes 20..27 are the reserved zeros
	copy(buf[28:48], infoHash)
	copy(buf[48:68], peerID)
	return buf
}

// parseHandshake validates the protocol string and info-hash and
// returns the remote peer id.
func parseHandshake(buf, infoHash []byte) ([]byte, error) {
	if len(buf) != handshakeLen {
		return nil, &torrent.Error{Kind: torrent.KindProtocol, Op: "wire.handshake",
			Err: fmt.Errorf("handshake is %d bytes", len(buf))}
	}
	if buf[0] != 19 || !bytes.Equal(buf[1:20], []byte(protocolString)) {
		return nil, &torrent.Error{Kind: torrent.KindProtocol, Op: "wire.handshake",
			Err: fmt.Errorf("unknown protocol string")}
	}
	if !bytes.Equal(buf[28:48], infoHash) {
		return nil, &torrent.Error{Kind: torrent.KindProtocol, Op: "wire.handshake",
			Err: fmt.Errorf("info hash mismatch")}
	}
	peerID := make([]byte, 20)
	copy(peerID, buf[48:68])
	return peerID, nil
}

// EncodeHave builds a HAVE payload.
func EncodeHave(pieceIndex int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return payload
}

// ParseHave decodes a HAVE payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("HAVE payload is %d bytes", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// EncodeRequest builds a REQUEST (or CANCEL) payload.
func EncodeRequest(pieceIndex, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:], uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return payload
}

// ParseRequest decodes a REQUEST (or CANCEL) payload.
func ParseRequest(payload []byte) (pieceIndex, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("REQUEST payload is %d bytes", len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:]))
	begin = int(binary.BigEndian.Uint32(payload[4:]))
	length = int(binary.BigEndian.Uint32(payload[8:]))
	return pieceIndex, begin, length, nil
}

// EncodePiece builds a PIECE payload: index, begin, block data.
func EncodePiece(pieceIndex, begin int, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:], uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	copy(payload[8:], block)
	return payload
}

// ParsePiece decodes a PIECE payload. The block slice aliases the
// payload.
func ParsePiece(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("PIECE payload is %d bytes", len(payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:]))
	begin = int(binary.BigEndian.Uint32(payload[4:]))
	return pieceIndex, begin, payload[8:], nil
}
