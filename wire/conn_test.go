package wire

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/stretchr/testify/assert"
)

type connEvents struct {
	handshakes chan []byte
	messages   chan *Message
	terminal   chan error
}

func newConnEvents() *connEvents {
	return &connEvents{
		handshakes: make(chan []byte, 1),
		messages:   make(chan *Message, 16),
		terminal:   make(chan error, 16),
	}
}

func (e *connEvents) onHandshake(peerID []byte) {
	e.handshakes <- peerID
}

func (e *connEvents) onMessage(msg *Message, err error) {
	if msg == nil {
		e.terminal <- err
		return
	}
	e.messages <- msg
}

func waitMessage(t *testing.T, e *connEvents) *Message {
	select {
	case msg := <-e.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
		return nil
	}
}

func waitTerminal(t *testing.T, e *connEvents) error {
	select {
	case err := <-e.terminal:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal callback arrived")
		return nil
	}
}

var (
	testInfoHash = bytes.Repeat([]byte{0xAA}, 20)
	ourID        = []byte("-GT0001-111111111111")
	remoteID     = []byte("-XX0001-222222222222")
)

func startInbound(t *testing.T) (net.Conn, *Conn, *connEvents) {
	remote, local := net.Pipe()
	c := NewInbound(local, testInfoHash, ourID)
	events := newConnEvents()
	c.StartInbound(events.onHandshake, events.onMessage)
	return remote, c, events
}

func completeInboundHandshake(t *testing.T, remote net.Conn, events *connEvents) {
	_, err := remote.Write(encodeHandshake(testInfoHash, remoteID))
	assert.NoError(t, err)

	reply := make([]byte, handshakeLen)
	_, err = io.ReadFull(remote, reply)
	assert.NoError(t, err)
	assert.Equal(t, encodeHandshake(testInfoHash, ourID), reply)

	select {
	case peerID := <-events.handshakes:
		assert.Equal(t, remoteID, peerID)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake callback never fired")
	}
}

func TestInboundHandshakeAndFraming(t *testing.T) {
	remote, c, events := startInbound(t)
	defer c.Close(nil)
	completeInboundHandshake(t, remote, events)

	_, err := remote.Write(frame(HAVE, EncodeHave(5)))
	assert.NoError(t, err)
	msg := waitMessage(t, events)
	assert.Equal(t, byte(HAVE), msg.ID)
	assert.Equal(t, EncodeHave(5), msg.Payload)

	// A keep-alive produces no callback; the following frame is the
	// next one delivered.
	_, err = remote.Write(keepAliveFrame())
	assert.NoError(t, err)
	_, err = remote.Write(frame(UNCHOKE, nil))
	assert.NoError(t, err)
	msg = waitMessage(t, events)
	assert.Equal(t, byte(UNCHOKE), msg.ID)
}

func TestOutboundHandshake(t *testing.T) {
	remote, local := net.Pipe()
	restore := dialTimeout
	defer func() { dialTimeout = restore }()
	dialTimeout = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return local, nil
	}

	c := NewOutbound("10.0.0.9:6881", testInfoHash, ourID)
	events := newConnEvents()
	c.StartOutbound(events.onHandshake, events.onMessage)
	defer c.Close(nil)

	// The dialer speaks first.
	theirs := make([]byte, handshakeLen)
	_, err := io.ReadFull(remote, theirs)
	assert.NoError(t, err)
	assert.Equal(t, encodeHandshake(testInfoHash, ourID), theirs)

	_, err = remote.Write(encodeHandshake(testInfoHash, remoteID))
	assert.NoError(t, err)
	select {
	case peerID := <-events.handshakes:
		assert.Equal(t, remoteID, peerID)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake callback never fired")
	}
}

func TestHandshakeRejectsForeignInfoHash(t *testing.T) {
	remote, _, events := startInbound(t)

	wrong := bytes.Repeat([]byte{0xBB}, 20)
	_, err := remote.Write(encodeHandshake(wrong, remoteID))
	assert.NoError(t, err)

	err = waitTerminal(t, events)
	assert.True(t, torrent.IsKind(err, torrent.KindProtocol))
	assert.Empty(t, events.handshakes)
}

func TestOversizeFrameIsFatal(t *testing.T) {
	remote, _, events := startInbound(t)
	completeInboundHandshake(t, remote, events)

	oversize := uint32(MaxMessageBody + 1)
	header := []byte{
		byte(oversize >> 24), byte(oversize >> 16), byte(oversize >> 8), byte(oversize),
	}
	_, err := remote.Write(header)
	assert.NoError(t, err)

	err = waitTerminal(t, events)
	assert.True(t, torrent.IsKind(err, torrent.KindProtocol))
}

func TestSendMessageWritesOneFrame(t *testing.T) {
	remote, c, events := startInbound(t)
	defer c.Close(nil)
	completeInboundHandshake(t, remote, events)

	payload := EncodeRequest(1, 0, BlockSize)
	c.SendMessage(REQUEST, payload)

	framed := make([]byte, 4+1+len(payload))
	_, err := io.ReadFull(remote, framed)
	assert.NoError(t, err)
	assert.Equal(t, frame(REQUEST, payload), framed)

	c.SendKeepAlive()
	ka := make([]byte, 4)
	_, err = io.ReadFull(remote, ka)
	assert.NoError(t, err)
	assert.Equal(t, keepAliveFrame(), ka)
}

func TestQueuedWritesDoNotInterleave(t *testing.T) {
	remote, c, events := startInbound(t)
	defer c.Close(nil)
	completeInboundHandshake(t, remote, events)

	first := frame(PIECE, EncodePiece(0, 0, bytes.Repeat([]byte{1}, 64)))
	second := frame(PIECE, EncodePiece(0, 64, bytes.Repeat([]byte{2}, 64)))
	c.SendMessage(PIECE, EncodePiece(0, 0, bytes.Repeat([]byte{1}, 64)))
	c.SendMessage(PIECE, EncodePiece(0, 64, bytes.Repeat([]byte{2}, 64)))

	got := make([]byte, len(first)+len(second))
	_, err := io.ReadFull(remote, got)
	assert.NoError(t, err)
	assert.Equal(t, append(first, second...), got)
}

func TestCloseDeliversExactlyOneTerminal(t *testing.T) {
	remote, c, events := startInbound(t)
	completeInboundHandshake(t, remote, events)

	cause := &torrent.Error{Kind: torrent.KindProtocol, Op: "wire.test"}
	c.Close(cause)
	c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.test"})

	assert.Equal(t, cause, waitTerminal(t, events))
	select {
	case err := <-events.terminal:
		t.Fatalf("second terminal callback: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	remote.Close()
}

func TestRemoteCloseSurfacesIOError(t *testing.T) {
	remote, _, events := startInbound(t)
	completeInboundHandshake(t, remote, events)

	remote.Close()
	err := waitTerminal(t, events)
	assert.True(t, torrent.IsKind(err, torrent.KindIO))
}
