package wire

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const (
	connectTimeout    = 5 * time.Second
	rateInterval      = time.Second
	keepAliveInterval = 60 * time.Second
	keepAliveIdle     = 100 * time.Second
)

var dialTimeout = net.DialTimeout

// HandshakeHandler is invoked once after a validated handshake with
// the remote peer id.
type HandshakeHandler func(peerID []byte)

// MessageHandler is invoked for every framed message, in arrival
// order. Exactly one terminal call is delivered per connection,
// carrying a nil message and the final error.
type MessageHandler func(msg *Message, err error)

// Conn owns one peer socket: handshake, framed reads, a FIFO write
// queue that never interleaves writes, keep-alive and per-second
// rate snapshots. All message callbacks are delivered from the
// connection's read goroutine.
type Conn struct {
	addr     string
	infoHash []byte
	peerID   []byte

	onHandshake HandshakeHandler
	onMessage   MessageHandler

	mu        sync.Mutex
	conn      net.Conn
	queue     [][]byte
	writing   bool
	closed    bool
	lastWrite time.Time

	quit      chan struct{}
	closeOnce sync.Once

	downInterval int64
	upInterval   int64
	downloadRate int64
	uploadRate   int64
}

// NewOutbound prepares a connection we will dial. addr is "ip:port".
func NewOutbound(addr string, infoHash, peerID []byte) *Conn {
	return &Conn{
		addr:     addr,
		infoHash: infoHash,
		peerID:   peerID,
		quit:     make(chan struct{}),
	}
}

// NewInbound wraps an accepted socket.
func NewInbound(conn net.Conn, infoHash, peerID []byte) *Conn {
	return &Conn{
		addr:     conn.RemoteAddr().String(),
		conn:     conn,
		infoHash: infoHash,
		peerID:   peerID,
		quit:     make(chan struct{}),
	}
}

// Addr returns the remote address this connection is bound to.
func (c *Conn) Addr() string { return c.addr }

// DownloadRate returns bytes/s received over the last snapshot
// interval.
func (c *Conn) DownloadRate() int64 { return atomic.LoadInt64(&c.downloadRate) }

// UploadRate returns bytes/s sent over the last snapshot interval.
func (c *Conn) UploadRate() int64 { return atomic.LoadInt64(&c.uploadRate) }

// StartOutbound dials, handshakes and enters the read loop on a new
// goroutine. Both callbacks must be set.
func (c *Conn) StartOutbound(onHandshake HandshakeHandler, onMessage MessageHandler) {
	c.onHandshake = onHandshake
	c.onMessage = onMessage
	go c.runOutbound()
}

// StartInbound validates the remote's handshake, replies with ours
// and enters the read loop on a new goroutine.
func (c *Conn) StartInbound(onHandshake HandshakeHandler, onMessage MessageHandler) {
	c.onHandshake = onHandshake
	c.onMessage = onMessage
	go c.runInbound()
}

func (c *Conn) runOutbound() {
	conn, err := dialTimeout("tcp4", c.addr, connectTimeout)
	if err != nil {
		c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.connect", Err: err})
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if _, err := conn.Write(encodeHandshake(c.infoHash, c.peerID)); err != nil {
		c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.handshake", Err: err})
		return
	}
	remoteID, err := c.readHandshake()
	if err != nil {
		c.Close(err)
		return
	}
	c.finishHandshake(remoteID)
}

func (c *Conn) runInbound() {
	remoteID, err := c.readHandshake()
	if err != nil {
		c.Close(err)
		return
	}
	if _, err := c.conn.Write(encodeHandshake(c.infoHash, c.peerID)); err != nil {
		c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.handshake", Err: err})
		return
	}
	c.finishHandshake(remoteID)
}

func (c *Conn) readHandshake() ([]byte, error) {
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, &torrent.Error{Kind: torrent.KindIO, Op: "wire.handshake", Err: err}
	}
	return parseHandshake(buf, c.infoHash)
}

func (c *Conn) finishHandshake(remoteID []byte) {
	c.mu.Lock()
	c.lastWrite = time.Now()
	c.mu.Unlock()

	log.WithFields(logrus.Fields{"peer": c.addr}).Info("handshake complete")
	c.onHandshake(remoteID)

	go c.runTimers()
	c.readLoop()
}

func (c *Conn) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.read", Err: err})
			return
		}
		length := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
		if length == 0 {
			// keep-alive
			atomic.AddInt64(&c.downInterval, 4)
			continue
		}
		if length > MaxMessageBody {
			c.Close(&torrent.Error{Kind: torrent.KindProtocol, Op: "wire.read",
				Err: fmt.Errorf("message body of %d bytes exceeds limit", length)})
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.read", Err: err})
			return
		}
		atomic.AddInt64(&c.downInterval, int64(4+length))
		c.onMessage(&Message{ID: body[0], Payload: body[1:]}, nil)
	}
}

// SendMessage frames id+payload and enqueues it. If the queue was
// empty the write chain is kicked; a single writer drains the queue
// so concurrent sends never interleave on the socket.
func (c *Conn) SendMessage(id byte, payload []byte) {
	c.enqueue(frame(id, payload))
}

// SendKeepAlive enqueues a zero-length frame.
func (c *Conn) SendKeepAlive() {
	c.enqueue(keepAliveFrame())
}

func (c *Conn) enqueue(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return
	}
	c.queue = append(c.queue, buf)
	if !c.writing {
		c.writing = true
		go c.writeLoop()
	}
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.writing = false
			c.mu.Unlock()
			return
		}
		buf := c.queue[0]
		c.queue = c.queue[1:]
		conn := c.conn
		c.mu.Unlock()

		if _, err := conn.Write(buf); err != nil {
			c.mu.Lock()
			c.queue = nil
			c.writing = false
			c.mu.Unlock()
			c.Close(&torrent.Error{Kind: torrent.KindIO, Op: "wire.write", Err: err})
			return
		}

		c.mu.Lock()
		c.lastWrite = time.Now()
		c.mu.Unlock()
		atomic.AddInt64(&c.upInterval, int64(len(buf)))
	}
}

func (c *Conn) runTimers() {
	rates := time.NewTicker(rateInterval)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer rates.Stop()
	defer keepAlive.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-rates.C:
			atomic.StoreInt64(&c.downloadRate, atomic.SwapInt64(&c.downInterval, 0))
			atomic.StoreInt64(&c.uploadRate, atomic.SwapInt64(&c.upInterval, 0))
		case <-keepAlive.C:
			c.mu.Lock()
			idle := time.Since(c.lastWrite)
			c.mu.Unlock()
			if idle >= keepAliveIdle {
				c.SendKeepAlive()
			}
		}
	}
}

// Close tears the connection down: the socket is closed, timers are
// cancelled and the message handler receives one terminal callback
// with err. Close is idempotent; only the first error wins.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		conn := c.conn
		c.mu.Unlock()

		close(c.quit)
		if conn != nil {
			conn.Close()
		}
		if c.onMessage != nil {
			c.onMessage(nil, err)
		}
	})
}
