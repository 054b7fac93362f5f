// Package peer drives the BitTorrent protocol state machine for one
// remote peer and implements the tit-for-tat choking policy across
// all of them.
package peer

import (
	"errors"
	"sync"

	"github.com/Akdrewp/GoTorrent/bitfield"
	"github.com/Akdrewp/GoTorrent/piece"
	"github.com/Akdrewp/GoTorrent/stats"
	"github.com/Akdrewp/GoTorrent/storage"
	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/Akdrewp/GoTorrent/wire"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var errTooManyBadHashes = errors.New("too many failed piece hashes")

const (
	// MaxPipelineDepth caps outstanding block requests per peer.
	MaxPipelineDepth = 5

	// MaxBadHashes is the number of failed piece hashes tolerated
	// before the peer is dropped.
	MaxBadHashes = 3
)

// Conn is the transport surface the peer drives. *wire.Conn satisfies
// it; tests substitute a mock.
type Conn interface {
	StartOutbound(onHandshake wire.HandshakeHandler, onMessage wire.MessageHandler)
	StartInbound(onHandshake wire.HandshakeHandler, onMessage wire.MessageHandler)
	SendMessage(id byte, payload []byte)
	Close(err error)
	Addr() string
	DownloadRate() int64
	UploadRate() int64
}

// Session receives peer lifecycle events. The session owns its peers;
// a peer only holds this narrow reference back.
type Session interface {
	OnPeerDisconnected(p Peer)
	OnPieceCompleted(pieceIndex int)
	OnStorageFailure(err error)
}

// Peer is one remote peer of the session.
type Peer interface {
	StartOutbound()
	StartInbound()
	Close(err error)
	Addr() string
	AmChoking() bool
	SetAmChoking(choking bool)
	PeerInterested() bool
	SendHave(pieceIndex int)
	DownloadRate() int64
	UploadRate() int64
}

// request identifies one outstanding block request on the wire.
type request struct {
	pieceIndex int
	begin      int
	length     int
}

// pieceWork is the receive buffer for one assigned piece.
type pieceWork struct {
	buf             []byte
	nextBlockOffset int
}

type peer struct {
	conn    Conn
	tor     *torrent.Torrent
	repo    storage.Repository
	picker  piece.Picker
	stats   stats.Stats
	session Session

	mu              sync.Mutex
	disconnected    bool
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	peerBitfield    bitfield.Bitfield
	pipeline        []request
	assigned        []int
	pieces          map[int]*pieceWork
	failedHashCount int

	// pendingClose and storageFault are raised under mu and acted on
	// after it is released; closing the connection re-enters this
	// peer through the terminal callback.
	pendingClose error
	storageFault error
}

// NewPeer wires a peer to its transport and the session's shared
// components. The connection is not started yet.
func NewPeer(
	conn Conn,
	tor *torrent.Torrent,
	repo storage.Repository,
	picker piece.Picker,
	st stats.Stats,
	session Session) Peer {

	return &peer{
		conn:         conn,
		tor:          tor,
		repo:         repo,
		picker:       picker,
		stats:        st,
		session:      session,
		amChoking:    true,
		peerChoking:  true,
		peerBitfield: bitfield.New(tor.NumPieces),
		pieces:       make(map[int]*pieceWork),
	}
}

// StartOutbound dials the remote and begins the handshake.
func (p *peer) StartOutbound() {
	p.conn.StartOutbound(p.onHandshake, p.onMessage)
}

// StartInbound answers the handshake on an accepted socket.
func (p *peer) StartInbound() {
	p.conn.StartInbound(p.onHandshake, p.onMessage)
}

func (p *peer) Close(err error) { p.conn.Close(err) }

func (p *peer) Addr() string { return p.conn.Addr() }

func (p *peer) DownloadRate() int64 { return p.conn.DownloadRate() }

func (p *peer) UploadRate() int64 { return p.conn.UploadRate() }

func (p *peer) AmChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

func (p *peer) PeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

// SetAmChoking flips our choking state, notifying the remote only on
// a transition.
func (p *peer) SetAmChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.amChoking == choking {
		return
	}
	p.amChoking = choking
	if choking {
		p.conn.SendMessage(wire.CHOKE, nil)
	} else {
		p.conn.SendMessage(wire.UNCHOKE, nil)
	}
}

// SendHave announces a freshly completed piece. Called by the session
// on every peer; deliberately lock-free so a completion callback may
// fan out without re-entering this peer's state.
func (p *peer) SendHave(pieceIndex int) {
	p.conn.SendMessage(wire.HAVE, wire.EncodeHave(pieceIndex))
}

func (p *peer) onHandshake(peerID []byte) {
	log.WithFields(logrus.Fields{
		"peer":   p.conn.Addr(),
		"peerID": string(peerID),
	}).Debug("peer handshake complete")
	p.conn.SendMessage(wire.BITFIELD, p.repo.Bitfield())
}

func (p *peer) onMessage(msg *wire.Message, err error) {
	if msg == nil {
		p.onDisconnect(err)
		return
	}
	p.handleMessage(msg)
}

func (p *peer) onDisconnect(err error) {
	p.mu.Lock()
	p.disconnected = true
	p.picker.ProcessPeerDisconnect(p.peerBitfield)
	for _, pieceIndex := range p.assigned {
		p.picker.OnPieceFailed(pieceIndex)
	}
	p.assigned = nil
	p.pieces = make(map[int]*pieceWork)
	p.pipeline = nil
	p.mu.Unlock()

	if err != nil {
		log.WithFields(logrus.Fields{"peer": p.conn.Addr()}).Info(err)
	}
	p.session.OnPeerDisconnected(p)
}

func (p *peer) handleMessage(msg *wire.Message) {
	p.mu.Lock()

	// A frame already parsed by the read goroutine can arrive after
	// the terminal callback ran from another goroutine; acting on it
	// would re-take picker state no disconnect will ever release.
	if p.disconnected {
		p.mu.Unlock()
		return
	}

	switch msg.ID {
	case wire.CHOKE:
		p.peerChoking = true
		p.rewindInFlight()
	case wire.UNCHOKE:
		p.peerChoking = false
	case wire.INTERESTED:
		p.peerInterested = true
	case wire.NOT_INTERESTED:
		p.peerInterested = false
	case wire.HAVE:
		pieceIndex, err := wire.ParseHave(msg.Payload)
		if err != nil {
			log.WithFields(logrus.Fields{"peer": p.conn.Addr()}).Warn(err)
			break
		}
		p.peerBitfield.SetPiece(pieceIndex)
		p.picker.ProcessHave(pieceIndex)
	case wire.BITFIELD:
		p.peerBitfield = bitfield.FromBytes(msg.Payload)
		p.picker.ProcessBitfield(p.peerBitfield)
	case wire.REQUEST:
		p.handleRequest(msg.Payload)
	case wire.PIECE:
		p.handlePiece(msg.Payload)
	default:
		log.WithFields(logrus.Fields{
			"peer": p.conn.Addr(),
			"id":   msg.ID,
		}).Warn("ignoring unknown message id")
	}

	if p.pendingClose == nil {
		p.evaluateInterest()
		p.fillPipeline()
	}
	closeErr, fault := p.pendingClose, p.storageFault
	p.pendingClose, p.storageFault = nil, nil
	p.mu.Unlock()

	if closeErr != nil {
		p.conn.Close(closeErr)
	}
	if fault != nil {
		p.session.OnStorageFailure(fault)
	}
}

// rewindInFlight drops all outstanding requests. Each in-progress
// piece keeps its buffered bytes; its offset backs up over the
// cancelled requests so they are reissued on the next unchoke.
func (p *peer) rewindInFlight() {
	dropped := map[int]int{}
	for _, req := range p.pipeline {
		dropped[req.pieceIndex]++
	}
	p.pipeline = nil
	for pieceIndex, count := range dropped {
		pw := p.pieces[pieceIndex]
		if pw == nil {
			continue
		}
		pw.nextBlockOffset -= count * wire.BlockSize
		if pw.nextBlockOffset < 0 {
			pw.nextBlockOffset = 0
		}
	}
}

func (p *peer) handleRequest(payload []byte) {
	if p.amChoking {
		return
	}
	pieceIndex, begin, length, err := wire.ParseRequest(payload)
	if err != nil {
		log.WithFields(logrus.Fields{"peer": p.conn.Addr()}).Warn(err)
		return
	}
	if length > wire.MaxRequestLength {
		log.WithFields(logrus.Fields{
			"peer":   p.conn.Addr(),
			"length": length,
		}).Warn("ignoring oversize block request")
		return
	}
	block, err := p.repo.ReadBlock(pieceIndex, begin, length)
	if err != nil {
		log.WithFields(logrus.Fields{"peer": p.conn.Addr()}).Warn(err)
		return
	}
	p.conn.SendMessage(wire.PIECE, wire.EncodePiece(pieceIndex, begin, block))
	p.stats.AddUploaded(length)
}

func (p *peer) handlePiece(payload []byte) {
	pieceIndex, begin, block, err := wire.ParsePiece(payload)
	if err != nil {
		log.WithFields(logrus.Fields{"peer": p.conn.Addr()}).Warn(err)
		return
	}

	matched := -1
	for i, req := range p.pipeline {
		if req.pieceIndex == pieceIndex && req.begin == begin && req.length == len(block) {
			matched = i
			break
		}
	}
	if matched < 0 {
		// Not a block we asked for; a late arrival after a rewind.
		return
	}
	p.pipeline = append(p.pipeline[:matched], p.pipeline[matched+1:]...)
	p.stats.AddDownloaded(len(block))

	pw := p.pieces[pieceIndex]
	if pw == nil || begin+len(block) > len(pw.buf) {
		return
	}
	copy(pw.buf[begin:], block)

	if pw.nextBlockOffset == len(pw.buf) && !p.pipelineHolds(pieceIndex) {
		p.completePiece(pieceIndex, pw)
	}
}

func (p *peer) pipelineHolds(pieceIndex int) bool {
	for _, req := range p.pipeline {
		if req.pieceIndex == pieceIndex {
			return true
		}
	}
	return false
}

func (p *peer) completePiece(pieceIndex int, pw *pieceWork) {
	p.forgetAssignment(pieceIndex)

	if !p.repo.VerifyHash(pieceIndex, pw.buf) {
		p.picker.OnPieceFailed(pieceIndex)
		p.failedHashCount++
		log.WithFields(logrus.Fields{
			"peer":    p.conn.Addr(),
			"piece":   pieceIndex,
			"strikes": p.failedHashCount,
		}).Warn("piece failed hash check")
		if p.failedHashCount >= MaxBadHashes {
			p.pendingClose = &torrent.Error{Kind: torrent.KindProtocol, Op: "peer.verify",
				Err: errTooManyBadHashes}
		}
		return
	}

	if err := p.repo.SavePiece(pieceIndex, pw.buf); err != nil {
		p.picker.OnPieceFailed(pieceIndex)
		p.pendingClose = err
		p.storageFault = err
		return
	}
	p.picker.OnPiecePassed(pieceIndex)
	log.WithFields(logrus.Fields{
		"peer":  p.conn.Addr(),
		"piece": pieceIndex,
	}).Info("piece completed")
	p.session.OnPieceCompleted(pieceIndex)
}

func (p *peer) forgetAssignment(pieceIndex int) {
	delete(p.pieces, pieceIndex)
	for i, assigned := range p.assigned {
		if assigned == pieceIndex {
			p.assigned = append(p.assigned[:i], p.assigned[i+1:]...)
			break
		}
	}
}

// evaluateInterest sends INTERESTED the first time the peer holds a
// piece we lack.
func (p *peer) evaluateInterest() {
	if p.amInterested {
		return
	}
	mine := p.repo.Bitfield()
	for pieceIndex := 0; pieceIndex < p.tor.NumPieces; pieceIndex++ {
		if p.peerBitfield.HasPiece(pieceIndex) && !mine.HasPiece(pieceIndex) {
			p.amInterested = true
			p.conn.SendMessage(wire.INTERESTED, nil)
			return
		}
	}
}

// fillPipeline keeps up to MaxPipelineDepth requests outstanding.
// The current assignment is drained block by block; when it has no
// blocks left to request the picker assigns the next piece.
func (p *peer) fillPipeline() {
	for p.amInterested && !p.peerChoking && len(p.pipeline) < MaxPipelineDepth {
		pieceIndex, pw := p.nextWork()
		if pw == nil {
			index, ok := p.picker.PickPiece(p.peerBitfield, p.repo.Bitfield())
			if !ok {
				return
			}
			pieceIndex = index
			pw = &pieceWork{buf: make([]byte, p.tor.PieceSize(index))}
			p.pieces[index] = pw
			p.assigned = append(p.assigned, index)
		}

		blockLength := len(pw.buf) - pw.nextBlockOffset
		if blockLength > wire.BlockSize {
			blockLength = wire.BlockSize
		}
		p.conn.SendMessage(wire.REQUEST, wire.EncodeRequest(pieceIndex, pw.nextBlockOffset, blockLength))
		p.pipeline = append(p.pipeline, request{pieceIndex, pw.nextBlockOffset, blockLength})
		pw.nextBlockOffset += blockLength
	}
}

// nextWork returns the oldest assignment that still has unrequested
// blocks, or nil when every assignment is fully requested.
func (p *peer) nextWork() (int, *pieceWork) {
	for _, pieceIndex := range p.assigned {
		pw := p.pieces[pieceIndex]
		if pw != nil && pw.nextBlockOffset < len(pw.buf) {
			return pieceIndex, pw
		}
	}
	return 0, nil
}
