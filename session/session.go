// Package session orchestrates one torrent download: storage, piece
// selection, choking, tracker announces and the peer set.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/Akdrewp/GoTorrent/peer"
	"github.com/Akdrewp/GoTorrent/piece"
	"github.com/Akdrewp/GoTorrent/stats"
	"github.com/Akdrewp/GoTorrent/storage"
	"github.com/Akdrewp/GoTorrent/torrent"
	"github.com/Akdrewp/GoTorrent/tracker"
	"github.com/Akdrewp/GoTorrent/wire"
	"github.com/gosuri/uiprogress"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// defaultAnnounceInterval applies until the tracker reports its own.
const defaultAnnounceInterval = 30 * time.Minute

// statsInterval drives the rolling rate window.
const statsInterval = time.Second

// Config carries the session's tunables.
type Config struct {
	Port         int
	DownloadDir  string
	MaxOpenFiles int
	Variance     int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Port:         6882,
		DownloadDir:  "./downloads",
		MaxOpenFiles: storage.DefaultMaxOpenFiles,
		Variance:     1,
	}
}

// Session is one torrent download. It implements the peer lifecycle
// surface and the acceptor's inbound handler.
type Session interface {
	Start() error
	Stop()
	Done() <-chan struct{}
	Err() error
	OnPeerDisconnected(p peer.Peer)
	OnPieceCompleted(pieceIndex int)
	HandleInboundConnection(conn net.Conn)
}

type session struct {
	cfg    Config
	tor    *torrent.Torrent
	repo   storage.Repository
	picker piece.Picker
	choker peer.Choker
	stats  stats.Stats
	peerID []byte

	mu       sync.Mutex
	err      error
	peers    map[string]peer.Peer
	progress *uiprogress.Progress
	bar      *uiprogress.Bar

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

// NewSession builds a session for tor with its own repository,
// picker, choker and stats.
func NewSession(tor *torrent.Torrent, cfg Config) (Session, error) {
	repo, err := storage.NewRepository(tor, cfg.DownloadDir, cfg.MaxOpenFiles)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:    cfg,
		tor:    tor,
		repo:   repo,
		picker: piece.NewPicker(tor.NumPieces, cfg.Variance),
		choker: peer.NewChoker(),
		stats:  stats.NewStats(),
		peerID: torrent.GeneratePeerID(),
		peers:  make(map[string]peer.Peer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start pre-allocates storage, starts the choke and stats timers and
// begins the announce loop. It returns once the session is running;
// wait on Done for completion.
func (s *session) Start() error {
	if err := s.repo.Initialize(); err != nil {
		return err
	}

	s.progress = uiprogress.New()
	s.progress.Start()
	s.bar = s.progress.AddBar(s.tor.NumPieces)
	s.bar.AppendCompleted()
	s.bar.PrependElapsed()

	go s.runTimers()
	go s.announceLoop()
	return nil
}

func (s *session) Done() <-chan struct{} { return s.done }

// Err reports the error that aborted the session, if any. Valid once
// Done is closed.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records the aborting error and stops the session. The first
// error wins.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Stop()
}

// Stop announces the departure, closes every peer and stops the
// timers. Idempotent.
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		uploaded, downloaded := s.stats.TrackerStats()
		if _, err := tracker.Announce(&tracker.Request{
			AnnounceURL: s.tor.MetaInfo.Announce,
			InfoHash:    s.tor.InfoHash,
			PeerID:      s.peerID,
			Port:        s.cfg.Port,
			Uploaded:    uploaded,
			Downloaded:  downloaded,
			Left:        int(s.repo.Left()),
			Event:       tracker.EventStopped,
		}); err != nil {
			log.Warn(err)
		}

		s.mu.Lock()
		peers := s.peerList()
		s.mu.Unlock()
		for _, p := range peers {
			p.Close(nil)
		}
		s.repo.Close()
		if s.progress != nil {
			s.progress.Stop()
		}
		s.doneOnce.Do(func() { close(s.done) })
	})
}

func (s *session) runTimers() {
	choke := time.NewTicker(peer.ChokeInterval)
	rates := time.NewTicker(statsInterval)
	defer choke.Stop()
	defer rates.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-rates.C:
			s.stats.Tick()
		case <-choke.C:
			s.mu.Lock()
			peers := s.peerList()
			s.mu.Unlock()
			s.choker.Rechoke(peers)
		}
	}
}

// announceLoop sends the started announce, dials the returned peers
// and re-announces on the tracker's interval.
func (s *session) announceLoop() {
	event := tracker.EventStarted
	interval := defaultAnnounceInterval
	for {
		uploaded, downloaded := s.stats.TrackerStats()
		resp, err := tracker.Announce(&tracker.Request{
			AnnounceURL: s.tor.MetaInfo.Announce,
			InfoHash:    s.tor.InfoHash,
			PeerID:      s.peerID,
			Port:        s.cfg.Port,
			Uploaded:    uploaded,
			Downloaded:  downloaded,
			Left:        int(s.repo.Left()),
			Event:       event,
		})
		if err != nil {
			log.Warn(err)
			if event == tracker.EventStarted || torrent.IsKind(err, torrent.KindTracker) {
				// Without a startup announce there are no peers to
				// dial, and a named rejection will not succeed on a
				// retry of the same request.
				s.fail(err)
				return
			}
		} else {
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
			log.WithFields(logrus.Fields{
				"peers":    len(resp.Peers),
				"seeders":  resp.Seeders,
				"leechers": resp.Leechers,
			}).Info("tracker announce ok")
			for _, addr := range resp.Peers {
				s.addOutboundPeer(addr)
			}
		}
		event = tracker.EventNone

		select {
		case <-s.quit:
			return
		case <-time.After(interval):
		}
	}
}

// peerList snapshots the peer map; callers hold s.mu.
func (s *session) peerList() []peer.Peer {
	peers := make([]peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *session) addOutboundPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peers[addr]; ok {
		return
	}
	conn := wire.NewOutbound(addr, s.tor.InfoHash, s.peerID)
	p := peer.NewPeer(conn, s.tor, s.repo, s.picker, s.stats, s)
	s.peers[addr] = p
	p.StartOutbound()
}

// HandleInboundConnection wraps an accepted socket into a peer and
// answers its handshake.
func (s *session) HandleInboundConnection(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wc := wire.NewInbound(conn, s.tor.InfoHash, s.peerID)
	p := peer.NewPeer(wc, s.tor, s.repo, s.picker, s.stats, s)
	s.peers[p.Addr()] = p
	p.StartInbound()
}

// OnPeerDisconnected drops the peer from the active set.
func (s *session) OnPeerDisconnected(p peer.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, p.Addr())
}

// OnStorageFailure aborts the session; a repository that cannot write
// verified data cannot make progress.
func (s *session) OnStorageFailure(err error) {
	log.Error(err)
	go s.fail(err)
}

// OnPieceCompleted advances the progress bar, announces the piece to
// every peer and finishes the session when the last piece lands.
func (s *session) OnPieceCompleted(pieceIndex int) {
	if s.bar != nil {
		s.bar.Incr()
	}

	s.mu.Lock()
	peers := s.peerList()
	s.mu.Unlock()
	for _, p := range peers {
		p.SendHave(pieceIndex)
	}

	if s.repo.Complete() {
		log.WithFields(logrus.Fields{
			"name": s.tor.MetaInfo.Info.Name,
		}).Info("download complete")
		go s.complete()
	}
}

func (s *session) complete() {
	uploaded, downloaded := s.stats.TrackerStats()
	if _, err := tracker.Announce(&tracker.Request{
		AnnounceURL: s.tor.MetaInfo.Announce,
		InfoHash:    s.tor.InfoHash,
		PeerID:      s.peerID,
		Port:        s.cfg.Port,
		Uploaded:    uploaded,
		Downloaded:  downloaded,
		Left:        0,
		Event:       tracker.EventCompleted,
	}); err != nil {
		log.Warn(err)
	}
	s.doneOnce.Do(func() { close(s.done) })
}
