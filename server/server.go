// Package server accepts inbound peer connections and hands the raw
// sockets to the session.
package server

import (
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var listen = net.Listen

// Handler receives each accepted socket. The session implements it.
type Handler interface {
	HandleInboundConnection(conn net.Conn)
}

// Server owns the listening socket.
type Server interface {
	Serve()
	Port() int
	Stop()
}

type server struct {
	listener net.Listener
	port     int
	handler  Handler
	quit     chan struct{}
}

// NewServer binds the listening socket on port; 0 binds an ephemeral
// port, readable afterwards through Port.
func NewServer(handler Handler, port int) (Server, error) {
	listener, err := listen("tcp4", ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}
	return &server{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		handler:  handler,
		quit:     make(chan struct{}),
	}, nil
}

// Serve accepts until Stop closes the listener. Each accepted socket
// is passed to the handler and the accept loop re-arms immediately.
func (sv *server) Serve() {
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Info("peer listener stopped")
				default:
					log.Warn(err)
				}
				return
			}
			log.WithFields(logrus.Fields{
				"peer": conn.RemoteAddr().String(),
			}).Info("accepted inbound connection")
			sv.handler.HandleInboundConnection(conn)
		}
	}()
}

func (sv *server) Port() int {
	return sv.port
}

func (sv *server) Stop() {
	close(sv.quit)
	sv.listener.Close()
}
