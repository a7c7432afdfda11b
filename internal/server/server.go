package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"respkv/internal/config"
	"respkv/internal/handler"
	"respkv/internal/node"
	"respkv/internal/protocol"
	"respkv/internal/replication"
	"respkv/internal/storage"
)

const (
	// readBufferSize bounds one request frame. Every documented command
	// fits well within it.
	readBufferSize = 1024

	readTimeout = 1 * time.Second
)

// Server owns the listener and the per-connection loops.
type Server struct {
	cfg        *config.Config
	store      *storage.Store
	state      *node.State
	handler    *handler.Handler
	propagator *replication.Propagator
	log        *logrus.Logger

	listener     net.Listener
	port         int
	connections  sync.Map
	connCounter  atomic.Int64
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	mu           sync.RWMutex
	isShutdown   bool
}

func New(cfg *config.Config, store *storage.Store, state *node.State, h *handler.Handler, log *logrus.Logger) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		state:        state,
		handler:      h,
		propagator:   replication.NewPropagator(state, log),
		log:          log,
		shutdownChan: make(chan struct{}),
	}
}

// Listen binds the TCP listener. With a configured port of 0 the kernel
// picks one; the actual port is readable via Port afterwards.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "bind listener")
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.state.SetPort(s.port)
	s.log.Infof("listening on 127.0.0.1:%d", s.port)
	return nil
}

// Port returns the bound port. Valid after Listen.
func (s *Server) Port() int {
	return s.port
}

// Serve runs the node until ctx is cancelled. A replica performs its
// handshake first; handshake failure is logged and the node serves locally
// anyway.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("Serve before Listen")
	}

	if !s.state.IsMaster() {
		s.connectToMaster()
	}

	go s.acceptConnections(ctx)

	<-ctx.Done()
	return nil
}

// connectToMaster runs the replica handshake and, on success, keeps the
// master stream alive to receive propagated commands.
func (s *Server) connectToMaster() {
	masterHost, masterPort := s.state.MasterAddr()
	hs := replication.NewHandshake(masterHost, masterPort, s.port, s.log)

	conn, err := hs.Run()
	if err != nil {
		s.log.Infof("handshake with %s failed: %v", hs.Addr(), err)
		return
	}

	s.log.Infof("handshake with %s complete", hs.Addr())
	go replication.ServeMasterStream(conn, s.handler, s.log)
}

func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.RLock()
				shutdown := s.isShutdown
				s.mu.RUnlock()
				if shutdown {
					return
				}
				s.log.Infof("accept error: %v", err)
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}
}

// handleConnection runs one client's request cycle: read with timeout,
// parse, dispatch, write every frame, then propagate if the command was a
// write and this node is a master. Any parse, protocol, or I/O error ends
// the connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	connID := s.connCounter.Add(1)
	s.connections.Store(connID, conn)

	sess := &handler.Session{}
	defer func() {
		// Port 0 is never a registry key, so untagged connections
		// unregister harmlessly.
		s.state.RemoveSlave(sess.ReplicaPort)
		s.connections.Delete(connID)
		conn.Close()
	}()

	buf := make([]byte, readBufferSize)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.log.Debugf("connection [%d] idle", connID)
				continue
			}
			if err != io.EOF {
				s.log.Infof("connection [%d] read error: %v", connID, err)
			}
			return
		}
		if n == 0 {
			return
		}

		cmd, err := protocol.ParseRequest(buf[:n])
		if err != nil {
			s.log.Infof("connection [%d] parse error: %v", connID, err)
			return
		}

		frames, err := s.handler.Dispatch(sess, conn, cmd)
		if err != nil {
			s.log.Infof("connection [%d] %s rejected: %v", connID, cmd.Name, err)
			return
		}

		for _, frame := range frames {
			if _, err := conn.Write(frame); err != nil {
				s.log.Infof("connection [%d] write error: %v", connID, err)
				return
			}
		}

		if protocol.IsWriteCommand(cmd.Name) && s.state.IsMaster() {
			s.propagator.Propagate(buf[:n])
		}
	}
}

// Shutdown stops accepting, closes every live connection, and waits for the
// per-connection goroutines with a bounded timeout.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infof("all connections closed")
	case <-time.After(5 * time.Second):
		s.log.Infof("shutdown timeout reached")
	}

	s.store.Close()
}
