// Package ws is the WebSocket transport of the chat server. It authenticates
// the handshake, upgrades the connection with gobwas/ws, multiplexes reads
// through epoll and a bounded worker pool, and hands decoded frames to the
// dispatcher.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/config"
	"github.com/tasklink/chat-realtime/internal/hub"
	"github.com/tasklink/chat-realtime/internal/protocol"
	"github.com/tasklink/chat-realtime/internal/session"
)

// MaxFrameSize caps one inbound message across all of its fragments.
const MaxFrameSize = 64 << 10

// pollInterval bounds how long the event loop blocks before checking for
// shutdown.
const pollInterval = 250 * time.Millisecond

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ServerConfigFrom maps the process configuration onto the server's.
func ServerConfigFrom(cfg config.Config) ServerConfig {
	return ServerConfig{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}
}

// Authenticator resolves the identity presented with the handshake.
type Authenticator interface {
	FromRequest(r *http.Request) (chat.Identity, error)
}

// Registry receives connection lifecycle events.
type Registry interface {
	Register(c hub.Conn) error
	Unregister(connID string)
}

// Server upgrades authenticated HTTP requests to WebSocket connections,
// watches them with epoll and reads ready frames on a bounded worker pool.
type Server struct {
	config    ServerConfig
	epoll     *Epoll
	conns     *ConnectionManager
	auth      Authenticator
	registry  Registry
	sessions  *session.Store                      // optional Redis mirror
	onMessage func(conn *Connection, data []byte) // message handler callback
	logger    *slog.Logger

	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a Server. sessions may be nil. onMessage is called from a
// worker goroutine for every complete text frame.
func NewServer(cfg ServerConfig, auth Authenticator, registry Registry, sessions *session.Store, onMessage func(conn *Connection, data []byte), logger *slog.Logger) *Server {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     cfg,
		conns:      NewConnectionManager(),
		auth:       auth,
		registry:   registry,
		sessions:   sessions,
		onMessage:  onMessage,
		logger:     logger.With("component", "ws"),
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start creates the poller and launches the event loop and the heartbeat
// monitor. It returns immediately; serve upgrades by mounting the Server as
// an http.Handler.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("websocket server started",
		"workers", s.config.WorkerPoolSize, "max_conns", s.config.MaxConnections)
	return nil
}

// ServeHTTP authenticates the request, upgrades it and registers the new
// connection. The first frame the client receives is connection:success.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.auth.FromRequest(r)
	if err != nil {
		s.logger.Info("handshake rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, chat.CodeUnauthorized, http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.NewString(), identity, conn, s.config.WriteTimeout)
	s.conns.Add(c)

	if err := s.registry.Register(c); err != nil {
		s.logger.Error("register failed", "conn_id", c.ID(), "error", err)
		s.conns.Remove(c.ID())
		return
	}

	success, err := protocol.Encode(protocol.ConnectionSuccess{
		ConnectionID: c.ID(),
		UserID:       identity.UserID,
		IsProvider:   identity.IsProvider,
	})
	if err == nil {
		err = c.Send(success)
	}
	if err != nil {
		s.logger.Warn("failed to send connection:success", "conn_id", c.ID(), "error", err)
		s.dropConnection(c)
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", "conn_id", c.ID(), "error", err)
		s.dropConnection(c)
		return
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Create(ctx, c.ID(), identity); err != nil {
			s.logger.Warn("failed to mirror session", "conn_id", c.ID(), "error", err)
		}
	}

	s.logger.Info("connection opened",
		"conn_id", c.ID(), "user_id", identity.UserID, "provider", identity.IsProvider,
		"fd", c.Fd, "total", s.conns.Count())
}

// startEventLoop waits for ready connections and reads each on a worker,
// bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(pollInterval)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.logger.Error("epoll wait failed", "error", err)
			continue
		}

		for _, conn := range conns {
			conn := conn

			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Rearm(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered in place; data frames go to onMessage. Read failures drop the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	// Control frames interleaved with a fragmented message are answered as
	// they arrive.
	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(netConn, ws.StateServerSide)(hdr, r)
	}
	rd := &wsutil.Reader{
		Source:         netConn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   MaxFrameSize,
		OnIntermediate: control,
	}

	header, err := rd.NextFrame()
	if err != nil {
		// No data after all; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.Touch()

	if header.OpCode.IsControl() {
		_ = netConn.SetReadDeadline(time.Time{})
		if err := control(header, rd); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	// The rest of a fragmented message must arrive within ReadTimeout too.
	data, err := io.ReadAll(io.LimitReader(rd, MaxFrameSize+1))
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		s.logger.Warn("read failed", "conn_id", c.ID(), "error", err)
		s.RemoveConnection(c)
		return
	}
	if len(data) > MaxFrameSize {
		s.logger.Warn("message too large", "conn_id", c.ID(), "length", len(data))
		s.RemoveConnection(c)
		return
	}
	if header.OpCode != ws.OpText || len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection tears a connection down once: it leaves the poller,
// closes the socket, unregisters from the hub and drops the session mirror.
// Safe to call from the read path and the heartbeat concurrently.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	s.dropConnection(c)
}

func (s *Server) dropConnection(c *Connection) {
	if !s.conns.Remove(c.ID()) {
		return
	}

	s.registry.Unregister(c.ID())

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID(), c.Identity()); err != nil {
			s.logger.Warn("failed to delete session mirror", "conn_id", c.ID(), "error", err)
		}
	}

	s.logger.Info("connection closed", "conn_id", c.ID(), "user_id", c.Identity().UserID, "total", s.conns.Count())
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and the heartbeat, then closes every
// connection, unregistering each from the hub.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down websocket server")
		close(s.done)

		for _, c := range s.conns.All() {
			if s.epoll != nil {
				_ = s.epoll.Remove(c.Conn)
			}
			s.dropConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.logger.Info("websocket server stopped")
	})
	return nil
}

// isEINTR reports an interrupted system call, which the loop retries.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
