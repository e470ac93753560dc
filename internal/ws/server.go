// Package ws is the real-time transport of the chat room. It upgrades HTTP
// connections to WebSocket, tracks live connections, reads client frames via
// epoll and a bounded worker pool, and exposes connect/disconnect/message
// hooks plus per-connection sends to the layer above.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/twomark/twomark/internal/metrics"
	"github.com/twomark/twomark/internal/protocol"
	"github.com/twomark/twomark/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	MaxMessageSize int64           // largest client message in bytes, across fragments
	Heartbeat      HeartbeatConfig // dead-connection detection
}

// DefaultMaxMessageSize fits a maximum-length chat message after JSON escaping.
const DefaultMaxMessageSize = 32 * 1024

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading; a
// connection is read by at most one worker at a time, so events from the same
// client are handled in order.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore *session.Store                      // optional Redis-backed session bookkeeping
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called before the first frame is read
	onDisconnect func(connID string)                 // called once when a connection is removed
	admit        func(r *http.Request) bool          // optional upgrade gate
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, session store and
// message callback. sessionStore may be nil. The onMessage function is called
// from a worker goroutine for every complete text frame.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetOnConnect registers a callback run synchronously during the upgrade,
// after session_created is sent and before the connection is added to epoll.
// No frame from the client is processed until it returns.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, close frame, heartbeat timeout). It runs at most once per
// connection, before the Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmit registers a gate consulted before upgrading a request. Returning
// false rejects the request with 429.
func (s *Server) SetAdmit(fn func(r *http.Request) bool) {
	s.admit = fn
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes epoll, starts the event loop and heartbeat, and serves
// HTTP on ln. It blocks until the server is shut down.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().Str("module", "ws").Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The new
// connection is registered, told its session ID, handed to onConnect, and
// only then added to epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.admit != nil && !s.admit(r) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	c := &Connection{
		ID:         sessionID,
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  time.Now(),
	}
	c.Touch(c.CreatedAt)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("sid", sessionID).Msg("failed to create redis session")
		}
		cancel()
	}

	if err := c.WriteEvent(protocol.SessionCreatedMsg{SessionID: sessionID}); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("sid", sessionID).Msg("failed to send session_created")
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Error().Err(err).Str("module", "ws").Str("sid", sessionID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	log.Info().Str("module", "ws").Str("sid", sessionID).Int("fd", c.Fd).
		Int("total", s.conns.Count()).Msg("new connection")
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands every ready connection
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				log.Error().Err(err).Str("module", "ws").Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one message or control frame from a ready connection.
// Pings are answered, pongs discarded, and fragmented messages reassembled
// with any interleaved control frames handled. Messages larger than
// MaxMessageSize are refused with a 1009 close before anything is allocated
// for them. Any other read failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	limit := s.maxMessageSize()
	control := wsutil.ControlFrameHandler(controlWriter{c}, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         s.epoll.Reader(netConn),
		State:          ws.StateServerSide,
		MaxFrameSize:   limit,
		OnIntermediate: control,
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A timeout before any frame means the dispatch was stale; the
		// heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.dropConnection(c, err)
		return
	}
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if err := control(header, rd); err != nil {
			s.dropConnection(c, err)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err == nil && int64(len(data)) > limit {
		err = wsutil.ErrFrameTooLarge
	}
	if err != nil {
		s.dropConnection(c, err)
		return
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// dropConnection removes c after a failed read, telling an oversized sender
// why first.
func (s *Server) dropConnection(c *Connection, err error) {
	var closed wsutil.ClosedError
	switch {
	case errors.As(err, &closed):
		log.Debug().Str("module", "ws").Str("sid", c.ID).Int("code", int(closed.Code)).Msg("client closed")
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		log.Warn().Str("module", "ws").Str("sid", c.ID).Int64("limit", s.maxMessageSize()).Msg("message too large")
		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		_ = c.WriteClose(ws.StatusMessageTooBig, "message too large")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		log.Debug().Err(err).Str("module", "ws").Str("sid", c.ID).Msg("read failed")
	}
	s.RemoveConnection(c)
}

func (s *Server) maxMessageSize() int64 {
	if s.config.MaxMessageSize > 0 {
		return s.config.MaxMessageSize
	}
	return DefaultMaxMessageSize
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent or repeated calls for the same
// connection (read error racing a heartbeat timeout) clean up only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("module", "ws").Str("sid", c.ID).Msg("failed to delete redis session")
		}
		cancel()
	}

	log.Info().Str("module", "ws").Str("sid", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
// It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// every connection and releases epoll. Connections closed here do not
// trigger onDisconnect: the process is going away with the room.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "ws").Msg("shutting down server")

	s.closeOnce.Do(func() { close(s.done) })

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
		}
	}

	for _, c := range s.conns.All() {
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Info().Str("module", "ws").Msg("server stopped, all connections closed")
	return shutdownErr
}
