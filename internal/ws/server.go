// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tracking the connection lifecycle, and reading inbound frames
// which it hands to the channel (chat or signaling) bound at upgrade time.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-server/internal/protocol"
)

// Channel is a protocol behavior served on a WebSocket route. The server owns
// framing and lifecycle; the channel owns semantics. OnConnect runs before
// the connection is declared open, so a channel can register the connection
// with the room registry before any frame is dispatched to it. OnDisconnect
// runs exactly once on the disconnect path and must unsubscribe the
// connection from every room it joined.
type Channel interface {
	Name() string
	OnConnect(c *Connection, target string) error
	OnMessage(c *Connection, data []byte)
	OnDisconnect(c *Connection)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading. Each route prefix (e.g.
// /ws/chat/, /ws/call/) is served by a registered Channel.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	channels   map[string]Channel // route prefix -> channel
	extra      map[string]http.Handler
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	onAlive    func(*Connection)
}

// NewServer creates a Server with the given configuration. Channels and extra
// HTTP handlers are registered before Start.
func NewServer(config ServerConfig) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		channels:   make(map[string]Channel),
		extra:      make(map[string]http.Handler),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// RegisterChannel serves the given channel on a route prefix. The path
// remainder after the prefix is passed to OnConnect as the connect target
// (the room name for chat, the counterparty for signaling).
func (s *Server) RegisterChannel(prefix string, ch Channel) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s.channels[prefix] = ch
}

// Handle registers an additional HTTP handler (metrics, history, presence)
// on the server's mux. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extra[pattern] = handler
}

// SetOnAlive registers a callback invoked by the heartbeat monitor for each
// connection that is still healthy, e.g. to refresh a presence TTL. Must be
// called before Start.
func (s *Server) SetOnAlive(fn func(*Connection)) {
	s.onAlive = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	for prefix, ch := range s.channels {
		prefix, ch := prefix, ch
		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(w, r, prefix, ch)
		})
	}
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.extra {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, channels=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, len(s.channels))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then hands the new connection to the route's
// channel. The connection is only declared open after the channel finished
// registering it, so no frame can be routed to a room it has not joined yet.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, prefix string, ch Channel) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}

	target := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if target == "" {
		http.Error(w, "missing connect target", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Username:  username,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		channel:   ch,
	}
	c.MarkAlive()

	// Let the channel join rooms and record presence before any frame from
	// this socket is read.
	if err := ch.OnConnect(c, target); err != nil {
		log.Printf("ws: %s connect rejected conn=%s user=%s target=%s: %v",
			ch.Name(), c.ID, username, target, err)
		s.sendError(c, err.Error())
		conn.Close()
		return
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		if c.beginClose() {
			ch.OnDisconnect(c)
			c.markClosed()
		}
		return
	}
	c.markOpen()

	log.Printf("ws: new %s connection conn=%s user=%s target=%s fd=%d (total=%d)",
		ch.Name(), c.ID, username, target, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime, for load balancer health checks.
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

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
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
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. A transport-level failure
// is fatal to this one connection and routes it into the disconnect path;
// frames are handed to the connection's channel in receipt order.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll. This also
	// keeps per-connection frame processing sequential: the next frame is not
	// read until the channel finished with the current one.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.MarkAlive()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	c.channel.OnMessage(c, data)
}

// RemoveConnection routes a connection into its disconnect path: it is
// unregistered from epoll and the connection manager, the channel
// unsubscribes it from every room it joined, and the socket is closed.
// Exactly one caller wins the Closing transition, so races between a read
// error, a heartbeat timeout, and shutdown are settled here.
func (s *Server) RemoveConnection(c *Connection) {
	if !c.beginClose() {
		return
	}

	_ = s.epoll.Remove(c.Conn)
	s.conns.Remove(c.ID)

	c.channel.OnDisconnect(c)
	c.markClosed()

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.Username, s.conns.Count())
}

// sendError writes a structured error frame to the connection. Used for
// connect-time rejections before the connection joins the event loop.
func (s *Server) sendError(c *Connection, msg string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Error: msg})
	if err != nil {
		return
	}
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, runs the disconnect path for all
// active connections (so rooms and presence are left cleanly), and cleans up
// the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	var wg sync.WaitGroup
	for _, c := range s.conns.All() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			s.RemoveConnection(c)
		}(c)
	}
	wg.Wait()

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
