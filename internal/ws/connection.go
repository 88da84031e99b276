package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ConnState is the lifecycle state of a Connection. Transitions only move
// forward: Connecting -> Open -> Closing -> Closed.
type ConnState int32

const (
	// StateConnecting covers the window between the WebSocket handshake and
	// the completion of room registration. No inbound frames are dispatched
	// in this state, so nothing can be routed to a room the connection has
	// not yet joined.
	StateConnecting ConnState = iota

	// StateOpen means the connection is registered and serving traffic.
	StateOpen

	// StateClosing means a close was initiated (client close frame, transport
	// failure, or heartbeat timeout) and room unsubscription is in progress.
	StateClosing

	// StateClosed is terminal: the connection has left every room and its
	// socket is released.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection represents a single WebSocket client connection: its socket,
// the identity asserted at connect time, and a write mutex serializing
// outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Username  string    // identity asserted via the connect URL
	Room      string    // registry room joined at connect time
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	channel    Channel    // protocol behavior bound at upgrade time
	state      int32      // atomic ConnState
	lastPing   int64      // atomic unix nanos of the last client activity
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// MarkAlive records client activity for the heartbeat monitor. Written by
// read workers, read by the heartbeat goroutine.
func (c *Connection) MarkAlive() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastPing returns the time of the most recent client activity.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// Key returns the connection's stable identifier. Together with Send it
// satisfies the room registry's Member interface.
func (c *Connection) Key() string { return c.ID }

// Send writes a WebSocket text frame to this connection. It is the send
// primitive the room registry drives during a broadcast; on transport error
// the caller must not retry, the registry routes the connection into its
// disconnect path instead.
func (c *Connection) Send(data []byte) error {
	return c.WriteMessage(data)
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// markOpen transitions Connecting -> Open once room registration completed.
func (c *Connection) markOpen() {
	atomic.CompareAndSwapInt32(&c.state, int32(StateConnecting), int32(StateOpen))
}

// beginClose transitions into Closing and reports whether this caller won the
// race. Exactly one goroutine gets true, so cleanup runs once even when a
// read error and a heartbeat timeout race to remove the same connection.
func (c *Connection) beginClose() bool {
	for {
		s := atomic.LoadInt32(&c.state)
		if s == int32(StateClosing) || s == int32(StateClosed) {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, s, int32(StateClosing)) {
			return true
		}
	}
}

// markClosed transitions Closing -> Closed after room unsubscription.
func (c *Connection) markClosed() {
	atomic.StoreInt32(&c.state, int32(StateClosed))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection ID -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
