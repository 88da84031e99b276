// Package client provides a reusable WebSocket load test client for the
// Parley chat server. It connects using gobwas/ws (the same library the
// server uses), identifies itself via the username query parameter, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeChatSend      = "chat_send"
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeChatMessage = "chat_message"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to a chat room. It
// manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	username  string
	room      string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// ChatURL builds the room connect URL for a given base (e.g.
// ws://localhost:8080), room, and username.
func ChatURL(base, roomName, username string) string {
	return fmt.Sprintf("%s/ws/chat/%s?username=%s",
		base, url.PathEscape(roomName), url.QueryEscape(username))
}

// CallURL builds the signaling connect URL toward a peer.
func CallURL(base, peer, username string) string {
	return fmt.Sprintf("%s/ws/call/%s?username=%s",
		base, url.PathEscape(peer), url.QueryEscape(username))
}

// New creates a load test client connected to the given room as the given
// user. The connection is established immediately and a background goroutine
// begins reading messages. The server considers the client a room member as
// soon as the upgrade completes; there is no further handshake.
func New(ctx context.Context, base, roomName, username string) (*Client, error) {
	c, err := Dial(ctx, ChatURL(base, roomName, username))
	if err != nil {
		return nil, err
	}
	c.username = username
	c.room = roomName
	return c, nil
}

// Dial connects to an arbitrary WebSocket URL (used for signaling routes).
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendChat sends a chat message in the bare legacy frame shape the server
// accepts (no type field means chat_send).
func (c *Client) SendChat(text string) error {
	return c.Send(map[string]string{
		"message":  text,
		"username": c.username,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Username returns the username this client connected as.
func (c *Client) Username() string {
	return c.username
}

// Room returns the room this client connected to.
func (c *Client) Room() string {
	return c.room
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		// Track time of first message for FirstMsgLatency.
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
