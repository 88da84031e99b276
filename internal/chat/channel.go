// Package chat implements the group-chat protocol layered on the connection
// server, the room registry, and the durable message store. Messages are
// persisted before they are fanned out, so anything a client renders from a
// chat_message frame is already durable history.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/parley/chat-server/internal/messaging"
	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/protocol"
	"github.com/parley/chat-server/internal/ratelimit"
	"github.com/parley/chat-server/internal/room"
	"github.com/parley/chat-server/internal/store"
	"github.com/parley/chat-server/internal/ws"
)

// opTimeout bounds each store call issued from a message handler.
const opTimeout = 5 * time.Second

// MessageStore is the durable persistence surface the chat channel consumes.
// *store.Store satisfies it; tests substitute a fake.
type MessageStore interface {
	UserByName(ctx context.Context, username string) (int64, error)
	GetOrCreateRoom(ctx context.Context, name, kind string, creatorID int64) (int64, error)
	AppendMessage(ctx context.Context, roomID, userID int64, content string, system bool, ts time.Time) error
}

// Presence records online state; nil disables presence bookkeeping.
type Presence interface {
	Connect(ctx context.Context, connID, username, roomID string) error
	Disconnect(ctx context.Context, connID, username, roomID string) error
}

// Limiter throttles message sends; nil disables rate limiting.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Channel is the ws.Channel implementation for /ws/chat/{room}.
type Channel struct {
	reg      *room.Registry
	fanout   messaging.Fanout
	store    MessageStore
	presence Presence
	limiter  Limiter

	dispatcher *ws.MessageDispatcher
}

// NewChannel wires the chat channel. presence and limiter may be nil.
func NewChannel(reg *room.Registry, fanout messaging.Fanout, st MessageStore, presence Presence, limiter Limiter) *Channel {
	c := &Channel{
		reg:      reg,
		fanout:   fanout,
		store:    st,
		presence: presence,
		limiter:  limiter,
	}

	d := ws.NewMessageDispatcher()
	d.Register(protocol.TypeChatSend, c.handleChatSend)
	d.Register(protocol.TypeTypingStarted, c.handleTyping)
	d.Register(protocol.TypeTypingStopped, c.handleTyping)
	c.dispatcher = d

	return c
}

// Name identifies the channel in logs.
func (c *Channel) Name() string { return "chat" }

// OnConnect joins the connection to its room before the server declares it
// open: the registry membership, the fan-out subscription, and presence are
// all in place before the first inbound frame is dispatched. A user_joined
// notice goes to the other members and is recorded as a system message when
// the joining user is known to the store.
func (c *Channel) OnConnect(conn *ws.Connection, target string) error {
	if c.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		allowed, _ := c.limiter.Allow(ctx, conn.Username, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			return errors.New("too many connection attempts, slow down")
		}
	}

	conn.Room = target
	roomID := room.ChatKey(target)

	c.reg.Join(roomID, conn)
	c.fanout.Joined(roomID)

	if c.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.presence.Connect(ctx, conn.ID, conn.Username, target); err != nil {
			log.Printf("chat: presence connect conn=%s: %v", conn.ID, err)
		}
	}

	c.announceMembership(conn, protocol.TypeUserJoined, fmt.Sprintf("%s joined the chat", conn.Username))
	return nil
}

// OnMessage routes one inbound frame through the dispatcher. Malformed
// frames are answered with an error frame and the connection stays open.
func (c *Channel) OnMessage(conn *ws.Connection, data []byte) {
	c.dispatcher.Dispatch(conn, data)
}

// OnDisconnect unsubscribes the connection from every room it is in and
// announces the departure to the remaining members. LeaveAll rather than a
// single Leave: after it returns no broadcast can target the connection,
// whatever it was subscribed to.
func (c *Channel) OnDisconnect(conn *ws.Connection) {
	for _, roomID := range c.reg.LeaveAll(conn.Key()) {
		c.fanout.Left(roomID)
	}

	if c.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.presence.Disconnect(ctx, conn.ID, conn.Username, conn.Room); err != nil {
			log.Printf("chat: presence disconnect conn=%s: %v", conn.ID, err)
		}
	}

	c.announceMembership(conn, protocol.TypeUserLeft, fmt.Sprintf("%s left the chat", conn.Username))
}

// handleChatSend validates, persists, and fans out one chat message. The
// order is fixed: nothing is broadcast unless the append succeeded, and no
// store call runs under the registry lock. Every failure is reported to the
// sender only; the rest of the room observes nothing.
func (c *Channel) handleChatSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatSendMsg)
	if !ok {
		return
	}
	start := time.Now()

	roomName := m.RoomName
	if roomName == "" {
		roomName = conn.Room
	}
	if m.Username == "" {
		c.sendError(conn, "missing username")
		return
	}
	if err := ValidateMessage(m.Message); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendError(conn, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if c.limiter != nil {
		if allowed, _ := c.limiter.Allow(ctx, conn.ID, ratelimit.RuleMessage); !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			c.sendError(conn, "rate limit exceeded, slow down")
			return
		}
	}

	userID, err := c.store.UserByName(ctx, m.Username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.sendError(conn, fmt.Sprintf("user %q does not exist", m.Username))
		} else {
			log.Printf("chat: user lookup conn=%s user=%s: %v", conn.ID, m.Username, err)
			c.sendError(conn, "message could not be saved")
		}
		return
	}

	// Reconciles races where the room was deleted or never existed: the row
	// is re-created attributed to the sender.
	dbRoomID, err := c.store.GetOrCreateRoom(ctx, roomName, store.KindGroup, userID)
	if err != nil {
		log.Printf("chat: room resolve conn=%s room=%s: %v", conn.ID, roomName, err)
		c.sendError(conn, "message could not be saved")
		return
	}

	if err := c.store.AppendMessage(ctx, dbRoomID, userID, m.Message, false, time.Now()); err != nil {
		log.Printf("chat: append conn=%s room=%s: %v", conn.ID, roomName, err)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		c.sendError(conn, "message could not be saved")
		return
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ChatMessageMsg{
		Message:  m.Message,
		Username: m.Username,
		RoomName: roomName,
	})
	if err != nil {
		log.Printf("chat: build chat_message conn=%s: %v", conn.ID, err)
		c.sendError(conn, "message could not be delivered")
		return
	}

	// The sender is included: clients render from the confirmed frame rather
	// than echoing locally, so their view matches the durable history.
	if err := c.fanout.Publish(room.ChatKey(roomName), messaging.Event{Frame: frame}); err != nil {
		log.Printf("chat: publish conn=%s room=%s: %v", conn.ID, roomName, err)
		c.sendError(conn, "message saved but could not be delivered")
		return
	}
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
}

// handleTyping relays a typing indicator to the other members of the
// connection's room. Nothing is persisted.
func (c *Channel) handleTyping(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}

	username := m.Username
	if username == "" {
		username = conn.Username
	}

	frame, err := protocol.NewServerMessage(m.Type, protocol.ServerTypingMsg{
		Username: username,
	})
	if err != nil {
		log.Printf("chat: build %s conn=%s: %v", m.Type, conn.ID, err)
		return
	}

	if err := c.fanout.Publish(room.ChatKey(conn.Room), messaging.Event{
		Frame:   frame,
		Exclude: conn.Key(),
	}); err != nil {
		log.Printf("chat: relay %s conn=%s: %v", m.Type, conn.ID, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
}

// announceMembership records a user_joined/user_left notice as a system
// message and then broadcasts it to the other members, in that order: like
// chat messages, a notice a member renders is already durable history. The
// notice is best effort, a store failure here is logged and never blocks the
// connection lifecycle; unknown users can still lurk in rooms, their
// notices are broadcast without leaving a durable trace.
func (c *Channel) announceMembership(conn *ws.Connection, event, text string) {
	now := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	userID, err := c.store.UserByName(ctx, conn.Username)
	switch {
	case err == nil:
		dbRoomID, err := c.store.GetOrCreateRoom(ctx, conn.Room, store.KindGroup, userID)
		if err != nil {
			log.Printf("chat: membership room resolve conn=%s: %v", conn.ID, err)
			return
		}
		if err := c.store.AppendMessage(ctx, dbRoomID, userID, text, true, now); err != nil {
			log.Printf("chat: membership append conn=%s: %v", conn.ID, err)
			return
		}
	case errors.Is(err, store.ErrUserNotFound):
		// Lurker: broadcast only.
	default:
		log.Printf("chat: membership lookup conn=%s: %v", conn.ID, err)
		return
	}

	frame, err := protocol.NewServerMessage(event, protocol.MembershipMsg{
		Username:  conn.Username,
		Message:   text,
		Timestamp: now.Unix(),
	})
	if err != nil {
		log.Printf("chat: build %s conn=%s: %v", event, conn.ID, err)
		return
	}

	if err := c.fanout.Publish(room.ChatKey(conn.Room), messaging.Event{
		Frame:   frame,
		Exclude: conn.Key(),
	}); err != nil {
		log.Printf("chat: publish %s conn=%s: %v", event, conn.ID, err)
	}
}

// sendError reports a per-message failure to the connection that caused it.
func (c *Channel) sendError(conn *ws.Connection, msg string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Error: msg})
	if err != nil {
		log.Printf("chat: build error frame conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("chat: send error frame conn=%s: %v", conn.ID, err)
	}
}
