// Package signal implements the pairwise call-negotiation relay for
// /ws/call/{peer}. Both peers derive the same room key regardless of who
// dials whom, and every inbound payload is forwarded to the other party
// verbatim: the relay never inspects, validates, or persists what it
// carries.
package signal

import (
	"errors"
	"log"

	"github.com/parley/chat-server/internal/messaging"
	"github.com/parley/chat-server/internal/metrics"
	"github.com/parley/chat-server/internal/room"
	"github.com/parley/chat-server/internal/ws"
)

// ErrRoomFull is returned when a third connection tries to join a pairwise
// room. A signaling room holds exactly two parties; anything else is misuse.
var ErrRoomFull = errors.New("signal: call already has two participants")

// ErrSelfPairing is returned when a connection names itself as the
// counterparty.
var ErrSelfPairing = errors.New("signal: cannot open a call with yourself")

// Channel is the ws.Channel implementation for the signaling route.
type Channel struct {
	reg    *room.Registry
	fanout messaging.Fanout
}

// NewChannel wires the signaling channel.
func NewChannel(reg *room.Registry, fanout messaging.Fanout) *Channel {
	return &Channel{reg: reg, fanout: fanout}
}

// Name identifies the channel in logs.
func (c *Channel) Name() string { return "signal" }

// OnConnect derives the pairwise room key from the two participant
// identities and joins it. The capacity check and the join are a single
// registry operation, so two upgrades racing for the second slot cannot both
// land: a well-formed room never relays beyond its two parties.
func (c *Channel) OnConnect(conn *ws.Connection, target string) error {
	if target == conn.Username {
		return ErrSelfPairing
	}

	key := room.PairKey(conn.Username, target)
	if err := c.reg.JoinWithLimit(key, conn, 2); err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			return ErrRoomFull
		}
		return err
	}

	conn.Room = key
	c.fanout.Joined(key)
	return nil
}

// OnMessage forwards the raw inbound payload to the other party. The payload
// is opaque — offers, answers, and ICE candidates all take the same path.
func (c *Channel) OnMessage(conn *ws.Connection, data []byte) {
	if err := c.fanout.Publish(conn.Room, messaging.Event{
		Frame:   data,
		Exclude: conn.Key(),
	}); err != nil {
		log.Printf("signal: relay conn=%s room=%s: %v", conn.ID, conn.Room, err)
		return
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
}

// OnDisconnect frees the connection's slot in the pairwise room.
func (c *Channel) OnDisconnect(conn *ws.Connection) {
	for _, roomID := range c.reg.LeaveAll(conn.Key()) {
		c.fanout.Left(roomID)
	}
}
