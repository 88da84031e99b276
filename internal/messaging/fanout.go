// Package messaging provides the room fan-out path. Channels publish events
// here; delivery lands on the room registry's broadcast. Two implementations
// exist: LocalBus delivers directly within the process, and Bridge routes
// events through NATS so multiple server instances (or non-connection
// producers) share the same fan-out.
package messaging

import (
	"encoding/json"

	"github.com/parley/chat-server/internal/room"
)

// Event is one room-scoped fan-out event. Frame is the fully encoded client
// frame to deliver; Exclude, when set, names the member key (connection ID)
// that must not receive it — used so typing indicators and membership
// notices do not echo to their originator.
type Event struct {
	Frame   []byte `json:"frame"`
	Exclude string `json:"exclude,omitempty"`
}

// Fanout is the publish side of room delivery. Joined and Left track local
// room membership so the NATS bridge can manage its per-room subscriptions;
// LocalBus ignores them.
type Fanout interface {
	Joined(roomID string)
	Left(roomID string)
	Publish(roomID string, ev Event) error
	Close()
}

// LocalBus is the single-instance Fanout: events go straight to the local
// registry.
type LocalBus struct {
	reg *room.Registry
}

// NewLocalBus creates a Fanout that broadcasts directly on the registry.
func NewLocalBus(reg *room.Registry) *LocalBus {
	return &LocalBus{reg: reg}
}

// Joined is a no-op: the local registry already knows its members.
func (b *LocalBus) Joined(roomID string) {}

// Left is a no-op.
func (b *LocalBus) Left(roomID string) {}

// Publish broadcasts the event frame to the room.
func (b *LocalBus) Publish(roomID string, ev Event) error {
	b.reg.Broadcast(roomID, ev.Frame, ev.Exclude)
	return nil
}

// Close is a no-op.
func (b *LocalBus) Close() {}

// encodeEvent marshals an Event for the wire. Frame bytes are base64-encoded
// by encoding/json, so arbitrary payloads (including invalid JSON relayed by
// the signaling channel) survive the trip.
func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
