package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parley/chat-server/internal/room"
)

// SubjectRoomPrefix is the NATS subject namespace for room events. An event
// published to room.<roomID> reaches every server instance with a member in
// that room; it is also the entry point for non-connection producers (a
// notification service, an admin tool) to inject events into the fan-out
// path.
const SubjectRoomPrefix = "room."

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bridge is the multi-instance Fanout. Publishes go out on room.<roomID>;
// one NATS subscription per room with local members feeds received events
// into the local registry broadcast. Because delivery always takes the NATS
// round trip, every instance — including the publisher's own — fans out from
// the same stream and ordering per publisher is preserved.
type Bridge struct {
	conn *nats.Conn
	reg  *room.Registry

	mu     sync.Mutex
	subs   map[string]*nats.Subscription // roomID -> subscription
	counts map[string]int                // roomID -> local member count
}

// NewBridge connects to NATS with the given config and returns a ready
// Bridge. It returns an error if the initial connection fails.
func NewBridge(config NATSConfig, reg *room.Registry) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bridge{
		conn:   nc,
		reg:    reg,
		subs:   make(map[string]*nats.Subscription),
		counts: make(map[string]int),
	}, nil
}

// Joined records a local member joining roomID, subscribing to the room's
// subject on the first local member.
func (b *Bridge) Joined(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[roomID]++
	if b.counts[roomID] > 1 {
		return
	}

	subject := SubjectRoomPrefix + roomID
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad event on %s: %v", msg.Subject, err)
			return
		}
		b.reg.Broadcast(roomID, ev.Frame, ev.Exclude)
	})
	if err != nil {
		log.Printf("[nats] subscribe %s failed: %v", subject, err)
		return
	}
	b.subs[roomID] = sub
}

// Left records a local member leaving roomID, dropping the room subscription
// when the last local member is gone.
func (b *Bridge) Left(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.counts[roomID] == 0 {
		return
	}
	b.counts[roomID]--
	if b.counts[roomID] > 0 {
		return
	}
	delete(b.counts, roomID)

	if sub, ok := b.subs[roomID]; ok {
		delete(b.subs, roomID)
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe room %s: %v", roomID, err)
		}
	}
}

// Publish sends the event to the room's subject. Local delivery happens when
// the subscription for the room receives it back.
func (b *Bridge) Publish(roomID string, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("nats: encode event: %w", err)
	}
	if err := b.conn.Publish(SubjectRoomPrefix+roomID, data); err != nil {
		return fmt.Errorf("nats: publish room %s: %w", roomID, err)
	}
	return nil
}

// Close drains all room subscriptions and the NATS connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for roomID, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain room %s: %v", roomID, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.counts = make(map[string]int)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bridge closed")
}
