package signal

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-server/internal/messaging"
	"github.com/parley/chat-server/internal/room"
	"github.com/parley/chat-server/internal/ws"
)

// newTestConn returns a Connection whose peer side is drained into the
// returned channel.
func newTestConn(t *testing.T, id, username string) (*ws.Connection, chan []byte) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan []byte, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	return &ws.Connection{
		ID:       id,
		Username: username,
		Conn:     server,
	}, frames
}

func newTestChannel() (*Channel, *room.Registry) {
	reg := room.NewRegistry(nil)
	return NewChannel(reg, messaging.NewLocalBus(reg)), reg
}

func recv(t *testing.T, frames chan []byte) []byte {
	t.Helper()
	select {
	case data := <-frames:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
		return nil
	}
}

func expectSilence(t *testing.T, frames chan []byte) {
	t.Helper()
	select {
	case data := <-frames:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPairLandsInSameRoomRegardlessOfDialOrder(t *testing.T) {
	ch, reg := newTestChannel()

	caller, _ := newTestConn(t, "conn-a", "alice")
	callee, _ := newTestConn(t, "conn-b", "bob")

	// Alice dials bob; bob dials alice.
	if err := ch.OnConnect(caller, "bob"); err != nil {
		t.Fatalf("caller OnConnect: %v", err)
	}
	if err := ch.OnConnect(callee, "alice"); err != nil {
		t.Fatalf("callee OnConnect: %v", err)
	}

	if caller.Room != callee.Room {
		t.Fatalf("pair split across rooms: %q vs %q", caller.Room, callee.Room)
	}
	if reg.Members(caller.Room) != 2 {
		t.Errorf("room members = %d, want 2", reg.Members(caller.Room))
	}
}

func TestRelayIsVerbatimAndExcludesSender(t *testing.T) {
	ch, _ := newTestChannel()

	caller, callerFrames := newTestConn(t, "conn-a", "alice")
	callee, calleeFrames := newTestConn(t, "conn-b", "bob")

	if err := ch.OnConnect(caller, "bob"); err != nil {
		t.Fatalf("caller OnConnect: %v", err)
	}
	if err := ch.OnConnect(callee, "alice"); err != nil {
		t.Fatalf("callee OnConnect: %v", err)
	}

	// The payload is opaque to the relay; it need not even be JSON.
	payload := []byte(`candidate:842163049 1 udp 1677729535`)
	ch.OnMessage(caller, payload)

	got := recv(t, calleeFrames)
	if string(got) != string(payload) {
		t.Errorf("payload altered in transit: %q", got)
	}
	expectSilence(t, callerFrames)
}

func TestThirdJoinerRejected(t *testing.T) {
	ch, _ := newTestChannel()

	caller, _ := newTestConn(t, "conn-a", "alice")
	callee, _ := newTestConn(t, "conn-b", "bob")
	intruder, _ := newTestConn(t, "conn-c", "alice")

	if err := ch.OnConnect(caller, "bob"); err != nil {
		t.Fatalf("caller OnConnect: %v", err)
	}
	if err := ch.OnConnect(callee, "alice"); err != nil {
		t.Fatalf("callee OnConnect: %v", err)
	}

	err := ch.OnConnect(intruder, "bob")
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third joiner got %v, want ErrRoomFull", err)
	}
}

func TestConcurrentJoinersNeverOverfillPair(t *testing.T) {
	// Upgrades are served on independent goroutines, so several connections
	// can race for the same pair room. Exactly two may win.
	for round := 0; round < 200; round++ {
		ch, reg := newTestChannel()

		const dialers = 4
		conns := make([]*ws.Connection, dialers)
		for i := 0; i < dialers; i++ {
			// Half claim each identity, all land on the same pair key.
			username := "alice"
			if i%2 == 1 {
				username = "bob"
			}
			conns[i], _ = newTestConn(t, fmt.Sprintf("conn-%d", i), username)
		}

		start := make(chan struct{})
		errs := make(chan error, dialers)
		var wg sync.WaitGroup
		for i, conn := range conns {
			target := "bob"
			if i%2 == 1 {
				target = "alice"
			}
			wg.Add(1)
			go func(conn *ws.Connection, target string) {
				defer wg.Done()
				<-start
				errs <- ch.OnConnect(conn, target)
			}(conn, target)
		}
		close(start)
		wg.Wait()
		close(errs)

		var admitted, rejected int
		for err := range errs {
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrRoomFull):
				rejected++
			default:
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if admitted != 2 || rejected != dialers-2 {
			t.Fatalf("round %d: admitted=%d rejected=%d, want 2/%d",
				round, admitted, rejected, dialers-2)
		}
		if got := reg.Members(room.PairKey("alice", "bob")); got != 2 {
			t.Fatalf("round %d: room members = %d, want 2", round, got)
		}
	}
}

func TestSelfPairingRejected(t *testing.T) {
	ch, _ := newTestChannel()

	conn, _ := newTestConn(t, "conn-a", "alice")
	if err := ch.OnConnect(conn, "alice"); !errors.Is(err, ErrSelfPairing) {
		t.Fatalf("self pairing got %v, want ErrSelfPairing", err)
	}
}

func TestDisconnectFreesSlotForReconnect(t *testing.T) {
	ch, reg := newTestChannel()

	caller, _ := newTestConn(t, "conn-a", "alice")
	callee, _ := newTestConn(t, "conn-b", "bob")

	if err := ch.OnConnect(caller, "bob"); err != nil {
		t.Fatalf("caller OnConnect: %v", err)
	}
	if err := ch.OnConnect(callee, "alice"); err != nil {
		t.Fatalf("callee OnConnect: %v", err)
	}

	ch.OnDisconnect(caller)
	if reg.Members(callee.Room) != 1 {
		t.Fatalf("room members = %d after disconnect, want 1", reg.Members(callee.Room))
	}

	// The caller can dial back in.
	again, _ := newTestConn(t, "conn-a2", "alice")
	if err := ch.OnConnect(again, "bob"); err != nil {
		t.Fatalf("reconnect rejected: %v", err)
	}
	if reg.Members(again.Room) != 2 {
		t.Errorf("room members = %d after reconnect, want 2", reg.Members(again.Room))
	}
}

func TestRelayIsPairScoped(t *testing.T) {
	ch, _ := newTestChannel()

	caller, _ := newTestConn(t, "conn-a", "alice")
	callee, _ := newTestConn(t, "conn-b", "bob")
	other, otherFrames := newTestConn(t, "conn-c", "carol")
	otherPeer, _ := newTestConn(t, "conn-d", "dave")

	for _, c := range []struct {
		conn   *ws.Connection
		target string
	}{
		{caller, "bob"}, {callee, "alice"}, {other, "dave"}, {otherPeer, "carol"},
	} {
		if err := ch.OnConnect(c.conn, c.target); err != nil {
			t.Fatalf("OnConnect %s: %v", c.conn.Username, err)
		}
	}

	ch.OnMessage(caller, []byte(`{"type":"offer"}`))
	expectSilence(t, otherFrames)
}
