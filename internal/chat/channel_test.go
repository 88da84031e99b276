package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-server/internal/messaging"
	"github.com/parley/chat-server/internal/ratelimit"
	"github.com/parley/chat-server/internal/room"
	"github.com/parley/chat-server/internal/store"
	"github.com/parley/chat-server/internal/ws"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type appendCall struct {
	roomID  int64
	userID  int64
	content string
	system  bool
}

// fakeStore is an in-memory MessageStore.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]int64 // username -> id
	rooms      map[string]int64 // name -> id
	creators   map[string]int64 // room name -> creator user id
	appended   []appendCall
	failAppend error
	nextRoomID int64
}

func newFakeStore(users ...string) *fakeStore {
	s := &fakeStore{
		users:    make(map[string]int64),
		rooms:    make(map[string]int64),
		creators: make(map[string]int64),
	}
	for i, u := range users {
		s.users[u] = int64(i + 1)
	}
	return s
}

func (s *fakeStore) UserByName(_ context.Context, username string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.users[username]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	return id, nil
}

func (s *fakeStore) GetOrCreateRoom(_ context.Context, name, _ string, creatorID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.rooms[name]; ok {
		return id, nil
	}
	s.nextRoomID++
	s.rooms[name] = s.nextRoomID
	s.creators[name] = creatorID
	return s.nextRoomID, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, roomID, userID int64, content string, system bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	s.appended = append(s.appended, appendCall{roomID: roomID, userID: userID, content: content, system: system})
	return nil
}

func (s *fakeStore) appendedCalls() []appendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]appendCall, len(s.appended))
	copy(out, s.appended)
	return out
}

type published struct {
	roomID string
	ev     messaging.Event
	// rows the store held at publish time, for ordering assertions
	rowsAtPublish int
}

// captureFanout records Publish calls instead of delivering them.
type captureFanout struct {
	mu     sync.Mutex
	store  *fakeStore
	events []published
	joined []string
	left   []string
}

func (f *captureFanout) Joined(roomID string) {
	f.mu.Lock()
	f.joined = append(f.joined, roomID)
	f.mu.Unlock()
}

func (f *captureFanout) Left(roomID string) {
	f.mu.Lock()
	f.left = append(f.left, roomID)
	f.mu.Unlock()
}

func (f *captureFanout) Publish(roomID string, ev messaging.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := 0
	if f.store != nil {
		rows = len(f.store.appendedCalls())
	}
	f.events = append(f.events, published{roomID: roomID, ev: ev, rowsAtPublish: rows})
	return nil
}

func (f *captureFanout) Close() {}

func (f *captureFanout) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.events))
	copy(out, f.events)
	return out
}

// ofType filters captured events down to frames with the given type field.
func (f *captureFanout) ofType(t string) []published {
	var out []published
	for _, p := range f.all() {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(p.ev.Frame, &env) == nil && env.Type == t {
			out = append(out, p)
		}
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) Allow(_ context.Context, _ string, _ ratelimit.Rule) (bool, error) {
	return false, nil
}

// ---------------------------------------------------------------------------
// Connection helper
// ---------------------------------------------------------------------------

// newTestConn returns a Connection whose peer side is drained by a background
// reader pushing every received text frame onto the returned channel.
func newTestConn(t *testing.T, id, username, roomName string) (*ws.Connection, chan []byte) {
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
		ID:        id,
		Username:  username,
		Room:      roomName,
		Conn:      server,
		CreatedAt: time.Now(),
	}, frames
}

// awaitFrame reads frames until one with the wanted type arrives.
func awaitFrame(t *testing.T, frames chan []byte, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-frames:
			var m map[string]interface{}
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("bad frame %q: %v", data, err)
			}
			if m["type"] == wantType {
				return m
			}
		case <-deadline:
			t.Fatalf("no %q frame within 2s", wantType)
		}
	}
}

// expectNoFrame asserts nothing of the given type arrives within the window.
func expectNoFrame(t *testing.T, frames chan []byte, badType string) {
	t.Helper()
	timeout := time.After(200 * time.Millisecond)
	for {
		select {
		case data := <-frames:
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil && m["type"] == badType {
				t.Fatalf("unexpected %q frame: %s", badType, data)
			}
		case <-timeout:
			return
		}
	}
}

func newTestChannel(st *fakeStore) (*Channel, *captureFanout) {
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	return NewChannel(reg, fan, st, nil, nil), fan
}

// ---------------------------------------------------------------------------
// chat_send
// ---------------------------------------------------------------------------

func TestChatSendPersistsThenBroadcasts(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"message":"hi there","username":"alice"}`))

	rows := st.appendedCalls()
	if len(rows) != 1 {
		t.Fatalf("expected 1 appended row, got %d", len(rows))
	}
	if rows[0].content != "hi there" || rows[0].system {
		t.Errorf("unexpected row: %+v", rows[0])
	}
	if got := st.creators["general"]; got != 1 {
		t.Errorf("room creator = %d, want alice (1)", got)
	}

	msgs := fan.ofType("chat_message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 chat_message publish, got %d", len(msgs))
	}
	p := msgs[0]
	if p.roomID != room.ChatKey("general") {
		t.Errorf("published to %q, want %q", p.roomID, room.ChatKey("general"))
	}
	if p.ev.Exclude != "" {
		t.Errorf("chat_message must include the sender, got exclude=%q", p.ev.Exclude)
	}
	if p.rowsAtPublish != 1 {
		t.Error("message was published before it was persisted")
	}

	var frame struct {
		Message  string `json:"message"`
		Username string `json:"username"`
		RoomName string `json:"room_name"`
	}
	if err := json.Unmarshal(p.ev.Frame, &frame); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if frame.Message != "hi there" || frame.Username != "alice" || frame.RoomName != "general" {
		t.Errorf("unexpected frame: %+v", frame)
	}
}

func TestChatSendExplicitRoomOverridesConnect(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"message":"elsewhere","username":"alice","room_name":"random"}`))

	msgs := fan.ofType("chat_message")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(msgs))
	}
	if msgs[0].roomID != room.ChatKey("random") {
		t.Errorf("published to %q, want %q", msgs[0].roomID, room.ChatKey("random"))
	}
	if _, ok := st.rooms["random"]; !ok {
		t.Error("room_name target was not resolved in the store")
	}
}

func TestChatSendUnknownUser(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, frames := newTestConn(t, "conn-1", "ghost", "general")

	ch.OnMessage(conn, []byte(`{"message":"boo","username":"ghost"}`))

	m := awaitFrame(t, frames, "error")
	if !strings.Contains(m["error"].(string), `"ghost" does not exist`) {
		t.Errorf("unexpected error text: %v", m["error"])
	}
	expectNoFrame(t, frames, "error") // exactly one

	if len(st.appendedCalls()) != 0 {
		t.Error("message from unknown user was persisted")
	}
	if got := fan.ofType("chat_message"); len(got) != 0 {
		t.Error("message from unknown user was broadcast")
	}
}

func TestChatSendPersistFailure(t *testing.T) {
	st := newFakeStore("alice")
	st.failAppend = errors.New("disk full")
	ch, fan := newTestChannel(st)
	conn, frames := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"message":"lost","username":"alice"}`))

	m := awaitFrame(t, frames, "error")
	if m["error"] != "message could not be saved" {
		t.Errorf("unexpected error text: %v", m["error"])
	}
	if got := fan.ofType("chat_message"); len(got) != 0 {
		t.Error("unpersisted message was broadcast")
	}
}

func TestChatSendMissingUsername(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, frames := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"message":"anonymous"}`))

	awaitFrame(t, frames, "error")
	if len(fan.all()) != 0 {
		t.Error("frame without username was published")
	}
}

func TestChatSendOversizedRejected(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, frames := newTestConn(t, "conn-1", "alice", "general")

	big := strings.Repeat("x", MaxTextChars+1)
	ch.OnMessage(conn, []byte(`{"message":"`+big+`","username":"alice"}`))

	awaitFrame(t, frames, "error")
	if len(st.appendedCalls()) != 0 {
		t.Error("oversized message was persisted")
	}
	if len(fan.all()) != 0 {
		t.Error("oversized message was published")
	}
}

func TestChatSendRateLimited(t *testing.T) {
	st := newFakeStore("alice")
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	ch := NewChannel(reg, fan, st, nil, denyLimiter{})
	conn, frames := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"message":"spam","username":"alice"}`))

	m := awaitFrame(t, frames, "error")
	if !strings.Contains(m["error"].(string), "rate limit") {
		t.Errorf("unexpected error text: %v", m["error"])
	}
	if len(st.appendedCalls()) != 0 {
		t.Error("rate-limited message was persisted")
	}
}

func TestMalformedFrameAnswersError(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, frames := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{not json`))

	awaitFrame(t, frames, "error")
	if len(fan.all()) != 0 {
		t.Error("malformed frame reached the fan-out")
	}
}

// ---------------------------------------------------------------------------
// typing
// ---------------------------------------------------------------------------

func TestTypingRelayExcludesSender(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"type":"typing_started","username":"alice"}`))

	evs := fan.ofType("typing_started")
	if len(evs) != 1 {
		t.Fatalf("expected 1 typing publish, got %d", len(evs))
	}
	if evs[0].ev.Exclude != "conn-1" {
		t.Errorf("typing exclude = %q, want sender conn-1", evs[0].ev.Exclude)
	}
	if len(st.appendedCalls()) != 0 {
		t.Error("typing indicator was persisted")
	}
}

func TestTypingStoppedKeepsType(t *testing.T) {
	st := newFakeStore("alice")
	ch, fan := newTestChannel(st)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	ch.OnMessage(conn, []byte(`{"type":"typing_stopped","username":"alice"}`))

	if got := fan.ofType("typing_stopped"); len(got) != 1 {
		t.Fatalf("expected typing_stopped publish, got %+v", fan.all())
	}
}

// ---------------------------------------------------------------------------
// lifecycle
// ---------------------------------------------------------------------------

func TestOnConnectJoinsRoomAndAnnounces(t *testing.T) {
	st := newFakeStore("alice")
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	ch := NewChannel(reg, fan, st, nil, nil)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	if err := ch.OnConnect(conn, "general"); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	key := room.ChatKey("general")
	if reg.Members(key) != 1 {
		t.Errorf("registry members = %d, want 1", reg.Members(key))
	}
	if len(fan.joined) != 1 || fan.joined[0] != key {
		t.Errorf("fanout.Joined = %v, want [%s]", fan.joined, key)
	}

	notices := fan.ofType("user_joined")
	if len(notices) != 1 {
		t.Fatalf("expected 1 user_joined publish, got %d", len(notices))
	}
	if notices[0].ev.Exclude != "conn-1" {
		t.Errorf("join notice exclude = %q, want the joiner", notices[0].ev.Exclude)
	}

	rows := st.appendedCalls()
	if len(rows) != 1 || !rows[0].system {
		t.Fatalf("expected 1 system row for the join notice, got %+v", rows)
	}
	if notices[0].rowsAtPublish != 1 {
		t.Errorf("join notice published before its system row was appended (rows at publish = %d)",
			notices[0].rowsAtPublish)
	}
}

func TestMembershipPersistFailureSuppressesNotice(t *testing.T) {
	st := newFakeStore("alice")
	st.failAppend = errors.New("disk full")
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	ch := NewChannel(reg, fan, st, nil, nil)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	if err := ch.OnConnect(conn, "general"); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	// The connection still joins, but nobody sees a notice that is not in
	// the durable history.
	if got := reg.Members(room.ChatKey("general")); got != 1 {
		t.Errorf("registry members = %d, want 1", got)
	}
	if notices := fan.ofType("user_joined"); len(notices) != 0 {
		t.Errorf("expected no user_joined publish after append failure, got %d", len(notices))
	}
}

func TestOnDisconnectLeavesRoomAndAnnounces(t *testing.T) {
	st := newFakeStore("alice")
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	ch := NewChannel(reg, fan, st, nil, nil)
	conn, _ := newTestConn(t, "conn-1", "alice", "general")

	if err := ch.OnConnect(conn, "general"); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	ch.OnDisconnect(conn)

	key := room.ChatKey("general")
	if reg.Members(key) != 0 {
		t.Errorf("registry members = %d after disconnect, want 0", reg.Members(key))
	}
	if len(fan.left) != 1 || fan.left[0] != key {
		t.Errorf("fanout.Left = %v, want [%s]", fan.left, key)
	}
	if got := fan.ofType("user_left"); len(got) != 1 {
		t.Fatalf("expected 1 user_left publish, got %d", len(got))
	}
}

func TestUnknownUserLurksWithoutSystemRow(t *testing.T) {
	st := newFakeStore() // nobody known
	reg := room.NewRegistry(nil)
	fan := &captureFanout{store: st}
	ch := NewChannel(reg, fan, st, nil, nil)
	conn, _ := newTestConn(t, "conn-1", "stranger", "general")

	if err := ch.OnConnect(conn, "general"); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}

	// The notice still goes out, but nothing lands in durable history.
	if got := fan.ofType("user_joined"); len(got) != 1 {
		t.Fatalf("expected join notice, got %d", len(got))
	}
	if len(st.appendedCalls()) != 0 {
		t.Error("system row recorded for unknown user")
	}
}

// ---------------------------------------------------------------------------
// end to end through the local bus
// ---------------------------------------------------------------------------

func TestFanoutDeliversToEveryMemberIncludingSender(t *testing.T) {
	st := newFakeStore("alice", "bob")
	reg := room.NewRegistry(nil)
	ch := NewChannel(reg, messaging.NewLocalBus(reg), st, nil, nil)

	alice, aliceFrames := newTestConn(t, "conn-a", "alice", "general")
	bob, bobFrames := newTestConn(t, "conn-b", "bob", "general")

	if err := ch.OnConnect(alice, "general"); err != nil {
		t.Fatalf("alice OnConnect: %v", err)
	}
	if err := ch.OnConnect(bob, "general"); err != nil {
		t.Fatalf("bob OnConnect: %v", err)
	}

	// Alice sees bob arrive; bob (the joiner) must not see his own notice.
	joined := awaitFrame(t, aliceFrames, "user_joined")
	if joined["username"] != "bob" {
		t.Errorf("join notice for %v, want bob", joined["username"])
	}

	ch.OnMessage(alice, []byte(`{"message":"hello room","username":"alice"}`))

	for name, frames := range map[string]chan []byte{"alice": aliceFrames, "bob": bobFrames} {
		m := awaitFrame(t, frames, "chat_message")
		if m["message"] != "hello room" || m["username"] != "alice" {
			t.Errorf("%s received unexpected frame: %v", name, m)
		}
	}
}

func TestFanoutIsRoomScoped(t *testing.T) {
	st := newFakeStore("alice", "carol")
	reg := room.NewRegistry(nil)
	ch := NewChannel(reg, messaging.NewLocalBus(reg), st, nil, nil)

	alice, _ := newTestConn(t, "conn-a", "alice", "general")
	carol, carolFrames := newTestConn(t, "conn-c", "carol", "random")

	if err := ch.OnConnect(alice, "general"); err != nil {
		t.Fatalf("alice OnConnect: %v", err)
	}
	if err := ch.OnConnect(carol, "random"); err != nil {
		t.Fatalf("carol OnConnect: %v", err)
	}

	ch.OnMessage(alice, []byte(`{"message":"general only","username":"alice"}`))

	expectNoFrame(t, carolFrames, "chat_message")
}
