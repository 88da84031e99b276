package room

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeMember records delivered payloads and can be made to fail sends.
type fakeMember struct {
	key  string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeMember) Key() string { return f.key }

func (f *fakeMember) Send(data []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	f.frames = append(f.frames, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeMember) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	m := &fakeMember{key: "a"}

	r.Join("chat:general", m)
	r.Join("chat:general", m)
	r.Join("chat:general", m)

	if got := r.Members("chat:general"); got != 1 {
		t.Fatalf("expected 1 member after repeated joins, got %d", got)
	}

	r.Broadcast("chat:general", []byte("hi"), "")
	if m.delivered() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", m.delivered())
	}
}

func TestDoubleLeaveIsSafe(t *testing.T) {
	r := NewRegistry(nil)
	m := &fakeMember{key: "a"}

	r.Join("chat:general", m)
	r.Leave("chat:general", m)
	r.Leave("chat:general", m) // must not panic or corrupt state

	if got := r.Members("chat:general"); got != 0 {
		t.Fatalf("expected empty room, got %d members", got)
	}
	if got := r.Rooms(); got != 0 {
		t.Fatalf("expected empty room to be pruned, got %d rooms", got)
	}
}

// Replaying any sequence of joins and leaves must end with exactly the set of
// members that had a net join.
func TestJoinLeaveReplay(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeMember{key: "a"}
	b := &fakeMember{key: "b"}
	c := &fakeMember{key: "c"}

	r.Join("chat:room", a)
	r.Join("chat:room", b)
	r.Join("chat:room", a) // duplicate
	r.Join("chat:room", c)
	r.Leave("chat:room", b)
	r.Leave("chat:room", b) // double leave
	r.Join("chat:room", b)
	r.Leave("chat:room", c)

	if got := r.Members("chat:room"); got != 2 {
		t.Fatalf("expected members {a,b}, got %d members", got)
	}

	r.Broadcast("chat:room", []byte("x"), "")
	if a.delivered() != 1 || b.delivered() != 1 {
		t.Errorf("expected a and b to receive the broadcast, got a=%d b=%d", a.delivered(), b.delivered())
	}
	if c.delivered() != 0 {
		t.Errorf("expected c to receive nothing, got %d frames", c.delivered())
	}
}

func TestBroadcastIsRoomScoped(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeMember{key: "a"}
	b := &fakeMember{key: "b"}
	other := &fakeMember{key: "c"}

	r.Join("chat:general", a)
	r.Join("chat:general", b)
	r.Join("chat:random", other)

	r.Broadcast("chat:general", []byte("hello"), "")

	if a.delivered() != 1 || b.delivered() != 1 {
		t.Errorf("expected both general members to receive, got a=%d b=%d", a.delivered(), b.delivered())
	}
	if other.delivered() != 0 {
		t.Errorf("member of another room received %d frames", other.delivered())
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeMember{key: "a"}
	b := &fakeMember{key: "b"}

	r.Join("chat:general", a)
	r.Join("chat:general", b)

	r.Broadcast("chat:general", []byte("typing"), "a")

	if a.delivered() != 0 {
		t.Errorf("excluded member received %d frames", a.delivered())
	}
	if b.delivered() != 1 {
		t.Errorf("expected b to receive 1 frame, got %d", b.delivered())
	}
}

func TestBroadcastDropsFailedMemberAndContinues(t *testing.T) {
	var dropped []string
	r := NewRegistry(func(m Member) {
		dropped = append(dropped, m.Key())
	})

	ok1 := &fakeMember{key: "ok1"}
	bad := &fakeMember{key: "bad", fail: true}
	ok2 := &fakeMember{key: "ok2"}

	r.Join("chat:general", ok1)
	r.Join("chat:general", bad)
	r.Join("chat:general", ok2)

	r.Broadcast("chat:general", []byte("hi"), "")

	if len(dropped) != 1 || dropped[0] != "bad" {
		t.Fatalf("expected drop callback for 'bad', got %v", dropped)
	}
	if ok1.delivered() != 1 || ok2.delivered() != 1 {
		t.Errorf("healthy members must still receive delivery, got ok1=%d ok2=%d",
			ok1.delivered(), ok2.delivered())
	}
}

func TestLeaveAllRemovesFromEveryRoom(t *testing.T) {
	r := NewRegistry(nil)
	m := &fakeMember{key: "a"}
	stay := &fakeMember{key: "b"}

	r.Join("chat:one", m)
	r.Join("chat:two", m)
	r.Join("chat:two", stay)

	left := r.LeaveAll("a")
	if len(left) != 2 {
		t.Fatalf("expected to leave 2 rooms, got %v", left)
	}

	r.Broadcast("chat:one", []byte("x"), "")
	r.Broadcast("chat:two", []byte("x"), "")

	if m.delivered() != 0 {
		t.Errorf("disconnected member received %d frames after LeaveAll", m.delivered())
	}
	if stay.delivered() != 1 {
		t.Errorf("remaining member should still receive, got %d frames", stay.delivered())
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	cases := []struct{ a, b string }{
		{"alice", "bob"},
		{"bob", "alice"},
	}
	first := PairKey(cases[0].a, cases[0].b)
	for _, tc := range cases {
		if got := PairKey(tc.a, tc.b); got != first {
			t.Errorf("PairKey(%q,%q) = %q, want %q", tc.a, tc.b, got, first)
		}
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Error("distinct pairs must map to distinct keys")
	}
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		m := &fakeMember{key: fmt.Sprintf("m%d", i)}
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				r.Join("chat:busy", m)
				r.Broadcast("chat:busy", []byte("x"), "")
				r.Leave("chat:busy", m)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if got := r.Members("chat:busy"); got != 0 {
		t.Fatalf("expected empty room after churn, got %d members", got)
	}
}

func TestJoinWithLimit(t *testing.T) {
	r := NewRegistry(nil)
	a := &fakeMember{key: "a"}
	b := &fakeMember{key: "b"}
	c := &fakeMember{key: "c"}

	if err := r.JoinWithLimit("call:a:b", a, 2); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := r.JoinWithLimit("call:a:b", b, 2); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := r.JoinWithLimit("call:a:b", c, 2); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join: got %v, want ErrRoomFull", err)
	}

	// A member already in the room never counts against the limit.
	if err := r.JoinWithLimit("call:a:b", b, 2); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := r.Members("call:a:b"); got != 2 {
		t.Fatalf("members = %d, want 2", got)
	}
}

func TestJoinWithLimitConcurrent(t *testing.T) {
	// Racing joiners must never overfill the room: the capacity check and
	// the insert are one registry operation.
	for round := 0; round < 500; round++ {
		r := NewRegistry(nil)
		const callers = 8

		start := make(chan struct{})
		errs := make(chan error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			m := &fakeMember{key: fmt.Sprintf("m%d", i)}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- r.JoinWithLimit("call:a:b", m, 2)
			}()
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
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if admitted != 2 || rejected != callers-2 {
			t.Fatalf("round %d: admitted=%d rejected=%d, want 2/%d",
				round, admitted, rejected, callers-2)
		}
		if got := r.Members("call:a:b"); got != 2 {
			t.Fatalf("round %d: members = %d, want 2", round, got)
		}
	}
}
