package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and scrubs
// all test-prefixed presence keys before and after. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	scrub := func() {
		for _, pattern := range []string{ConnPrefix + "test_*", RoomPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	scrub()
	t.Cleanup(func() {
		scrub()
		client.Close()
	})
	return NewStoreWithClient(client, "test-server")
}

func TestConnectAndRoomMembers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Connect(ctx, "test_conn1", "alice", "test_room"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := store.Connect(ctx, "test_conn2", "bob", "test_room"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	members, err := store.RoomMembers(ctx, "test_room")
	if err != nil {
		t.Fatalf("RoomMembers() error: %v", err)
	}
	got := map[string]bool{}
	for _, m := range members {
		got[m] = true
	}
	if !got["alice"] || !got["bob"] {
		t.Errorf("RoomMembers() = %v, want alice and bob", members)
	}
}

func TestDisconnectRemovesMember(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Connect(ctx, "test_conn3", "carol", "test_room_leave"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := store.Disconnect(ctx, "test_conn3", "carol", "test_room_leave"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	members, err := store.RoomMembers(ctx, "test_room_leave")
	if err != nil {
		t.Fatalf("RoomMembers() error: %v", err)
	}
	for _, m := range members {
		if m == "carol" {
			t.Error("carol still present after Disconnect()")
		}
	}

	// The connection hash is gone too.
	exists, err := store.Client().Exists(ctx, ConnPrefix+"test_conn3").Result()
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if exists != 0 {
		t.Error("connection hash still present after Disconnect()")
	}
}

func TestTouchRefreshesTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Connect(ctx, "test_conn4", "dave", "test_room_ttl"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	// Shorten the TTL so a refresh is observable.
	if err := store.Client().Expire(ctx, ConnPrefix+"test_conn4", 5*time.Second).Err(); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}

	if err := store.Touch(ctx, "test_conn4", "test_room_ttl"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	ttl, err := store.Client().TTL(ctx, ConnPrefix+"test_conn4").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 5*time.Second || ttl > TTL {
		t.Errorf("TTL after Touch() = %v, want (5s, %v]", ttl, TTL)
	}
}

func TestConnectRecordsServer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Connect(ctx, "test_conn5", "erin", "test_room_meta"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	server, err := store.Client().HGet(ctx, ConnPrefix+"test_conn5", "server").Result()
	if err != nil {
		t.Fatalf("HGet() error: %v", err)
	}
	if server != "test-server" {
		t.Errorf("server field = %q, want test-server", server)
	}
}
