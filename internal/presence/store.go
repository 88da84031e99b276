// Package presence keeps lightweight online-state bookkeeping in Redis: one
// hash per live connection and one set of usernames per room. Keys carry a
// TTL so state from a crashed server instance ages out on its own. Presence
// is advisory — the in-process room registry, not Redis, decides where a
// broadcast goes.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "presence:conn:"

	// RoomPrefix is the Redis key prefix for per-room member sets.
	RoomPrefix = "presence:room:"

	// TTL is the time-to-live for presence keys; Touch refreshes it.
	TTL = 2 * time.Minute
)

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Connect records a new connection and adds its username to the room's
// member set.
func (s *Store) Connect(ctx context.Context, connID, username, roomID string) error {
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ConnPrefix+connID, map[string]interface{}{
		"username":     username,
		"room":         roomID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.SAdd(ctx, RoomPrefix+roomID, username)
	pipe.Expire(ctx, RoomPrefix+roomID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect removes the connection hash and the username from the room set.
func (s *Store) Disconnect(ctx context.Context, connID, username, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, RoomPrefix+roomID, username)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the TTL of a connection's presence and its room set, and
// bumps last_active. Called from the heartbeat path.
func (s *Store) Touch(ctx context.Context, connID, roomID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, ConnPrefix+connID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.Expire(ctx, RoomPrefix+roomID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RoomMembers returns the usernames currently present in a room, across all
// server instances.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, RoomPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: room members: %w", err)
	}
	return members, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
