// Package store provides PostgreSQL-backed durable storage for the messaging
// core: user identity lookup, room lookup/create, and the append-only chat
// message log. The registry and channels treat it as an external
// collaborator; it performs no fan-out of its own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Room kinds. Group rooms have an explicit membership set; video-pairing
// rooms exist only to attribute signaling history and are keyed by the
// deterministic pair key.
const (
	KindGroup  = "group"
	KindDirect = "direct"
	KindVideo  = "video-pairing"
)

// ErrUserNotFound is returned by UserByName when no user with the given
// username exists. Unknown users are a fatal per-message error: the message
// is dropped and the sender is notified.
var ErrUserNotFound = errors.New("store: user not found")

// Message is one durable chat message row.
type Message struct {
	ID        int64
	RoomID    int64
	Username  string
	Content   string
	System    bool
	CreatedAt time.Time
}

// Store wraps the database handle with the operations the messaging core
// consumes.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UserByName resolves a username to its user ID. Returns ErrUserNotFound if
// no such user exists; user provisioning is owned by the rest of the
// application, never by the messaging core.
func (s *Store) UserByName(ctx context.Context, username string) (int64, error) {
	const query = `SELECT id FROM users WHERE username = $1`

	var id int64
	err := s.db.QueryRowContext(ctx, query, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: user by name: %w", err)
	}
	return id, nil
}

// GetOrCreateRoom resolves a room name to its ID, creating the room
// attributed to creatorID if it does not exist. The upsert reconciles races
// where a room was deleted or never existed: two concurrent creators both
// land on the same row. The creator is also recorded as a room member.
func (s *Store) GetOrCreateRoom(ctx context.Context, name, kind string, creatorID int64) (int64, error) {
	const query = `
		INSERT INTO rooms (name, kind, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
		RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, name, kind, creatorID).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: get or create room %q: %w", name, err)
	}

	const member = `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, member, id, creatorID); err != nil {
		return 0, fmt.Errorf("store: add room member: %w", err)
	}
	return id, nil
}

// AppendMessage inserts one immutable message row. Rows flagged as system
// messages record membership changes (joins and leaves) rather than user
// content.
func (s *Store) AppendMessage(ctx context.Context, roomID, userID int64, content string, system bool, ts time.Time) error {
	const query = `
		INSERT INTO messages (room_id, user_id, content, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, roomID, userID, content, system, ts); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent messages of a room in timestamp
// order, oldest first. Persisted timestamp order, not delivery order, is
// authoritative for history reconstruction.
func (s *Store) RecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	const query = `
		SELECT m.id, m.room_id, u.username, m.content, m.is_system, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Username, &m.Content, &m.System, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// RoomByName resolves a room name to its ID without creating it. Returns
// sql.ErrNoRows wrapped if the room does not exist.
func (s *Store) RoomByName(ctx context.Context, name string) (int64, error) {
	const query = `SELECT id FROM rooms WHERE name = $1`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: room by name %q: %w", name, err)
	}
	return id, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
