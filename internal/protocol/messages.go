// Package protocol defines the WebSocket message types and structures used on
// the chat channel. All messages are serialized as JSON with a "type"
// discriminator; for backward compatibility with older clients, an inbound
// frame with no type at all is treated as a chat_send.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeChatSend = "chat_send"
	TypePing     = "ping"
)

// Relayed in both directions (client sends them, server rebroadcasts them).
const (
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
)

// Server -> Client message types.
const (
	TypeChatMessage = "chat_message"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeError       = "error"
	TypePong        = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so the rest of the
// payload can be decoded later into the appropriate concrete struct. A frame
// without a "type" field is classified as chat_send, matching the bare
// {message, username, room_name} frames older clients emit.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		e.Type = TypeChatSend
		return nil
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ChatSendMsg is a request to post a message to a room. RoomName is optional;
// when absent the message targets the room the connection joined at connect
// time.
type ChatSendMsg struct {
	Type     string `json:"type,omitempty"`
	Message  string `json:"message"`
	Username string `json:"username"`
	RoomName string `json:"room_name,omitempty"`
}

// TypingMsg signals that a user started or stopped typing. It carries no
// content and is never persisted.
type TypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ChatMessageMsg is a confirmed chat message fanned out to every member of
// the room, including the sender. Clients render history from these frames
// rather than echoing locally, so the rendered view always matches what was
// durably recorded.
type ChatMessageMsg struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Username string `json:"username"`
	RoomName string `json:"room_name"`
}

// MembershipMsg announces that a user joined or left the room.
type MembershipMsg struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ServerTypingMsg relays another member's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// ErrorMsg reports a per-message failure to the connection that caused it.
// Other room members never observe it.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeChatSend:
		var m ChatSendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStarted, TypeTypingStopped:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key so callers
// never have to fill the Type field of the payload struct themselves.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
