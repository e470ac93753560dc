// Package protocol defines the WebSocket events exchanged between chat
// clients and the server. Every frame is a JSON object carrying a "type"
// discriminator; each event type has its own struct so payloads are checked
// at compile time instead of being passed around as maps.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/twomark/twomark/internal/chat"
	"github.com/twomark/twomark/internal/status"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated   = "session_created"
	TypeStatusUpdate     = "status_update"
	TypeUpdateReadStatus = "update_read_status"
	TypeReceiveMessage   = "receive_message"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
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
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound event struct.
type ClientMessage interface {
	MessageType() string
}

// SendMessageMsg carries a chat message typed by the client.
type SendMessageMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (SendMessageMsg) MessageType() string { return TypeSendMessage }
func (PingMsg) MessageType() string        { return TypePing }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ServerEvent is implemented by every outbound event struct.
type ServerEvent interface {
	EventType() string
}

// SessionCreatedMsg tells a freshly connected client its session ID, which it
// needs to recognise its own messages in receive_message broadcasts.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StatusUpdateMsg is broadcast to the room after every presence change.
type StatusUpdateMsg struct {
	Type            string `json:"type"`
	OnlineCount     int    `json:"online_count"`
	RecipientOnline bool   `json:"recipient_online"`
}

// UpdateReadStatusMsg instructs clients to mark every previously delivered
// message as read. It names no messages; the server keeps no message state.
type UpdateReadStatusMsg struct {
	Type   string        `json:"type"`
	Status status.Status `json:"status"`
}

// ReceiveMessageMsg is a chat message broadcast to every room member,
// including its sender.
type ReceiveMessageMsg struct {
	Type        string        `json:"type"`
	SenderID    string        `json:"sender_id"`
	Text        string        `json:"text"`
	Time        string        `json:"time"`
	Status      status.Status `json:"status"`
	OnlineCount int           `json:"online_count"`
}

// RateLimitedMsg is sent to a client whose messages exceed the rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

func (SessionCreatedMsg) EventType() string   { return TypeSessionCreated }
func (StatusUpdateMsg) EventType() string     { return TypeStatusUpdate }
func (UpdateReadStatusMsg) EventType() string { return TypeUpdateReadStatus }
func (ReceiveMessageMsg) EventType() string   { return TypeReceiveMessage }
func (RateLimitedMsg) EventType() string      { return TypeRateLimited }
func (ErrorMsg) EventType() string            { return TypeError }
func (PongMsg) EventType() string             { return TypePong }

// NewStatusUpdate builds the presence broadcast for an announcement.
func NewStatusUpdate(a status.Announcement) StatusUpdateMsg {
	return StatusUpdateMsg{OnlineCount: a.OnlineCount, RecipientOnline: a.RecipientOnline}
}

// NewReceiveMessage builds the broadcast form of a chat message.
func NewReceiveMessage(m chat.Message) ReceiveMessageMsg {
	return ReceiveMessageMsg{
		SenderID:    m.SenderID,
		Text:        m.Text,
		Time:        m.Time,
		Status:      m.Status,
		OnlineCount: m.OnlineCount,
	}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for malformed JSON and for unknown or server-only
// message types.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return msg, nil
}

// UnknownTypeError is returned by ParseClientMessage for a well-formed
// envelope whose type the server does not accept.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown client message type: %q", e.Type)
}

// Encode serializes a server event to JSON with its "type" field set from
// EventType, regardless of what the struct's Type field holds.
func Encode(ev ServerEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
