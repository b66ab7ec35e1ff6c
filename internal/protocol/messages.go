// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendDirectMessage = "send_direct_message"
	TypeSendTeamMessage   = "send_team_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeJoinTeam          = "join_team"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected             = "connected"
	TypeNewDirectMessage      = "new_direct_message"
	TypeMessageSent           = "message_sent"
	TypeNewTeamMessage        = "new_team_message"
	TypeUserTyping            = "user_typing"
	TypeUserTypingTeam        = "user_typing_team"
	TypeUserStoppedTyping     = "user_stopped_typing"
	TypeUserStoppedTypingTeam = "user_stopped_typing_team"
	TypeUserOffline           = "user_offline"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeInvalidMessage = "invalid_message"
	CodeAccessDenied   = "access_denied"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
	CodeParseError     = "parse_error"
	CodeUnsupported    = "unsupported_type"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
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
// Shared payload structs
// ---------------------------------------------------------------------------

// UserRef is the display projection of a user embedded in enriched messages.
type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Message is the fully enriched chat message as delivered to clients. The
// sender (and recipient, for direct messages) are resolved to display data
// before the message leaves the publishing process, because subscribers on
// other processes have no access to the original request context.
type Message struct {
	ID          string   `json:"id"`
	Sender      UserRef  `json:"sender"`
	Recipient   *UserRef `json:"recipient,omitempty"`
	TeamID      string   `json:"teamId,omitempty"`
	Content     string   `json:"content"`
	MessageType string   `json:"messageType"` // "direct" or "team"
	CreatedAt   int64    `json:"createdAt"`   // unix milliseconds
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendDirectMessageMsg is sent by the client to deliver a message to a single
// recipient.
type SendDirectMessageMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// SendTeamMessageMsg is sent by the client to deliver a message to a team
// channel.
type SendTeamMessageMsg struct {
	Type    string `json:"type"`
	TeamID  string `json:"teamId"`
	Content string `json:"content"`
}

// TypingStartMsg signals that the client has begun typing toward a recipient
// or a team. Exactly one of RecipientID / TeamID is set.
type TypingStartMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId,omitempty"`
	TeamID      string `json:"teamId,omitempty"`
}

// TypingStopMsg signals that the client has stopped typing.
type TypingStopMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId,omitempty"`
	TeamID      string `json:"teamId,omitempty"`
}

// JoinTeamMsg is sent by the client to join a team room it was not a member
// of when the connection was established (e.g. after being added to a team).
type JoinTeamMsg struct {
	Type   string `json:"type"`
	TeamID string `json:"teamId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after a successful handshake.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// NewDirectMessageMsg delivers a direct message to the recipient's sessions.
type NewDirectMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageSentMsg acknowledges a sent message back to all of the sender's
// active sessions.
type MessageSentMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// NewTeamMessageMsg delivers a team message to the team room.
type NewTeamMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// UserTypingMsg tells a direct-message recipient that a user is typing.
type UserTypingMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// UserTypingTeamMsg tells a team room that a member is typing.
type UserTypingTeamMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	TeamID   string `json:"teamId"`
}

// UserStoppedTypingMsg tells a direct-message recipient that typing stopped.
type UserStoppedTypingMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UserStoppedTypingTeamMsg tells a team room that a member stopped typing.
type UserStoppedTypingTeamMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	TeamID string `json:"teamId"`
}

// UserOfflineMsg notifies shared rooms that a user went offline.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
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
	case TypeSendDirectMessage:
		var m SendDirectMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendTeamMessage:
		var m SendTeamMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinTeam:
		var m JoinTeamMsg
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
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
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
