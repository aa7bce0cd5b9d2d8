package gateway

import (
	"encoding/json"

	"collab/api/internal/access"
	"collab/api/internal/rbac"
)

// Binary frames start with one of these tags; the rest is CRDT bytes.
const (
	frameSync   byte = 0x00
	frameUpdate byte = 0x01
)

// Error codes sent in "error" events.
const (
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeUpdateFailed    = "UPDATE_FAILED"
	CodeReadOnly        = "READ_ONLY"
	CodeBadFrame        = "BAD_FRAME"
	CodeRoomUnavailable = "ROOM_UNAVAILABLE"
)

// clientMessage is any text frame a client may send.
type clientMessage struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinedEvent struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	RoomID       string    `json:"roomId"`
	Role         rbac.Role `json:"role"`
	CanEdit      bool      `json:"canEdit"`
}

type presenceEvent struct {
	Type         string      `json:"type"`
	Event        string      `json:"event"`
	ConnectionID string      `json:"connectionId"`
	User         access.User `json:"user"`
}

type awarenessEvent struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId"`
	User         access.User     `json:"user"`
	Payload      json.RawMessage `json:"payload"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func presence(event string, c *conn) presenceEvent {
	return presenceEvent{Type: "presence", Event: event, ConnectionID: c.id, User: c.user}
}

func errorFrame(code, message string) errorEvent {
	return errorEvent{Type: "error", Code: code, Message: message}
}

func binaryFrame(tag byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, tag)
	return append(frame, payload...)
}
