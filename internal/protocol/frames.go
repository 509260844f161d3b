// Package protocol defines the JSON frames exchanged with chat clients over
// the WebSocket connection and the helpers that encode and decode them.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Type is the discriminator carried in the "type" field of every frame.
type Type string

// Frame types understood by the hub.
const (
	TypeMessage Type = "message"
	TypeTyping  Type = "typing"
	TypePing    Type = "ping"
	TypePong    Type = "pong"
	TypeJoin    Type = "join"
	TypeLeave   Type = "leave"
	TypeError   Type = "error"
)

// ErrMalformedFrame is returned for frames that are not JSON objects or carry no type.
var ErrMalformedFrame = errors.New("malformed frame")

// Droppable reports whether frames of this type may be discarded under backpressure.
func (t Type) Droppable() bool {
	return t == TypeTyping || t == TypePong
}

// Inbound is a decoded client frame. Only the fields relevant to Type are meaningful.
type Inbound struct {
	Type     Type   `json:"type"`
	Content  string `json:"content"`
	IsTyping bool   `json:"is_typing"`
}

// DecodeInbound parses one text frame from a client.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, ErrMalformedFrame
	}
	if in.Type == "" {
		return Inbound{}, ErrMalformedFrame
	}
	return in, nil
}

// Message is the canonical message frame fanned out to every room member.
type Message struct {
	Type      Type      `json:"type"`
	ID        uint      `json:"id"`
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Presence is sent as a join or leave frame with the updated online count.
type Presence struct {
	Type     Type   `json:"type"`
	RoomID   uint   `json:"room_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Online   int    `json:"online"`
}

// Typing announces that a member started or stopped typing.
type Typing struct {
	Type     Type   `json:"type"`
	RoomID   uint   `json:"room_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// Pong answers a client ping.
type Pong struct {
	Type Type `json:"type"`
}

// Error carries a human readable problem back to the originating session.
type Error struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

// NewMessage builds a message frame.
func NewMessage(id, roomID, userID uint, username, content string, createdAt time.Time) Message {
	return Message{Type: TypeMessage, ID: id, RoomID: roomID, UserID: userID, Username: username, Content: content, CreatedAt: createdAt}
}

// NewJoin builds a join frame.
func NewJoin(roomID, userID uint, username string, online int) Presence {
	return Presence{Type: TypeJoin, RoomID: roomID, UserID: userID, Username: username, Online: online}
}

// NewLeave builds a leave frame.
func NewLeave(roomID, userID uint, username string, online int) Presence {
	return Presence{Type: TypeLeave, RoomID: roomID, UserID: userID, Username: username, Online: online}
}

// NewTyping builds a typing frame.
func NewTyping(roomID, userID uint, username string, isTyping bool) Typing {
	return Typing{Type: TypeTyping, RoomID: roomID, UserID: userID, Username: username, IsTyping: isTyping}
}

// NewPong builds a pong frame.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// NewError builds an error frame.
func NewError(content string) Error {
	return Error{Type: TypeError, Content: content}
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
