package hub

import (
	"context"
	"time"
)

// Identity is the authenticated user behind a session.
type Identity struct {
	UserID   uint
	Username string
}

// RoomInfo describes a room known to the room directory.
type RoomInfo struct {
	ID   uint
	Name string
}

// StoredMessage is what the message store returns after persisting content.
type StoredMessage struct {
	ID        uint
	CreatedAt time.Time
}

// RoomDirectory resolves room ids. LookupRoom returns ErrRoomNotFound for unknown ids.
type RoomDirectory interface {
	LookupRoom(ctx context.Context, id uint) (RoomInfo, error)
}

// MessageStore persists messages and assigns their ids.
type MessageStore interface {
	SaveMessage(ctx context.Context, roomID, userID uint, content string) (StoredMessage, error)
}

// Transport is the write half of a client connection. Implementations are
// only ever written to from the session's write pump.
type Transport interface {
	WriteText(data []byte) error
	WritePing() error
	Close(reason error) error
}
