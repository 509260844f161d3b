package store

import "time"

// User is written by the auth service; the hub only reads usernames.
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

// Room is a chat room managed through the REST directory.
type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:50;not null"`
	OwnerID   uint   `gorm:"index"`
	CreatedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    uint   `gorm:"index;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// MessageView is a message joined with its author's username.
type MessageView struct {
	ID        uint
	RoomID    uint
	UserID    uint
	Username  string
	Content   string
	CreatedAt time.Time
}
