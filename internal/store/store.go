// Package store persists users, rooms and messages with gorm. It implements
// the hub's RoomDirectory and MessageStore ports and backs the REST room
// directory and history endpoints.
package store

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/chathub/internal/hub"
)

// Store errors.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrRoomNameTaken = errors.New("room name taken")
)

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	MaxRoomList         = 100
)

// Store wraps a gorm connection.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

// Open connects to the SQLite database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "error opening database %q", dsn)
	}

	// sqlite allows a single writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "error getting sql db")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}, &Room{}, &Message{}); err != nil {
		return nil, pkgerrors.Wrap(err, "error migrating schema")
	}

	log := logrus.WithField("comp", "store")
	log.WithField("dsn", dsn).Debug("database ready")
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return pkgerrors.Wrap(err, "error getting sql db")
	}
	s.log.Info("closing database")
	return sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return pkgerrors.Wrap(err, "error getting sql db")
	}
	return sqlDB.PingContext(ctx)
}

// LookupRoom implements hub.RoomDirectory.
func (s *Store) LookupRoom(ctx context.Context, id uint) (hub.RoomInfo, error) {
	var room Room
	err := s.db.WithContext(ctx).First(&room, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return hub.RoomInfo{}, hub.ErrRoomNotFound
	}
	if err != nil {
		return hub.RoomInfo{}, pkgerrors.Wrapf(err, "error looking up room %d", id)
	}
	return hub.RoomInfo{ID: room.ID, Name: room.Name}, nil
}

// SaveMessage implements hub.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, roomID, userID uint, content string) (hub.StoredMessage, error) {
	msg := Message{RoomID: roomID, UserID: userID, Content: content}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return hub.StoredMessage{}, pkgerrors.Wrapf(err, "error saving message in room %d", roomID)
	}
	return hub.StoredMessage{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

// ListRooms returns the newest rooms first, at most MaxRoomList.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := s.db.WithContext(ctx).Order("id desc").Limit(MaxRoomList).Find(&rooms).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "error listing rooms")
	}
	return rooms, nil
}

// CreateRoom inserts a room owned by ownerID.
func (s *Store) CreateRoom(ctx context.Context, name string, ownerID uint) (Room, error) {
	room := Room{Name: name, OwnerID: ownerID}
	err := s.db.WithContext(ctx).Create(&room).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return Room{}, ErrRoomNameTaken
	}
	if err != nil {
		return Room{}, pkgerrors.Wrapf(err, "error creating room %q", name)
	}
	return room, nil
}

// ListMessages returns up to limit messages of roomID with ids below beforeID
// (when non-zero), oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID uint, limit int, beforeID uint) ([]MessageView, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	q := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.room_id, messages.user_id, users.username, messages.content, messages.created_at").
		Joins("LEFT JOIN users ON users.id = messages.user_id").
		Where("messages.room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("messages.id < ?", beforeID)
	}

	var views []MessageView
	if err := q.Order("messages.id desc").Limit(limit).Scan(&views).Error; err != nil {
		return nil, pkgerrors.Wrapf(err, "error listing messages for room %d", roomID)
	}

	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}
	return views, nil
}

// FindUser loads a user by id.
func (s *Store) FindUser(ctx context.Context, id uint) (User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, pkgerrors.Wrapf(err, "error finding user %d", id)
	}
	return user, nil
}

// CreateUser inserts a user row. Accounts are normally provisioned by the
// auth service sharing this database.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	user := User{Username: username, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, pkgerrors.Wrapf(err, "error creating user %q", username)
	}
	return user, nil
}
