package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/protocol"
)

// MaxContentLength is the longest message content accepted, in characters.
const MaxContentLength = 2000

// Room is one chat room's membership set and broadcast scope. The online
// count is always the size of the member set.
type Room struct {
	id   uint
	name string

	store MessageStore
	evict func(*Session, error)
	log   *logrus.Entry

	mu      sync.Mutex
	members map[string]*Session
	online  int

	// sendMu serialises persist and fan-out so delivery order matches id order.
	sendMu sync.Mutex
}

func newRoom(info RoomInfo, store MessageStore, evict func(*Session, error), log *logrus.Entry) *Room {
	return &Room{
		id:      info.ID,
		name:    info.Name,
		store:   store,
		evict:   evict,
		log:     log.WithFields(logrus.Fields{"comp": "room", "room_id": info.ID}),
		members: make(map[string]*Session),
	}
}

// ID returns the room id.
func (r *Room) ID() uint { return r.id }

// Name returns the room name as known when the room was first resolved.
func (r *Room) Name() string { return r.name }

// Online returns the number of attached sessions.
func (r *Room) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Attach adds the session and announces it to every member, itself included.
// Closed sessions are ignored. The check runs under the room lock because the
// hub closes a session before detaching it.
func (r *Room) Attach(s *Session) {
	r.mu.Lock()
	if s.Closed() {
		r.mu.Unlock()
		return
	}
	r.members[s.ID()] = s
	r.online = len(r.members)
	id := s.Identity()
	slow := r.fanoutLocked(protocol.TypeJoin, protocol.NewJoin(r.id, id.UserID, id.Username, r.online), 0)
	r.mu.Unlock()

	r.evictAll(slow)
}

// Detach removes the session and announces the departure to the remaining
// members. It reports false, and broadcasts nothing, when the session was not
// a member.
func (r *Room) Detach(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.members[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.members, sessionID)
	r.online = len(r.members)
	id := s.Identity()
	slow := r.fanoutLocked(protocol.TypeLeave, protocol.NewLeave(r.id, id.UserID, id.Username, r.online), 0)
	r.mu.Unlock()

	r.evictAll(slow)
	return true
}

// BroadcastMessage validates and persists content, then delivers the stored
// message to every member including the sender. Nothing is delivered unless
// the store assigned an id.
func (r *Room) BroadcastMessage(ctx context.Context, sender *Session, content string) error {
	if err := validateContent(content); err != nil {
		return err
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	id := sender.Identity()
	stored, err := r.store.SaveMessage(ctx, r.id, id.UserID, content)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	frame := protocol.NewMessage(stored.ID, r.id, id.UserID, id.Username, content, stored.CreatedAt)

	r.mu.Lock()
	slow := r.fanoutLocked(protocol.TypeMessage, frame, 0)
	r.mu.Unlock()

	r.evictAll(slow)
	metrics.MessagesTotal.Inc()
	return nil
}

// BroadcastTyping tells every member that the sender started or stopped
// typing. None of the sender's own sessions receive it.
func (r *Room) BroadcastTyping(sender *Session, isTyping bool) {
	r.broadcastTyping(sender.Identity(), isTyping)
}

func (r *Room) broadcastTyping(who Identity, isTyping bool) {
	r.mu.Lock()
	slow := r.fanoutLocked(protocol.TypeTyping, protocol.NewTyping(r.id, who.UserID, who.Username, isTyping), who.UserID)
	r.mu.Unlock()

	r.evictAll(slow)
}

// fanoutLocked encodes the frame once and queues the same bytes on every
// member, skipping sessions of skipUser when it is non-zero. It returns
// members whose queues overflowed. r.mu must be held.
func (r *Room) fanoutLocked(kind protocol.Type, frame any, skipUser uint) []*Session {
	data, err := protocol.Encode(frame)
	if err != nil {
		r.log.WithError(err).WithField("type", kind).Error("error encoding frame")
		return nil
	}

	var slow []*Session
	for _, member := range r.members {
		if skipUser != 0 && member.Identity().UserID == skipUser {
			continue
		}
		if err := member.Enqueue(kind, data); err == ErrSlowConsumer {
			slow = append(slow, member)
		}
	}
	return slow
}

func (r *Room) evictAll(slow []*Session) {
	for _, s := range slow {
		r.log.WithField("session_id", s.ID()).Warn("outbound queue full, evicting slow consumer")
		r.evict(s, ErrSlowConsumer)
	}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "message content", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return &ValidationError{Field: "message content", Reason: fmt.Sprintf("must not exceed %d characters", MaxContentLength)}
	}
	return nil
}
