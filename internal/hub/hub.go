// Package hub coordinates chat sessions, rooms and presence. The Hub is the
// single authority for which sessions exist; Rooms own membership and fan-out.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chilts/sid"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/protocol"
)

// Options tunes session buffering and timers.
type Options struct {
	QueueSize    int
	PingInterval time.Duration
	PongGrace    time.Duration
	TypingTTL    time.Duration
	Logger       *logrus.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		PingInterval: 30 * time.Second,
		PongGrace:    10 * time.Second,
		TypingTTL:    3 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongGrace <= 0 {
		o.PongGrace = def.PongGrace
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = def.TypingTTL
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Hub is the process-wide registry of rooms and sessions.
type Hub struct {
	directory RoomDirectory
	store     MessageStore
	opts      Options
	presence  *presenceTracker
	log       *logrus.Entry

	mu       sync.RWMutex
	rooms    map[uint]*Room
	sessions map[string]*Session
	closing  bool

	wg sync.WaitGroup
}

// New creates a Hub that resolves rooms through directory and persists
// messages through store.
func New(directory RoomDirectory, store MessageStore, opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		directory: directory,
		store:     store,
		opts:      opts,
		presence:  newPresenceTracker(opts.TypingTTL),
		log:       opts.Logger.WithField("comp", "hub"),
		rooms:     make(map[uint]*Room),
		sessions:  make(map[string]*Session),
	}
}

// Room returns the live room for id, resolving it through the directory the
// first time it is requested.
func (h *Hub) Room(ctx context.Context, id uint) (*Room, error) {
	h.mu.RLock()
	room := h.rooms[id]
	h.mu.RUnlock()
	if room != nil {
		return room, nil
	}

	info, err := h.directory.LookupRoom(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("lookup room %d: %w", id, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if room = h.rooms[id]; room == nil {
		room = newRoom(info, h.store, h.evict, h.log)
		h.rooms[id] = room
	}
	return room, nil
}

// Connect creates a session for identity in roomID, starts its write pump
// and attaches it to the room.
func (h *Hub) Connect(ctx context.Context, roomID uint, identity Identity, t Transport) (*Session, error) {
	room, err := h.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}

	s := newSession(sid.IdBase64(), identity, roomID, t, h.opts, h.log.WithField("comp", "session"))
	s.terminate = func(reason error) { h.Disconnect(s.ID(), reason) }

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil, ErrShutdown
	}
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		s.writePump()
	}()

	metrics.Sessions.Inc()
	room.Attach(s)

	s.log.WithField("username", identity.Username).Info("session connected")
	return s, nil
}

// Disconnect removes the session, clears its typing indicator, detaches it
// from its room and closes it with reason. It reports false if the session
// was already gone, which makes repeated calls harmless.
func (h *Hub) Disconnect(sessionID string, reason error) bool {
	h.mu.Lock()
	s := h.sessions[sessionID]
	if s == nil {
		h.mu.Unlock()
		return false
	}
	delete(h.sessions, sessionID)
	room := h.rooms[s.RoomID()]
	h.mu.Unlock()

	// close before detaching so a concurrent Attach cannot re-add the session
	if room != nil {
		h.presence.clear(room, s)
	}
	s.Close(reason)
	if room != nil {
		room.Detach(sessionID)
	}

	metrics.Sessions.Dec()
	metrics.Disconnects.WithLabelValues(reasonLabel(reason)).Inc()

	entry := s.log
	if reason != nil {
		entry = entry.WithError(reason)
	}
	entry.Info("session disconnected")
	return true
}

func (h *Hub) evict(s *Session, reason error) {
	h.Disconnect(s.ID(), reason)
}

// Route dispatches one decoded client frame. Unknown frame types are ignored.
func (h *Hub) Route(ctx context.Context, sessionID string, in protocol.Inbound) error {
	h.mu.RLock()
	s := h.sessions[sessionID]
	var room *Room
	if s != nil {
		room = h.rooms[s.RoomID()]
	}
	h.mu.RUnlock()
	if s == nil || room == nil {
		return ErrSessionClosed
	}

	switch in.Type {
	case protocol.TypeMessage:
		if err := room.BroadcastMessage(ctx, s, in.Content); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				h.reply(s, protocol.TypeError, protocol.NewError(verr.Error()))
				return nil
			}
			s.log.WithError(err).Error("error broadcasting message")
			h.reply(s, protocol.TypeError, protocol.NewError("failed to send message"))
		}

	case protocol.TypeTyping:
		if in.IsTyping {
			h.presence.touch(room, s)
		} else {
			h.presence.cancel(room.ID(), s.Identity().Username)
		}
		room.BroadcastTyping(s, in.IsTyping)

	case protocol.TypePing:
		s.RecordPong()
		h.reply(s, protocol.TypePong, protocol.NewPong())

	default:
		s.log.WithField("type", in.Type).Debug("dropping unknown frame type")
	}
	return nil
}

// reply queues a frame for a single session.
func (h *Hub) reply(s *Session, kind protocol.Type, frame any) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.log.WithError(err).Error("error encoding reply")
		return
	}
	if err := s.Enqueue(kind, data); errors.Is(err, ErrSlowConsumer) {
		h.evict(s, err)
	}
}

// Online returns the live session count for roomID, zero for rooms with no
// sessions yet.
func (h *Hub) Online(roomID uint) int {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Session returns the registered session with id, or nil.
func (h *Hub) Session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown disconnects every session and waits for their write pumps to
// finish, or returns context.DeadlineExceeded when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id, ErrShutdown)
	}
	h.presence.stopAll()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.WithField("sessions", len(ids)).Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some sessions may still be writing")
		return context.DeadlineExceeded
	}
}
