package hub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/protocol"
)

type outbound struct {
	kind protocol.Type
	data []byte
}

// Session is one authenticated connection bound to a single room. It owns a
// bounded outbound queue drained by its write pump and the heartbeat state
// used to detect dead peers.
type Session struct {
	id       string
	identity Identity
	roomID   uint

	transport    Transport
	capacity     int
	pingInterval time.Duration
	pongGrace    time.Duration
	terminate    func(error)
	log          *logrus.Entry

	mu       sync.Mutex
	queue    []outbound
	lastPong time.Time
	lastPing time.Time
	closed   bool
	reason   error

	wake chan struct{}
	done chan struct{}
}

func newSession(id string, identity Identity, roomID uint, t Transport, opts Options, log *logrus.Entry) *Session {
	return &Session{
		id:           id,
		identity:     identity,
		roomID:       roomID,
		transport:    t,
		capacity:     opts.QueueSize,
		pingInterval: opts.PingInterval,
		pongGrace:    opts.PongGrace,
		terminate:    func(error) {},
		log: log.WithFields(logrus.Fields{
			"session_id": id,
			"room_id":    roomID,
			"user_id":    identity.UserID,
		}),
		lastPong: time.Now(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the user bound to the session.
func (s *Session) Identity() Identity { return s.identity }

// RoomID returns the room the session is attached to.
func (s *Session) RoomID() uint { return s.roomID }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session was closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Enqueue appends an encoded frame to the outbound queue. When the queue is
// full the oldest typing or pong frame is discarded to make room. If only
// undroppable frames are queued, an incoming droppable frame is discarded
// instead, and an incoming undroppable frame fails with ErrSlowConsumer.
func (s *Session) Enqueue(kind protocol.Type, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if len(s.queue) >= s.capacity {
		if i := s.oldestDroppable(); i >= 0 {
			metrics.DroppedFrames.WithLabelValues(string(s.queue[i].kind)).Inc()
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		} else if kind.Droppable() {
			s.mu.Unlock()
			metrics.DroppedFrames.WithLabelValues(string(kind)).Inc()
			return nil
		} else {
			s.mu.Unlock()
			return ErrSlowConsumer
		}
	}

	s.queue = append(s.queue, outbound{kind: kind, data: data})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) oldestDroppable() int {
	for i, f := range s.queue {
		if f.kind.Droppable() {
			return i
		}
	}
	return -1
}

// Pending returns the number of frames waiting to be written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RecordPong marks the peer as alive.
func (s *Session) RecordPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// Close marks the session closed with the given reason and stops the write
// pump, which then closes the transport. Only the first call has any effect.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
}

// writePump drains the outbound queue in order and drives the heartbeat.
// It is the only goroutine that writes to the transport.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	grace := time.NewTimer(s.pongGrace)
	grace.Stop()

	defer func() {
		ticker.Stop()
		grace.Stop()
		if err := s.transport.Close(s.Err()); err != nil {
			s.log.WithError(err).Debug("error closing transport")
		}
	}()

	// windowStart is the ping the armed grace timer belongs to; zero when
	// no grace window is pending. Later pings never push an armed window back.
	var windowStart time.Time

	for {
		select {
		case <-s.done:
			return

		case <-s.wake:
			if err := s.flush(); err != nil {
				s.log.WithError(err).Debug("write failed")
				s.terminate(err)
				return
			}

		case <-ticker.C:
			sentAt, err := s.ping()
			if err != nil {
				s.log.WithError(err).Debug("ping failed")
				s.terminate(err)
				return
			}
			if windowStart.IsZero() {
				windowStart = sentAt
				grace.Reset(s.pongGrace)
			}

		case <-grace.C:
			if s.pongOverdue(windowStart) {
				s.log.Info("no pong within grace window, closing session")
				s.terminate(ErrHeartbeatTimeout)
				return
			}
			windowStart = time.Time{}

			// a ping sent while the window was open may still be unanswered
			if last := s.lastPingAt(); s.pongOverdue(last) {
				windowStart = last
				grace.Reset(s.pongGrace - time.Since(last))
			}
		}
	}
}

func (s *Session) flush() error {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, f := range batch {
			if err := s.transport.WriteText(f.data); err != nil {
				return err
			}
		}
	}
}

func (s *Session) ping() (time.Time, error) {
	now := time.Now()
	s.mu.Lock()
	s.lastPing = now
	s.mu.Unlock()
	return now, s.transport.WritePing()
}

func (s *Session) lastPingAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// pongOverdue reports whether no pong arrived since the ping sent at sentAt.
func (s *Session) pongOverdue(sentAt time.Time) bool {
	if sentAt.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong.Before(sentAt)
}
