package hub

import (
	"sync"
	"time"
)

type typingKey struct {
	roomID   uint
	username string
}

type typingEntry struct {
	timer *time.Timer
	who   Identity
}

// presenceTracker expires typing indicators that were never cleared. There
// is at most one entry per room and username; a new typing:true resets it.
type presenceTracker struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
}

func newPresenceTracker(ttl time.Duration) *presenceTracker {
	return &presenceTracker{
		ttl:     ttl,
		entries: make(map[typingKey]*typingEntry),
	}
}

// touch starts or restarts the expiry timer for the sender in room.
func (p *presenceTracker) touch(room *Room, sender *Session) {
	key := typingKey{roomID: room.ID(), username: sender.Identity().Username}
	entry := &typingEntry{who: sender.Identity()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.entries[key]; prev != nil {
		prev.timer.Stop()
	}
	entry.timer = time.AfterFunc(p.ttl, func() { p.expire(room, key, entry) })
	p.entries[key] = entry
}

func (p *presenceTracker) expire(room *Room, key typingKey, entry *typingEntry) {
	p.mu.Lock()
	if p.entries[key] != entry {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	room.broadcastTyping(entry.who, false)
}

// cancel drops the entry for username in roomID and reports whether one was active.
func (p *presenceTracker) cancel(roomID uint, username string) bool {
	key := typingKey{roomID: roomID, username: username}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[key]
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	delete(p.entries, key)
	return true
}

// clear is called when a session leaves; remaining members get an implicit
// typing:false if the user was still marked as typing.
func (p *presenceTracker) clear(room *Room, s *Session) {
	if p.cancel(room.ID(), s.Identity().Username) {
		room.broadcastTyping(s.Identity(), false)
	}
}

// active reports whether an entry exists for username in roomID.
func (p *presenceTracker) active(roomID uint, username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[typingKey{roomID: roomID, username: username}]
	return ok
}

func (p *presenceTracker) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		entry.timer.Stop()
		delete(p.entries, key)
	}
}
