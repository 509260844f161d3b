package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chathub/internal/hub"
)

// fakeTransport records written frames and optionally answers pings.
type fakeTransport struct {
	frames chan []byte

	mu      sync.Mutex
	onPing  func()
	pings   int
	reason  error
	closed  bool
	release chan struct{}

	closedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:   make(chan []byte, 1024),
		closedCh: make(chan struct{}),
	}
}

// newBlockingTransport returns a transport whose writes hang until the test ends.
func newBlockingTransport(t *testing.T) *fakeTransport {
	ft := newFakeTransport()
	ft.release = make(chan struct{})
	t.Cleanup(func() { close(ft.release) })
	return ft
}

func (f *fakeTransport) WriteText(data []byte) error {
	if f.release != nil {
		<-f.release
		return net.ErrClosed
	}
	f.frames <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	f.pings++
	onPing := f.onPing
	f.mu.Unlock()
	if onPing != nil {
		onPing()
	}
	return nil
}

func (f *fakeTransport) Close(reason error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.reason = reason
		close(f.closedCh)
	}
	return nil
}

// answerPings makes the transport behave like a live client.
func (f *fakeTransport) answerPings(s *hub.Session) {
	f.mu.Lock()
	f.onPing = s.RecordPong
	f.mu.Unlock()
}

func (f *fakeTransport) closeReason() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// frame is the union of all outbound frame fields.
type frame struct {
	Type      string    `json:"type"`
	ID        uint      `json:"id"`
	RoomID    uint      `json:"room_id"`
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Online    int       `json:"online"`
	IsTyping  bool      `json:"is_typing"`
	CreatedAt time.Time `json:"created_at"`
	raw       []byte
}

func (f *fakeTransport) next(t *testing.T) frame {
	t.Helper()
	select {
	case data := <-f.frames:
		var fr frame
		require.NoError(t, json.Unmarshal(data, &fr))
		fr.raw = data
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (f *fakeTransport) expect(t *testing.T, typ string) frame {
	t.Helper()
	fr := f.next(t)
	require.Equal(t, typ, fr.Type, "unexpected frame %s", string(fr.raw))
	return fr
}

func (f *fakeTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-f.frames:
		t.Fatalf("expected no frame, got %s", string(data))
	case <-time.After(wait):
	}
}

// fakeStore implements both hub ports.
type fakeStore struct {
	mu       sync.Mutex
	rooms    map[uint]string
	messages []string
	nextID   uint
	fail     error
}

func newFakeStore(roomIDs ...uint) *fakeStore {
	st := &fakeStore{rooms: make(map[uint]string)}
	for _, id := range roomIDs {
		st.rooms[id] = "room"
	}
	return st
}

func (s *fakeStore) LookupRoom(_ context.Context, id uint) (hub.RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.rooms[id]
	if !ok {
		return hub.RoomInfo{}, hub.ErrRoomNotFound
	}
	return hub.RoomInfo{ID: id, Name: name}, nil
}

func (s *fakeStore) SaveMessage(_ context.Context, _, _ uint, content string) (hub.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return hub.StoredMessage{}, s.fail
	}
	s.nextID++
	s.messages = append(s.messages, content)
	return hub.StoredMessage{ID: s.nextID, CreatedAt: time.Now().UTC()}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

var errStoreDown = errors.New("store down")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestHub(t *testing.T, store *fakeStore, customize func(*hub.Options)) *hub.Hub {
	t.Helper()
	opts := hub.Options{
		QueueSize:    64,
		PingInterval: time.Hour,
		PongGrace:    time.Hour,
		TypingTTL:    3 * time.Second,
		Logger:       quietLogger(),
	}
	if customize != nil {
		customize(&opts)
	}
	h := hub.New(store, store, opts)
	t.Cleanup(func() { _ = h.Shutdown(2 * time.Second) })
	return h
}

func connect(t *testing.T, h *hub.Hub, roomID, userID uint, name string) (*hub.Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s, err := h.Connect(context.Background(), roomID, hub.Identity{UserID: userID, Username: name}, ft)
	require.NoError(t, err)
	return s, ft
}
