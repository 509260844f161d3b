package hub_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/protocol"
)

// TestConnectBroadcastsJoin verifies that attaching sessions announces each
// arrival to everyone, the newcomer included, with the updated online count.
func TestConnectBroadcastsJoin(t *testing.T) {
	h := newTestHub(t, newFakeStore(7), nil)

	_, a := connect(t, h, 7, 1, "alice")
	join := a.expect(t, "join")
	assert.Equal(t, uint(7), join.RoomID)
	assert.Equal(t, uint(1), join.UserID)
	assert.Equal(t, "alice", join.Username)
	assert.Equal(t, 1, join.Online)

	_, b := connect(t, h, 7, 2, "bob")
	assert.Equal(t, 2, a.expect(t, "join").Online)
	assert.Equal(t, 2, b.expect(t, "join").Online)
	assert.Equal(t, 2, h.Online(7))
}

// TestConnectUnknownRoom checks that an unknown room id never creates a session.
func TestConnectUnknownRoom(t *testing.T) {
	h := newTestHub(t, newFakeStore(7), nil)

	s, err := h.Connect(context.Background(), 99, hub.Identity{UserID: 1, Username: "alice"}, newFakeTransport())
	require.ErrorIs(t, err, hub.ErrRoomNotFound)
	assert.Nil(t, s)
	assert.Equal(t, 0, h.SessionCount())
	assert.Equal(t, 0, h.Online(99))
}

// TestOnlineCountUnderConcurrency attaches and detaches sessions from many
// goroutines and checks the count never drifts from the member set.
func TestOnlineCountUnderConcurrency(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.QueueSize = 1024 })

	const n = 40
	sessions := make([]*hub.Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.Connect(context.Background(), 1, hub.Identity{UserID: uint(i + 1), Username: "u"}, newFakeTransport())
			if err == nil {
				sessions[i] = s
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, h.Online(1))

	for i := 0; i < n; i += 2 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h.Disconnect(id, nil)
		}(sessions[i].ID())
	}
	wg.Wait()

	assert.Equal(t, n/2, h.Online(1))
	assert.Equal(t, n/2, h.SessionCount())
}

// TestDisconnectIsIdempotent verifies that closing the same session twice
// produces a single leave broadcast.
func TestDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t, newFakeStore(7), nil)

	_, a := connect(t, h, 7, 1, "alice")
	b, _ := connect(t, h, 7, 2, "bob")
	a.expect(t, "join")
	a.expect(t, "join")

	assert.True(t, h.Disconnect(b.ID(), nil))
	assert.False(t, h.Disconnect(b.ID(), nil))

	room, err := h.Room(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, room.Detach(b.ID()))

	leave := a.expect(t, "leave")
	assert.Equal(t, 1, leave.Online)
	assert.Equal(t, "bob", leave.Username)
	a.expectNone(t, 100*time.Millisecond)
}

// TestBroadcastMessageReachesEveryMember checks that N members receive N
// bit-identical copies carrying the stored id, the sender included.
func TestBroadcastMessageReachesEveryMember(t *testing.T) {
	store := newFakeStore(3)
	h := newTestHub(t, store, nil)

	const n = 5
	sessions := make([]*hub.Session, n)
	transports := make([]*fakeTransport, n)
	for i := 0; i < n; i++ {
		sessions[i], transports[i] = connect(t, h, 3, uint(i+1), "user")
	}
	for i, ft := range transports {
		for j := i; j < n; j++ {
			ft.expect(t, "join")
		}
	}

	require.NoError(t, h.Route(context.Background(), sessions[0].ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: "hello"}))

	first := transports[0].expect(t, "message")
	assert.Equal(t, uint(1), first.ID)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, uint(3), first.RoomID)
	for _, ft := range transports[1:] {
		got := ft.expect(t, "message")
		assert.True(t, bytes.Equal(first.raw, got.raw), "frames differ: %s vs %s", first.raw, got.raw)
	}
	assert.Equal(t, 1, store.count())
}

// TestMessageContentLimits covers the empty, maximum and oversize boundaries.
func TestMessageContentLimits(t *testing.T) {
	store := newFakeStore(1)
	h := newTestHub(t, store, nil)

	alice, a := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	a.expect(t, "join")
	a.expect(t, "join")
	b.expect(t, "join")

	t.Run("oversize is rejected without fan-out", func(t *testing.T) {
		require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: strings.Repeat("x", 2001)}))
		errFrame := a.expect(t, "error")
		assert.Contains(t, errFrame.Content, "2000")
		b.expectNone(t, 100*time.Millisecond)
		assert.Equal(t, 0, store.count())
	})

	t.Run("empty is rejected", func(t *testing.T) {
		require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: "   "}))
		assert.Equal(t, "message content must not be empty", a.expect(t, "error").Content)
		b.expectNone(t, 50*time.Millisecond)
	})

	t.Run("maximum length is accepted", func(t *testing.T) {
		content := strings.Repeat("é", 2000)
		require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: content}))
		assert.Equal(t, content, a.expect(t, "message").Content)
		assert.Equal(t, content, b.expect(t, "message").Content)
		assert.Equal(t, 1, store.count())
	})
}

// TestPersistFailureReportsToSender checks nothing is fanned out without an id.
func TestPersistFailureReportsToSender(t *testing.T) {
	store := newFakeStore(1)
	store.fail = errStoreDown
	h := newTestHub(t, store, nil)

	alice, a := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	a.expect(t, "join")
	a.expect(t, "join")
	b.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: "hi"}))
	assert.Equal(t, "failed to send message", a.expect(t, "error").Content)
	b.expectNone(t, 100*time.Millisecond)
}

// TestTypingIsNotEchoedAndExpires verifies typing fan-out excludes the sender
// and that an uncleared indicator is withdrawn after the TTL.
func TestTypingIsNotEchoedAndExpires(t *testing.T) {
	const ttl = 150 * time.Millisecond
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.TypingTTL = ttl })

	alice, a := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	a.expect(t, "join")
	a.expect(t, "join")
	b.expect(t, "join")

	start := time.Now()
	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}))

	on := b.expect(t, "typing")
	assert.True(t, on.IsTyping)
	assert.Equal(t, "alice", on.Username)

	off := b.expect(t, "typing")
	assert.False(t, off.IsTyping)
	assert.GreaterOrEqual(t, time.Since(start), ttl)

	a.expectNone(t, 50*time.Millisecond)
}

// TestTypingResetExtendsExpiry checks that repeated typing:true keeps a
// single entry alive rather than stacking timeouts.
func TestTypingResetExtendsExpiry(t *testing.T) {
	const ttl = 200 * time.Millisecond
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.TypingTTL = ttl })

	alice, _ := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	b.expect(t, "join")

	typing := protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}
	require.NoError(t, h.Route(context.Background(), alice.ID(), typing))
	b.expect(t, "typing")
	time.Sleep(ttl / 2)
	last := time.Now()
	require.NoError(t, h.Route(context.Background(), alice.ID(), typing))
	b.expect(t, "typing")

	off := b.expect(t, "typing")
	assert.False(t, off.IsTyping)
	assert.GreaterOrEqual(t, time.Since(last), ttl)
	b.expectNone(t, ttl)
}

// TestExplicitTypingFalseCancelsTimer verifies no implicit frame follows an
// explicit typing:false.
func TestExplicitTypingFalseCancelsTimer(t *testing.T) {
	const ttl = 100 * time.Millisecond
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.TypingTTL = ttl })

	alice, _ := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	b.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}))
	b.expect(t, "typing")
	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: false}))
	assert.False(t, b.expect(t, "typing").IsTyping)
	b.expectNone(t, 2*ttl)
}

// TestDisconnectClearsTyping checks that leaving mid-type withdraws the indicator.
func TestDisconnectClearsTyping(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), nil)

	alice, _ := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")
	b.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}))
	b.expect(t, "typing")

	h.Disconnect(alice.ID(), nil)
	off := b.expect(t, "typing")
	assert.False(t, off.IsTyping)
	assert.Equal(t, "alice", off.Username)
	assert.Equal(t, 1, b.expect(t, "leave").Online)
	b.expectNone(t, 100*time.Millisecond)
}

// TestPingRepliesWithPong checks the application-level heartbeat.
func TestPingRepliesWithPong(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), nil)

	alice, a := connect(t, h, 1, 1, "alice")
	a.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypePing}))
	a.expect(t, "pong")
}

// TestUnknownFrameIsDropped verifies forward-compatible handling of new types.
func TestUnknownFrameIsDropped(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), nil)

	alice, a := connect(t, h, 1, 1, "alice")
	a.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: "reaction"}))
	a.expectNone(t, 50*time.Millisecond)
	assert.NotNil(t, h.Session(alice.ID()))
}

func TestRouteUnknownSession(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), nil)
	err := h.Route(context.Background(), "missing", protocol.Inbound{Type: protocol.TypePing})
	assert.ErrorIs(t, err, hub.ErrSessionClosed)
}

// TestHeartbeatTimeout verifies that a peer that never answers pings is closed
// and produces exactly one leave for the remaining members.
func TestHeartbeatTimeout(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) {
		o.PingInterval = 30 * time.Millisecond
		o.PongGrace = 30 * time.Millisecond
	})

	alice, a := connect(t, h, 1, 1, "alice")
	a.answerPings(alice)
	a.expect(t, "join")

	bob, b := connect(t, h, 1, 2, "bob")
	a.expect(t, "join")

	select {
	case <-b.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("unresponsive session was not closed")
	}
	assert.ErrorIs(t, b.closeReason(), hub.ErrHeartbeatTimeout)
	assert.ErrorIs(t, bob.Err(), hub.ErrHeartbeatTimeout)

	leave := a.expect(t, "leave")
	assert.Equal(t, 1, leave.Online)
	a.expectNone(t, 150*time.Millisecond)
	assert.Nil(t, h.Session(bob.ID()))
	assert.NotNil(t, h.Session(alice.ID()))
}

// TestHeartbeatTimeoutGraceLongerThanInterval checks that pings sent while a
// grace window is open do not keep an unresponsive peer alive.
func TestHeartbeatTimeoutGraceLongerThanInterval(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) {
		o.PingInterval = 30 * time.Millisecond
		o.PongGrace = 60 * time.Millisecond
	})

	alice, a := connect(t, h, 1, 1, "alice")
	a.answerPings(alice)
	a.expect(t, "join")

	bob, b := connect(t, h, 1, 2, "bob")
	a.expect(t, "join")

	select {
	case <-b.closedCh:
	case <-time.After(time.Second):
		t.Fatal("unresponsive session was not closed")
	}
	assert.ErrorIs(t, b.closeReason(), hub.ErrHeartbeatTimeout)
	assert.ErrorIs(t, bob.Err(), hub.ErrHeartbeatTimeout)

	leave := a.expect(t, "leave")
	assert.Equal(t, 1, leave.Online)
	a.expectNone(t, 150*time.Millisecond)

	// the answering peer survives several overlapping windows
	assert.NotNil(t, h.Session(alice.ID()))
	assert.False(t, alice.Closed())
}

// TestSlowConsumerIsEvicted fills a stalled session's queue with messages and
// checks it is force closed and reported as a single leave.
func TestSlowConsumerIsEvicted(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.QueueSize = 3 })

	alice, a := connect(t, h, 1, 1, "alice")
	a.expect(t, "join")

	stalled := newBlockingTransport(t)
	bob, err := h.Connect(context.Background(), 1, hub.Identity{UserID: 2, Username: "bob"}, stalled)
	require.NoError(t, err)
	a.expect(t, "join")

	for i := 0; i < 8 && h.Session(bob.ID()) != nil; i++ {
		require.NoError(t, h.Route(context.Background(), alice.ID(), protocol.Inbound{Type: protocol.TypeMessage, Content: "spam"}))
		time.Sleep(10 * time.Millisecond)
	}

	require.Nil(t, h.Session(bob.ID()))
	assert.ErrorIs(t, bob.Err(), hub.ErrSlowConsumer)
	assert.Equal(t, 1, h.Online(1))

	leaves := 0
	for {
		select {
		case data := <-a.frames:
			if strings.Contains(string(data), `"type":"leave"`) {
				leaves++
				assert.Contains(t, string(data), `"online":1`)
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 1, leaves)
}

// TestShutdownClosesSessions checks that shutdown closes every transport.
func TestShutdownClosesSessions(t *testing.T) {
	h := hub.New(newFakeStore(1), newFakeStore(1), hub.Options{Logger: quietLogger()})

	_, a := connect(t, h, 1, 1, "alice")
	_, b := connect(t, h, 1, 2, "bob")

	require.NoError(t, h.Shutdown(2*time.Second))
	for _, ft := range []*fakeTransport{a, b} {
		select {
		case <-ft.closedCh:
		case <-time.After(time.Second):
			t.Fatal("transport not closed")
		}
		assert.ErrorIs(t, ft.closeReason(), hub.ErrShutdown)
	}
	assert.Equal(t, 0, h.SessionCount())

	_, err := h.Connect(context.Background(), 1, hub.Identity{UserID: 3, Username: "carol"}, newFakeTransport())
	assert.ErrorIs(t, err, hub.ErrShutdown)
}

// TestTypingSkipsSendersOtherSessions checks that a user with two sessions in
// a room never sees their own typing indicator, including the expiry.
func TestTypingSkipsSendersOtherSessions(t *testing.T) {
	h := newTestHub(t, newFakeStore(1), func(o *hub.Options) { o.TypingTTL = 50 * time.Millisecond })

	tab1, a1 := connect(t, h, 1, 1, "alice")
	a1.expect(t, "join")
	_, a2 := connect(t, h, 1, 1, "alice")
	a1.expect(t, "join")
	a2.expect(t, "join")
	_, b := connect(t, h, 1, 2, "bob")
	a1.expect(t, "join")
	a2.expect(t, "join")
	b.expect(t, "join")

	require.NoError(t, h.Route(context.Background(), tab1.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}))
	assert.True(t, b.expect(t, "typing").IsTyping)
	assert.False(t, b.expect(t, "typing").IsTyping)

	require.NoError(t, h.Route(context.Background(), tab1.ID(), protocol.Inbound{Type: protocol.TypeTyping, IsTyping: true}))
	assert.True(t, b.expect(t, "typing").IsTyping)
	h.Disconnect(tab1.ID(), nil)
	assert.False(t, b.expect(t, "typing").IsTyping)
	assert.Equal(t, 2, b.expect(t, "leave").Online)

	assert.Equal(t, 2, a2.expect(t, "leave").Online, "the other tab only sees the leave")
	a2.expectNone(t, 100*time.Millisecond)
	a1.expectNone(t, 50*time.Millisecond)
}

// TestShutdownRacingConnect runs connects concurrently with shutdown and
// checks no closed session is left behind as a room member.
func TestShutdownRacingConnect(t *testing.T) {
	for round := 0; round < 30; round++ {
		h := newTestHub(t, newFakeStore(1), nil)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _ = h.Connect(context.Background(), 1, hub.Identity{UserID: uint(i + 1), Username: "u"}, newFakeTransport())
			}(i)
		}
		require.NoError(t, h.Shutdown(2*time.Second))
		wg.Wait()

		assert.Equal(t, 0, h.SessionCount(), "round %d", round)
		assert.Equal(t, 0, h.Online(1), "round %d", round)
	}
}
