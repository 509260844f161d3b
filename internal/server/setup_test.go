package server_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/config"
	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/server"
	"github.com/Tyrowin/chathub/internal/store"
	"github.com/Tyrowin/chathub/internal/testhelpers"
)

const testSecret = "test-secret"

// testEnv is a fully wired hub behind an httptest server with two users and
// seven rooms, the last of which has id 7.
type testEnv struct {
	srv   *httptest.Server
	hub   *hub.Hub
	store *store.Store
	cfg   *config.Config

	alice store.User
	bob   store.User
	room  store.Room
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	cfg := config.NewConfig()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = testhelpers.TestOrigin
	cfg.HTTPRateLimit = 1000
	cfg.HTTPRateBurst = 1000
	cfg.RateLimitBurst = 1000
	if customize != nil {
		customize(cfg)
	}
	cfg.Sanitize()

	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)

	env := &testEnv{store: st, cfg: cfg}
	env.alice, err = st.CreateUser(ctx, "alice", "x")
	require.NoError(t, err)
	env.bob, err = st.CreateUser(ctx, "bob", "x")
	require.NoError(t, err)
	for i := 1; i <= 7; i++ {
		env.room, err = st.CreateRoom(ctx, fmt.Sprintf("room-%d", i), env.alice.ID)
		require.NoError(t, err)
	}
	require.Equal(t, uint(7), env.room.ID)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	env.hub = hub.New(st, st, hub.Options{
		QueueSize:    cfg.QueueSize,
		PingInterval: cfg.PingIntervalDuration(),
		PongGrace:    cfg.PongGraceDuration(),
		TypingTTL:    cfg.TypingTTLDuration(),
		Logger:       logger,
	})
	srv := server.NewServer(cfg, env.hub, st, auth.NewVerifier(testSecret, st), logger)
	env.srv = httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		_ = env.hub.Shutdown(2 * time.Second)
		env.srv.Close()
		_ = srv.Shutdown(context.Background())
		_ = st.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, user store.User) string {
	return testhelpers.SignToken(t, testSecret, user.ID, time.Minute)
}

func (e *testEnv) url(path string) string {
	return e.srv.URL + path
}
