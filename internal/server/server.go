// Package server constructs and starts the chat hub HTTP service with
// helpers that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/chathub/internal/config"
	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/store"
)

// Authenticator resolves a bearer access token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (hub.Identity, error)
}

// Store is the persistence the REST handlers need.
type Store interface {
	hub.RoomDirectory
	ListRooms(ctx context.Context) ([]store.Room, error)
	CreateRoom(ctx context.Context, name string, ownerID uint) (store.Room, error)
	ListMessages(ctx context.Context, roomID uint, limit int, beforeID uint) ([]store.MessageView, error)
	Ping(ctx context.Context) error
}

// Server owns the router and the HTTP listener.
type Server struct {
	config     *config.Config
	hub        *hub.Hub
	store      Store
	auth       Authenticator
	dispatcher *Dispatcher
	origins    *originPolicy
	limiter    *keyedLimiter
	router     chi.Router
	httpServer *http.Server
	log        *logrus.Entry
	started    time.Time

	stopSweep context.CancelFunc
}

// NewServer creates a Server for the passed in configuration. Routes are
// wired immediately so Router can be served by tests without Start.
func NewServer(cfg *config.Config, h *hub.Hub, st Store, authn Authenticator, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("comp", "server")
	origins := newOriginPolicy(cfg.Origins(), log)

	s := &Server{
		config:  cfg,
		hub:     h,
		store:   st,
		auth:    authn,
		origins: origins,
		limiter: newKeyedLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst, 2*time.Minute),
		log:     log,
		started: time.Now(),
	}
	s.dispatcher = NewDispatcher(h, authn, origins, DispatcherConfig{
		MaxFrameBytes: cfg.MaxFrameBytes,
		ReadWait:      2*cfg.PingIntervalDuration() + cfg.PongGraceDuration(),
		RateBurst:     cfg.RateLimitBurst,
		RateWindow:    cfg.RateLimitWindow(),
	}, logger.WithField("comp", "server"))
	s.router = s.routes()

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	go s.limiter.run(sweepCtx, 30*time.Second)

	return s
}

// Router returns the HTTP handler for all routes.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start binds the configured address and serves until Shutdown. It returns
// nil when the server was shut down cleanly.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithField("addr", s.httpServer.Addr).Info("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight REST requests.
// WebSocket sessions are closed by the hub's own shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	s.stopSweep()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.WithError(err).Error("http server shutdown error")
		return err
	}
	s.log.Info("http server shutdown completed")
	return nil
}
