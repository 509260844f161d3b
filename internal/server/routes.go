// Package server wires HTTP handlers into a chi router for the chat hub.
package server

import (
	"compress/flate"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/Tyrowin/chathub/internal/metrics"
)

// routes builds the router. The WebSocket endpoint sits outside the REST
// group so it is not wrapped by compression or request timeouts.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Method("GET", "/metrics", metrics.Handler())
	r.Get("/ws", s.dispatcher.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors(s.origins))
		r.Use(rateLimit(s.limiter))
		r.Use(metrics.Middleware)
		r.Use(middleware.Compress(flate.DefaultCompression))
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.requireAuth)

		r.Get("/rooms", s.handleListRooms)
		r.Post("/rooms", s.handleCreateRoom)
		r.Get("/rooms/{id}/messages", s.handleListMessages)
	})

	return r
}
