// Package metrics exposes the Prometheus collectors recorded by the hub and
// the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sessions is the number of live WebSocket sessions.
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chathub_ws_sessions",
		Help: "Current number of attached websocket sessions",
	})
	// MessagesTotal counts messages persisted and fanned out.
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chathub_ws_messages_total",
		Help: "Total number of chat messages broadcast",
	})
	// DroppedFrames counts outbound frames discarded under backpressure.
	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_ws_dropped_frames_total",
		Help: "Outbound frames dropped because a session queue was full",
	}, []string{"type"})
	// Disconnects counts session terminations by reason.
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_ws_disconnects_total",
		Help: "Sessions closed, by reason",
	}, []string{"reason"})
	// HTTPRequests counts REST requests.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chathub_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	// HTTPDuration observes REST request latency.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chathub_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(Sessions, MessagesTotal, DroppedFrames, Disconnects, HTTPRequests, HTTPDuration)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latencies labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(status)}
		HTTPRequests.With(labels).Inc()
		HTTPDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
