// Package server implements token bucket rate limiting, per session for
// inbound frames and per client address for REST requests.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// newSessionLimiter allows burst frames, refilled evenly over window.
func newSessionLimiter(burst int, window time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return rate.NewLimiter(rate.Limit(float64(burst)/window.Seconds()), burst)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per key and forgets idle keys.
type keyedLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newKeyedLimiter(perSecond, burst int, ttl time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*limiterEntry),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	entry := k.entries[key]
	if entry == nil {
		entry = &limiterEntry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = entry
	}
	entry.lastSeen = now
	k.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// sweep drops keys idle for longer than the ttl.
func (k *keyedLimiter) sweep(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, entry := range k.entries {
		if now.Sub(entry.lastSeen) > k.ttl {
			delete(k.entries, key)
		}
	}
}

func (k *keyedLimiter) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// run sweeps on every interval until ctx is done.
func (k *keyedLimiter) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.sweep(now)
		}
	}
}

// rateLimit rejects requests over the per address and path budget with 429.
func rateLimit(k *keyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !k.allow(clientIP(r) + " " + r.URL.Path) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
