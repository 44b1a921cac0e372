package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter enforces a per-IP sliding window on incoming connection
// attempts. The broker sits on the public internet; a client that churns
// registrations or pairing attempts gets cut off here before it reaches
// the pairing tables.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateLimitWindow

	limit  int
	burst  int
	window time.Duration
	logger *log.Logger
	stop   chan struct{}
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window for
// each client IP, with short bursts tolerated up to twice the limit.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}

	rl := &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		limit:   limit,
		burst:   limit * 2,
		window:  window,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from key fits the current window.
// Existing windows are checked under the read lock; the count increment
// races benignly, the limit is soft.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, exists := rl.windows[key]
	if exists && now.Sub(w.windowStart) <= rl.window {
		w.count++
		count := w.count
		rl.mu.RUnlock()

		if count > rl.burst {
			rl.logger.Printf("🚫 ip=%s count=%d burst=%d", key, count, rl.burst)
			return false
		}
		if count > rl.limit {
			rl.logger.Printf("limit exceeded: ip=%s count=%d limit=%d", key, count, rl.limit)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, exists = rl.windows[key]
	if exists && now.Sub(w.windowStart) <= rl.window {
		w.count++
		return w.count <= rl.burst
	}

	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware rejects over-limit requests with 429 before the next handler
// runs. The key is the client IP, honoring the first X-Forwarded-For hop.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			retry := strconv.Itoa(int(rl.window.Seconds()))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retry)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":` + retry + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the requesting IP, preferring the first
// X-Forwarded-For entry set by a fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Stop halts the background cleanup.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// cleanup drops windows old enough that they can no longer affect Allow.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*rl.window {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Stats reports the limiter's current shape for the health surface.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows": len(rl.windows),
		"limit":          rl.limit,
		"burst":          rl.burst,
		"window_seconds": int(rl.window.Seconds()),
	}
}
