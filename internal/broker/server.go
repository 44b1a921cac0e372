package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yepanywhere/relay/internal/config"
	"github.com/yepanywhere/relay/internal/middleware"
)

// Server wraps the broker in an HTTP server exposing the relay endpoint,
// a health check, and Prometheus metrics.
type Server struct {
	broker  *Broker
	limiter *middleware.RateLimiter
	srv     *http.Server
}

// NewServer wires the routes and rate limiting for a broker.
func NewServer(b *Broker, cfg config.BrokerConfig) *Server {
	s := &Server{
		broker:  b,
		limiter: middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window()),
	}

	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	// Only the upgrade endpoint is rate limited; health and metrics are
	// probed by infrastructure at fixed rates.
	router.Handle("/ws", s.limiter.Middleware(http.HandlerFunc(b.HandleWS)))
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
		// No blanket read/write timeouts: /ws connections are long-lived
		// and manage their own deadlines after the upgrade.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Handler exposes the route table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	waiting, pairs := s.broker.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"uptime":  int64(s.broker.Uptime().Seconds()),
		"waiting": waiting,
		"pairs":   pairs,
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Upgraded connections live for hours; their lifecycle is
			// logged by the broker itself.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf(`{"method": "%s", "path": "%s", "duration_ms": %d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}
