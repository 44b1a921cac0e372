// Package httpapi serves the origin's loopback HTTP surface: health,
// version, session listings, logout, metrics, and the local gateway
// WebSocket endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yepanywhere/relay/internal/gateway"
	"github.com/yepanywhere/relay/internal/origin"
	"github.com/yepanywhere/relay/internal/supervisor"
)

// Deps are the collaborators the API surfaces. Dialer is nil when remote
// access is disabled.
type Deps struct {
	Gateway    *gateway.Gateway
	Supervisor *supervisor.Supervisor
	Dialer     *origin.Dialer
	Version    string
}

// Server is the loopback-bound origin API.
type Server struct {
	deps Deps
	srv  *http.Server
}

func NewServer(deps Deps, listenAddr string) *Server {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := &Server{deps: deps}

	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/version", s.handleVersion).Methods("GET")
	router.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	router.HandleFunc("/api/projects", s.handleProjects).Methods("GET")
	router.HandleFunc("/api/relay/status", s.handleRelayStatus).Methods("GET")
	router.HandleFunc("/api/auth/logout", s.handleLogout).Methods("POST")
	router.HandleFunc("/ws", deps.Gateway.HandleWS).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Preflight requests need a matching route for the middleware chain to
	// run; the CORS middleware answers them before this handler is reached.
	router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	s.srv = &http.Server{
		Addr:    listenAddr,
		Handler: router,
		// /ws upgrades are long-lived, so no blanket read/write timeouts.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.deps.Version})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Supervisor.List()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})
	writeJSON(w, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for _, snap := range s.deps.Supervisor.List() {
		if snap.ProjectID != "" {
			counts[snap.ProjectID]++
		}
	}

	type project struct {
		ID           string `json:"id"`
		SessionCount int    `json:"sessionCount"`
	}
	projects := make([]project, 0, len(counts))
	for id, n := range counts {
		projects = append(projects, project{ID: id, SessionCount: n})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })

	writeJSON(w, map[string]interface{}{"projects": projects})
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dialer == nil {
		writeJSON(w, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, struct {
		Enabled bool `json:"enabled"`
		origin.Status
	}{Enabled: true, Status: s.deps.Dialer.Status()})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Gateway.Logout()
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Upgraded connections live for hours; the gateway logs them.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf(`{"method": "%s", "path": "%s", "duration_ms": %d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}
