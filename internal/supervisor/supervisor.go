// Package supervisor tracks the agent processes running on the origin and
// exposes them to the gateway's session channel.
package supervisor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yepanywhere/relay/internal/events"
)

// Config tunes terminal-process retention.
type Config struct {
	// Retention is how long completed or failed processes stay visible
	// before the sweeper drops them.
	Retention time.Duration
	// SweepInterval is how often the sweeper runs; zero disables it.
	SweepInterval time.Duration
}

// DefaultConfig keeps finished runs around for an hour.
func DefaultConfig() Config {
	return Config{Retention: time.Hour, SweepInterval: 10 * time.Minute}
}

// StartOptions describes a new agent run.
type StartOptions struct {
	SessionID      string
	ProjectID      string
	Provider       string
	Model          string
	PermissionMode string
}

// Supervisor owns the process table. Lookups by session id come from the
// gateway; creation and mutation come from the origin's local handlers.
type Supervisor struct {
	mu        sync.RWMutex
	procs     map[string]*AgentProcess
	bySession map[string]*AgentProcess

	bus       *events.Bus
	retention time.Duration
	logger    *log.Logger
	stopSweep chan struct{}
	stopOnce  sync.Once
}

// New creates a supervisor publishing lifecycle events on bus.
func New(bus *events.Bus, cfg Config) *Supervisor {
	s := &Supervisor{
		procs:     make(map[string]*AgentProcess),
		bySession: make(map[string]*AgentProcess),
		bus:       bus,
		retention: cfg.Retention,
		logger:    log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
		stopSweep: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// StartProcess registers a new agent run. A session id can host at most
// one process at a time.
func (s *Supervisor) StartProcess(opts StartOptions) (*AgentProcess, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("supervisor: empty session id")
	}

	s.mu.Lock()
	if existing, ok := s.bySession[opts.SessionID]; ok && !existing.State().Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: session %s already has a live process", opts.SessionID)
	}

	p := &AgentProcess{
		id:             uuid.NewString(),
		sessionID:      opts.SessionID,
		projectID:      opts.ProjectID,
		state:          StateStarting,
		permissionMode: opts.PermissionMode,
		provider:       opts.Provider,
		model:          opts.Model,
		createdAt:      time.Now(),
		listeners:      make(map[int]Listener),
		reindex:        s.reindexSession,
	}
	s.procs[p.id] = p
	s.bySession[opts.SessionID] = p
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit("session-started", opts.SessionID, map[string]any{
			"processId": p.id,
			"projectId": opts.ProjectID,
			"provider":  opts.Provider,
			"model":     opts.Model,
		})
	}
	return p, nil
}

// ProcessForSession returns the live process bound to a session id.
func (s *Supervisor) ProcessForSession(sessionID string) (Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return p, true
}

// Get returns a process by its own id.
func (s *Supervisor) Get(id string) (*AgentProcess, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	return p, ok
}

// Snapshot is a point-in-time view of one process for listings.
type Snapshot struct {
	ProcessID      string `json:"processId"`
	SessionID      string `json:"sessionId"`
	ProjectID      string `json:"projectId,omitempty"`
	State          State  `json:"state"`
	PermissionMode string `json:"permissionMode,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// List returns a snapshot of every tracked process.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, Snapshot{
			ProcessID:      p.ID(),
			SessionID:      p.SessionID(),
			ProjectID:      p.ProjectID(),
			State:          p.State(),
			PermissionMode: p.PermissionMode(),
			Provider:       p.Provider(),
			Model:          p.Model(),
		})
	}
	return out
}

// Remove drops a process from the table, publishing session-ended.
func (s *Supervisor) Remove(id string) {
	s.mu.Lock()
	p, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.procs, id)
	if s.bySession[p.SessionID()] == p {
		delete(s.bySession, p.SessionID())
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit("session-ended", p.SessionID(), map[string]any{"processId": id})
	}
}

// Sweep removes terminal processes past the retention window and returns
// how many were dropped.
func (s *Supervisor) Sweep() int {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	var dropped []*AgentProcess
	for id, p := range s.procs {
		p.mu.RLock()
		gone := p.state.Terminal() && !p.endedAt.IsZero() && p.endedAt.Before(cutoff)
		p.mu.RUnlock()
		if gone {
			delete(s.procs, id)
			if s.bySession[p.sessionID] == p {
				delete(s.bySession, p.sessionID)
			}
			dropped = append(dropped, p)
		}
	}
	s.mu.Unlock()

	for _, p := range dropped {
		if s.bus != nil {
			s.bus.Emit("session-ended", p.SessionID(), map[string]any{"processId": p.ID()})
		}
	}
	return len(dropped)
}

func (s *Supervisor) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Printf("swept %d finished processes", removed)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Stop halts the sweeper. Tracked processes are left as they are.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopSweep) })
}

// Stats summarizes the process table.
type Stats struct {
	Total   int
	ByState map[State]int
}

// Stats returns counts by state.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.procs), ByState: make(map[State]int)}
	for _, p := range s.procs {
		st.ByState[p.State()]++
	}
	return st
}

func (s *Supervisor) reindexSession(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.bySession[oldID]
	if !ok {
		return
	}
	delete(s.bySession, oldID)
	s.bySession[newID] = p
}
