package broker

import (
	"context"
	"sync"
	"time"
)

// Registration is the persisted ownership record for a username. The
// (username, installId) tuple lets the same origin re-register after a
// disconnect while keeping the name away from everyone else.
type Registration struct {
	Username    string
	InstallID   string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Store persists registrations across broker restarts. Get returns
// (nil, nil) when no record exists.
type Store interface {
	Get(ctx context.Context, username string) (*Registration, error)
	Upsert(ctx context.Context, reg *Registration) error
	// StaleBefore lists usernames whose lastSeenAt is older than cutoff.
	StaleBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, username string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps registrations in a map. Used by tests and by brokers
// run without a data directory.
type MemoryStore struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{regs: make(map[string]Registration)}
}

func (s *MemoryStore) Get(_ context.Context, username string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[username]
	if !ok {
		return nil, nil
	}
	return &reg, nil
}

func (s *MemoryStore) Upsert(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.Username] = *reg
	return nil
}

func (s *MemoryStore) StaleBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []string
	for name, reg := range s.regs {
		if reg.LastSeenAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	return stale, nil
}

func (s *MemoryStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regs, username)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regs), nil
}

func (s *MemoryStore) Close() error { return nil }
