package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Reclaimer deletes registrations that have not been seen for maxAge,
// skipping usernames that are currently waiting or paired. It sweeps once
// at startup and then on a slow ticker; ownership is not time-critical.
type Reclaimer struct {
	broker   *Broker
	store    Store
	maxAge   time.Duration
	interval time.Duration
	logger   *log.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReclaimer starts the background sweeps. reclaimDays <= 0 disables
// reclamation entirely; registrations then live forever.
func NewReclaimer(b *Broker, store Store, reclaimDays int) *Reclaimer {
	r := &Reclaimer{
		broker:   b,
		store:    store,
		maxAge:   time.Duration(reclaimDays) * 24 * time.Hour,
		interval: 6 * time.Hour,
		logger:   log.New(log.Writer(), "[RECLAIM] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
	if reclaimDays > 0 {
		go r.run()
	} else {
		r.logger.Printf("Reclamation disabled (reclaimDays=%d)", reclaimDays)
	}
	return r
}

// Stop halts the sweeps.
func (r *Reclaimer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reclaimer) run() {
	r.logger.Printf("Started registration reclaimer (maxAge=%s, interval=%s)", r.maxAge, r.interval)
	r.Sweep()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stopCh:
			r.logger.Println("Reclaimer stopped")
			return
		}
	}
}

// Sweep deletes every stale, idle registration and returns how many went.
func (r *Reclaimer) Sweep() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.maxAge)
	stale, err := r.store.StaleBefore(ctx, cutoff)
	if err != nil {
		r.logger.Printf("Sweep failed: %v", err)
		return 0
	}

	removed := 0
	for _, name := range stale {
		if r.broker.UsernameBusy(name) {
			continue
		}
		if err := r.store.Delete(ctx, name); err != nil {
			r.logger.Printf("Failed to delete %s: %v", name, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.broker.metrics.RecordReclaimed(removed)
		r.logger.Printf("Reclaimed %d stale registrations (cutoff %s)", removed, cutoff.Format(time.RFC3339))
	}
	return removed
}
