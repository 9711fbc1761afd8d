package core

// guard.go implements the single-flight guard around store updates.
//
// The guard is a semaphore with one slot. An update that cannot take the slot
// immediately is rejected with ErrUpdateInProgress rather than queued, so two
// rebuilds can never interleave their backup, drop or swap steps.
//
// WaitForDrain lets shutdown block until an in-flight update finishes.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUpdateInProgress is returned when an update is requested while another
// one holds the guard.
var ErrUpdateInProgress = errors.New("update already in progress")

// UpdateGuard admits at most one update at a time.
type UpdateGuard struct {
	slot chan struct{}

	mu      sync.RWMutex
	active  bool
	started time.Time
}

// NewUpdateGuard returns an idle guard.
func NewUpdateGuard() *UpdateGuard {
	return &UpdateGuard{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the slot without blocking.
// The caller MUST call Release when the update completes.
func (g *UpdateGuard) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		g.mu.Lock()
		g.active = true
		g.started = time.Now()
		g.mu.Unlock()
		return true
	default:
		return false
	}
}

// Release frees the slot. Must be called exactly once per successful acquire.
func (g *UpdateGuard) Release() {
	g.mu.Lock()
	g.active = false
	g.started = time.Time{}
	g.mu.Unlock()

	<-g.slot
}

// Active reports whether an update holds the guard.
func (g *UpdateGuard) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Since returns when the current holder acquired the guard, or the zero time.
func (g *UpdateGuard) Since() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.started
}

// WaitForDrain blocks until no update holds the guard or ctx is cancelled.
func (g *UpdateGuard) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !g.Active() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
