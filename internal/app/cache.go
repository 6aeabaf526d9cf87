package app

import (
	"sync"

	"quiz-session-service/internal/domain"
)

// SnapshotCache is a local write-through view of a session held between
// authoritative snapshots. A caller may apply an optimistic local mutation
// right after a successful operation; the next authoritative snapshot always
// wins wholesale, so the cache can lag but never diverge.
type SnapshotCache struct {
	mu      sync.Mutex
	current domain.Session
	valid   bool
}

// Reconcile replaces the cached view with the authoritative snapshot.
func (c *SnapshotCache) Reconcile(authoritative domain.Session) domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = authoritative
	c.valid = true
	return c.current
}

// ApplyLocal mutates the cached view in place, if one exists. Local edits are
// provisional and overwritten by the next Reconcile.
func (c *SnapshotCache) ApplyLocal(fn func(*domain.Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return
	}
	fn(&c.current)
}

// Current returns the cached view and whether one has been reconciled yet.
func (c *SnapshotCache) Current() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.valid
}
