package stream

import (
	"context"
	"sync"
	"time"
)

// defaultCacheCapacity bounds the local session mirror when no capacity is
// configured.
const defaultCacheCapacity = 1024

// CachedStore wraps a Store with a bounded, process-private, best-effort
// mirror of session records to avoid a durable-store round trip on the hot
// read path.
//
// The cache is purely a latency optimization and never the source of truth:
// entries are updated only after the durable write succeeds, other processes
// never invalidate them, and bounded staleness is acceptable for status-only
// reads. The worst case is a stale "active" read immediately after another
// instance cancels; the dispatcher re-validates against terminal-state
// no-ops, and CountActive always bypasses the cache so admission is never
// undercounted.
type CachedStore struct {
	Store

	mu       sync.Mutex
	entries  map[string]*Session
	order    []string
	capacity int
}

// NewCachedStore wraps inner with a local cache holding at most capacity
// entries. A capacity of zero or less selects the default.
func NewCachedStore(inner Store, capacity int) *CachedStore {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &CachedStore{
		Store:    inner,
		entries:  make(map[string]*Session, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// Create persists the session durably, then mirrors it locally.
func (c *CachedStore) Create(ctx context.Context, sess *Session) error {
	if err := c.Store.Create(ctx, sess); err != nil {
		return err
	}
	c.put(sess)
	return nil
}

// Get serves from the local mirror when possible, falling back to the
// durable store and populating the mirror on a miss.
func (c *CachedStore) Get(ctx context.Context, id string) (*Session, error) {
	c.mu.Lock()
	if sess, ok := c.entries[id]; ok {
		cp := *sess
		c.mu.Unlock()
		return &cp, nil
	}
	c.mu.Unlock()

	sess, err := c.Store.Get(ctx, id)
	if err != nil || sess == nil {
		return sess, err
	}
	c.put(sess)
	return sess, nil
}

// UpdateStatus writes durably first; the mirror is overwritten only after
// the durable write succeeds so a failed write never poisons local reads.
func (c *CachedStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if err := c.Store.UpdateStatus(ctx, id, status); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.entries[id]; ok && !sess.Status.Terminal() {
		sess.Status = status
		sess.UpdatedAt = time.Now()
	}
	return nil
}

// Delete removes the session durably and locally.
func (c *CachedStore) Delete(ctx context.Context, id string) error {
	if err := c.Store.Delete(ctx, id); err != nil {
		return err
	}
	c.evict(id)
	return nil
}

// PurgeSessionsBefore bypasses the mirror for the delete but drops local
// entries older than the cutoff so reaped sessions do not linger.
func (c *CachedStore) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := c.Store.PurgeSessionsBefore(ctx, cutoff)
	if err != nil {
		return removed, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, id := range c.order {
		if sess, ok := c.entries[id]; ok && sess.CreatedAt.Before(cutoff) {
			delete(c.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return removed, nil
}

// GetFresh reads the session from the durable store, bypassing the mirror,
// and refreshes the mirror with the result. Cancellation polling uses it so
// a status written by another process is observed.
func (c *CachedStore) GetFresh(ctx context.Context, id string) (*Session, error) {
	sess, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		c.evict(id)
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	c.put(sess)
	return sess, nil
}

// put stores a copy of sess, evicting the oldest entry at capacity.
func (c *CachedStore) put(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[sess.ID]; !ok {
		if len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, sess.ID)
	}
	cp := *sess
	c.entries[sess.ID] = &cp
}

// evict drops a single entry from the mirror.
func (c *CachedStore) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, key := range c.order {
		if key == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Verify CachedStore implements Store.
var _ Store = (*CachedStore)(nil)
