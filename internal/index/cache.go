package index

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/objectstore"
)

// Mode selects the lock an index access takes.
type Mode int

const (
	Read Mode = iota
	Write
)

// Object store keys for a tenant's persisted index pair.
func blobKey(tenant string) string    { return "indexes/" + tenant + "/index.bin" }
func sidecarKey(tenant string) string { return "indexes/" + tenant + "/slots.map" }

// acquireTimeout bounds how long an acquisition waits when every cache
// slot is pinned by in-flight work.
const acquireTimeout = 5 * time.Second

type cacheEntry struct {
	tenant    string
	idx       *Index
	lock      sync.RWMutex
	elem      *list.Element
	dirty     atomic.Bool
	lastFlush time.Time
	inUse     int // guarded by Cache.mu
}

// Cache is a bounded LRU of loaded per-tenant indexes. Misses load the
// blob and sidecar from the object store; evictions persist dirty state
// first. WithIndex provides cooperative reader/writer locking per tenant.
type Cache struct {
	store         objectstore.Store
	dim           int
	capacity      int
	flushInterval time.Duration

	mu          sync.Mutex
	entries     map[string]*cacheEntry
	order       *list.List // front = most recently used
	quarantined map[string]bool

	// onQuarantine, when set, fires once per tenant whose blob fails its
	// checksum, so operators get an audit trail of quarantines.
	onQuarantine func(tenant string)
}

// NewCache creates a Cache bound to the object store.
func NewCache(store objectstore.Store, dim, capacity int, flushInterval time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 10
	}
	return &Cache{
		store:         store,
		dim:           dim,
		capacity:      capacity,
		flushInterval: flushInterval,
		entries:       make(map[string]*cacheEntry),
		order:         list.New(),
		quarantined:   make(map[string]bool),
	}
}

// WithIndex runs fn with the tenant's index under the requested lock mode.
// Multiple readers run concurrently; a writer excludes everything. Any
// write access marks the index dirty regardless of fn's outcome being an
// error, because fn may have mutated state before failing.
func (c *Cache) WithIndex(ctx context.Context, tenant string, mode Mode, fn func(*Index) error) error {
	entry, err := c.acquire(ctx, tenant)
	if err != nil {
		return err
	}
	defer c.release(entry)

	if mode == Write {
		entry.lock.Lock()
		defer entry.lock.Unlock()
		defer entry.dirty.Store(true)
	} else {
		entry.lock.RLock()
		defer entry.lock.RUnlock()
	}
	if entry.idx == nil {
		return fault.New(fault.KindUnavailable, "index for tenant %s failed to load", tenant)
	}
	return fn(entry.idx)
}

// acquire pins the tenant's entry, loading and evicting as needed.
func (c *Cache) acquire(ctx context.Context, tenant string) (*cacheEntry, error) {
	deadline := time.Now().Add(acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		c.mu.Lock()
		if c.quarantined[tenant] {
			c.mu.Unlock()
			return nil, fault.New(fault.KindUnavailable, "index for tenant %s is quarantined", tenant)
		}
		if entry, ok := c.entries[tenant]; ok {
			entry.inUse++
			c.order.MoveToFront(entry.elem)
			c.mu.Unlock()
			return entry, nil
		}
		if len(c.entries) < c.capacity {
			// Reserve the slot before the load so concurrent acquirers of
			// the same tenant share one entry.
			entry := &cacheEntry{tenant: tenant, inUse: 1, lastFlush: time.Now()}
			entry.elem = c.order.PushFront(entry)
			c.entries[tenant] = entry
			entry.lock.Lock()
			c.mu.Unlock()

			idx, err := c.load(ctx, tenant)
			if err != nil {
				corrupt := errors.Is(err, ErrChecksum)
				var hook func(string)
				c.mu.Lock()
				delete(c.entries, tenant)
				c.order.Remove(entry.elem)
				if corrupt && !c.quarantined[tenant] {
					c.quarantined[tenant] = true
					hook = c.onQuarantine
				}
				c.mu.Unlock()
				entry.lock.Unlock()
				if hook != nil {
					hook(tenant)
				}
				if corrupt {
					return nil, fault.Wrap(fault.KindUnavailable, err, "index for tenant %s is quarantined", tenant)
				}
				return nil, err
			}
			entry.idx = idx
			entry.lock.Unlock()
			return entry, nil
		}

		evicted := c.evictLocked(ctx)
		c.mu.Unlock()
		if evicted {
			continue
		}

		// Every resident entry is pinned: wait briefly for a release.
		if time.Now().After(deadline) {
			return nil, fault.New(fault.KindUnavailable, "index cache saturated")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Cache) release(entry *cacheEntry) {
	c.mu.Lock()
	entry.inUse--
	c.mu.Unlock()
}

// evictLocked removes the least-recently-used unpinned entry, persisting
// it first when dirty. Caller holds c.mu. Returns false when every entry
// is pinned.
func (c *Cache) evictLocked(ctx context.Context) bool {
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if entry.inUse > 0 {
			continue
		}
		if entry.dirty.Load() {
			if err := c.persist(ctx, entry); err != nil {
				slog.Warn("index persist on eviction failed, keeping resident",
					"tenant", entry.tenant, "error", err)
				return false
			}
			entry.dirty.Store(false)
		}
		delete(c.entries, entry.tenant)
		c.order.Remove(elem)
		return true
	}
	return false
}

func (c *Cache) load(ctx context.Context, tenant string) (*Index, error) {
	blob, err := c.store.Read(ctx, blobKey(tenant))
	if errors.Is(err, objectstore.ErrNotExist) {
		// First touch: the index is created lazily on first upsert.
		return New(c.dim), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading index blob for %s: %w", tenant, err)
	}

	side, err := c.store.Read(ctx, sidecarKey(tenant))
	if err != nil {
		return nil, fmt.Errorf("loading index sidecar for %s: %w", tenant, err)
	}

	idx, err := Decode(blob, side)
	if err != nil {
		return nil, fmt.Errorf("decoding index for %s: %w", tenant, err)
	}
	return idx, nil
}

// persist writes the sidecar first, then the blob, both atomically.
// Decode validates the pair, so a crash between the two writes is caught
// at the next load rather than silently mixing generations.
func (c *Cache) persist(ctx context.Context, entry *cacheEntry) error {
	entry.lock.RLock()
	side, err := entry.idx.EncodeSidecar()
	if err != nil {
		entry.lock.RUnlock()
		return err
	}
	blob := entry.idx.EncodeBlob()
	entry.lock.RUnlock()

	if err := c.store.WriteAtomic(ctx, sidecarKey(entry.tenant), side); err != nil {
		return fmt.Errorf("persisting sidecar for %s: %w", entry.tenant, err)
	}
	if err := c.store.WriteAtomic(ctx, blobKey(entry.tenant), blob); err != nil {
		return fmt.Errorf("persisting blob for %s: %w", entry.tenant, err)
	}
	entry.lastFlush = time.Now()
	return nil
}

// Flush persists the tenant's index now if it is resident and dirty.
func (c *Cache) Flush(ctx context.Context, tenant string) error {
	c.mu.Lock()
	entry, ok := c.entries[tenant]
	if ok {
		entry.inUse++
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	defer c.release(entry)

	if err := c.persist(ctx, entry); err != nil {
		return err
	}
	entry.dirty.Store(false)
	return nil
}

// FlushAll persists every dirty resident index. Used at shutdown.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	tenants := make([]string, 0, len(c.entries))
	for tenant, entry := range c.entries {
		if entry.dirty.Load() {
			tenants = append(tenants, tenant)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, tenant := range tenants {
		if err := c.Flush(ctx, tenant); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run flushes dirty indexes at most once per flush interval per tenant
// until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if c.flushInterval <= 0 {
		c.flushInterval = 30 * time.Second
	}
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushStale(ctx)
		}
	}
}

func (c *Cache) flushStale(ctx context.Context) {
	cutoff := time.Now().Add(-c.flushInterval)
	c.mu.Lock()
	var due []string
	for tenant, entry := range c.entries {
		if entry.dirty.Load() && entry.lastFlush.Before(cutoff) {
			due = append(due, tenant)
		}
	}
	c.mu.Unlock()

	for _, tenant := range due {
		if err := c.Flush(ctx, tenant); err != nil {
			slog.Warn("background index flush failed", "tenant", tenant, "error", err)
		}
	}
}

// SetQuarantineHook registers a callback fired the first time a tenant's
// index is quarantined. Set before any WithIndex call.
func (c *Cache) SetQuarantineHook(fn func(tenant string)) {
	c.mu.Lock()
	c.onQuarantine = fn
	c.mu.Unlock()
}

// Quarantined reports whether a tenant's index failed its checksum and
// was taken out of service.
func (c *Cache) Quarantined(tenant string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quarantined[tenant]
}
