package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// shardCount spreads entries over independent locks so the cache never
// serializes unrelated tenants on one mutex.
const shardCount = 16

// Fingerprint derives the cache key: a pure function of tenant, the
// normalized question, the sorted document scope, and the pipeline
// version. Anything else (user, session) must not influence it.
func Fingerprint(tenantID, question string, docScope []string, pipelineVersion string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")

	scope := make([]string, len(docScope))
	copy(scope, docScope)
	sort.Strings(scope)

	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	for _, id := range scope {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	h.Write([]byte(pipelineVersion))
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	value     any
	epoch     uint64
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Cache stores answer payloads by fingerprint with single-flight builds.
// Tenant-wide invalidation is O(1): each tenant has a monotonic epoch, and
// entries created under an older epoch are invisible.
type Cache struct {
	ttl    time.Duration
	shards [shardCount]*shard
	group  singleflight.Group

	epochMu sync.Mutex
	epochs  map[string]uint64
}

// New creates a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	c := &Cache{ttl: ttl, epochs: make(map[string]uint64)}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	// Keys are hex SHA-256; the first byte is as good as any hash.
	if len(key) == 0 {
		return c.shards[0]
	}
	return c.shards[int(key[0])%shardCount]
}

func (c *Cache) epoch(tenantID string) uint64 {
	c.epochMu.Lock()
	defer c.epochMu.Unlock()
	return c.epochs[tenantID]
}

// BumpEpoch invalidates every cached entry for the tenant. Callers bump
// after publishing an ingest or delete, so entries served afterwards
// either predate the change (and die here) or were built against it.
func (c *Cache) BumpEpoch(tenantID string) {
	c.epochMu.Lock()
	c.epochs[tenantID]++
	c.epochMu.Unlock()
}

// Get returns the cached value if it is unexpired and the tenant has not
// been invalidated since the entry was built.
func (c *Cache) Get(tenantID, key string) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) || e.epoch != c.epoch(tenantID) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// GetOrBuild returns the cached value or builds it exactly once across
// concurrent callers of the same key. Build errors are never cached.
// The second return reports whether the value came from cache.
func (c *Cache) GetOrBuild(ctx context.Context, tenantID, key string, build func(ctx context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.Get(tenantID, key); ok {
		return v, true, nil
	}

	built := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated the entry between
		// the miss above and this call.
		if v, ok := c.Get(tenantID, key); ok {
			return v, nil
		}
		epoch := c.epoch(tenantID)
		v, err := build(ctx)
		if err != nil {
			return nil, err
		}
		built = true
		c.put(key, v, epoch)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, !built, nil
}

func (c *Cache) put(key string, value any, epoch uint64) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry{value: value, epoch: epoch, expiresAt: time.Now().Add(c.ttl)}
	s.mu.Unlock()
}
