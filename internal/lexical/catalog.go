package lexical

import (
	"context"
	"fmt"
	"sync"
)

// ChunkSource supplies the live chunk set for a tenant.
type ChunkSource interface {
	ListLiveChunkTexts(tenantID string) (chunkIDs []string, texts []string, err error)
}

// Catalog memoizes one BM25 index per tenant. Indexes are built lazily on
// the first search after an invalidation; ingest and delete paths call
// Invalidate instead of rebuilding inline.
type Catalog struct {
	source ChunkSource

	mu      sync.Mutex
	indexes map[string]*tenantIndex
}

type tenantIndex struct {
	mu         sync.Mutex
	generation uint64
	builtGen   uint64
	ix         *bm25Index
}

// NewCatalog creates a Catalog over the given chunk source.
func NewCatalog(source ChunkSource) *Catalog {
	return &Catalog{source: source, indexes: make(map[string]*tenantIndex)}
}

func (c *Catalog) tenant(tenantID string) *tenantIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	ti, ok := c.indexes[tenantID]
	if !ok {
		ti = &tenantIndex{generation: 1}
		c.indexes[tenantID] = ti
	}
	return ti
}

// Invalidate marks a tenant's index stale. The rebuild is deferred to the
// next Search call.
func (c *Catalog) Invalidate(tenantID string) {
	ti := c.tenant(tenantID)
	ti.mu.Lock()
	ti.generation++
	ti.mu.Unlock()
}

// Search runs BM25 over the tenant's live chunks, rebuilding the index
// first if the chunk set changed since the last build.
func (c *Catalog) Search(ctx context.Context, tenantID, query string, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ti := c.tenant(tenantID)

	ti.mu.Lock()
	defer ti.mu.Unlock()

	if ti.ix == nil || ti.builtGen != ti.generation {
		chunkIDs, texts, err := c.source.ListLiveChunkTexts(tenantID)
		if err != nil {
			return nil, fmt.Errorf("loading chunks for lexical index: %w", err)
		}
		ti.ix = build(chunkIDs, texts)
		ti.builtGen = ti.generation
	}

	return ti.ix.search(query, k), nil
}
