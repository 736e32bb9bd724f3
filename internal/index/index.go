package index

import (
	"container/heap"
	"fmt"
	"sort"
)

// Hit is one search result: a live slot, the chunk it maps to, and the
// inner-product score against the query.
type Hit struct {
	Slot    int64
	ChunkID string
	Score   float32
}

// Index is a per-tenant inner-product index over unit vectors. Slots are
// assigned contiguously by Upsert and stay stable until a compaction.
// Removed slots are tombstoned and skipped by searches.
type Index struct {
	dim        int
	vectors    []float32 // len = slots*dim
	chunkIDs   []string  // slot -> chunk id
	tombstones []bool
	tombstoned int
}

// compactionThreshold triggers a rewrite once more than a quarter of the
// slots are tombstoned.
const compactionThreshold = 0.25

// New creates an empty index with the given dimensionality.
func New(dim int) *Index {
	return &Index{dim: dim}
}

func (ix *Index) Dim() int { return ix.dim }

// Slots returns the total slot count, including tombstoned slots.
func (ix *Index) Slots() int { return len(ix.chunkIDs) }

// Live returns the number of searchable slots.
func (ix *Index) Live() int { return len(ix.chunkIDs) - ix.tombstoned }

// Upsert appends vectors contiguously and returns the assigned slots.
// Vectors must be unit-normalized by the caller and match the index
// dimensionality.
func (ix *Index) Upsert(vectors [][]float32, chunkIDs []string) ([]int64, error) {
	if len(vectors) != len(chunkIDs) {
		return nil, fmt.Errorf("got %d vectors for %d chunk ids", len(vectors), len(chunkIDs))
	}
	for i, v := range vectors {
		if len(v) != ix.dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), ix.dim)
		}
	}

	slots := make([]int64, len(vectors))
	for i, v := range vectors {
		slots[i] = int64(len(ix.chunkIDs))
		ix.vectors = append(ix.vectors, v...)
		ix.chunkIDs = append(ix.chunkIDs, chunkIDs[i])
		ix.tombstones = append(ix.tombstones, false)
	}
	return slots, nil
}

// Remove tombstones the given slots. Unknown or already-tombstoned slots
// are ignored.
func (ix *Index) Remove(slots []int64) {
	for _, slot := range slots {
		if slot < 0 || slot >= int64(len(ix.tombstones)) || ix.tombstones[slot] {
			continue
		}
		ix.tombstones[slot] = true
		ix.tombstoned++
	}
}

// NeedsCompaction reports whether the tombstone ratio exceeds the
// compaction threshold.
func (ix *Index) NeedsCompaction() bool {
	if len(ix.chunkIDs) == 0 {
		return false
	}
	return float64(ix.tombstoned)/float64(len(ix.chunkIDs)) > compactionThreshold
}

// CompactionPlan computes the old-to-new slot mapping a compaction would
// apply, without mutating the index. Callers rewrite the relational slot
// references in one transaction against this plan before calling Compact,
// so a failed rewrite leaves both sides untouched.
func (ix *Index) CompactionPlan() map[int64]int64 {
	remap := make(map[int64]int64, ix.Live())
	next := int64(0)
	for slot := 0; slot < len(ix.chunkIDs); slot++ {
		if ix.tombstones[slot] {
			continue
		}
		remap[int64(slot)] = next
		next++
	}
	return remap
}

// Compact rewrites the index without tombstoned slots and returns the
// old-to-new slot mapping for live slots. Slot order is preserved, so
// search results are unchanged apart from slot renumbering.
func (ix *Index) Compact() map[int64]int64 {
	remap := make(map[int64]int64, ix.Live())
	newVectors := make([]float32, 0, ix.Live()*ix.dim)
	newChunkIDs := make([]string, 0, ix.Live())

	for slot := 0; slot < len(ix.chunkIDs); slot++ {
		if ix.tombstones[slot] {
			continue
		}
		remap[int64(slot)] = int64(len(newChunkIDs))
		newVectors = append(newVectors, ix.vectors[slot*ix.dim:(slot+1)*ix.dim]...)
		newChunkIDs = append(newChunkIDs, ix.chunkIDs[slot])
	}

	ix.vectors = newVectors
	ix.chunkIDs = newChunkIDs
	ix.tombstones = make([]bool, len(newChunkIDs))
	ix.tombstoned = 0
	return remap
}

// slotHit tracks a candidate during the scan. The heap root is always the
// current worst candidate: lowest score, ties resolved so the larger slot
// is evicted first.
type slotHit struct {
	slot  int64
	score float32
}

type slotHitHeap []slotHit

func (h slotHitHeap) Len() int { return len(h) }
func (h slotHitHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].slot > h[j].slot
}
func (h slotHitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *slotHitHeap) Push(x any)        { *h = append(*h, x.(slotHit)) }
func (h *slotHitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search returns the top-k live slots by dot product against query.
// Ties break toward the smaller slot. Vectors are unit length, so dot
// product equals cosine similarity.
func (ix *Index) Search(query []float32, k int) []Hit {
	if k <= 0 || len(query) != ix.dim || ix.Live() == 0 {
		return nil
	}

	h := &slotHitHeap{}
	heap.Init(h)

	for slot := 0; slot < len(ix.chunkIDs); slot++ {
		if ix.tombstones[slot] {
			continue
		}
		score := dot(query, ix.vectors[slot*ix.dim:(slot+1)*ix.dim])
		cand := slotHit{slot: int64(slot), score: score}
		if h.Len() < k {
			heap.Push(h, cand)
			continue
		}
		root := (*h)[0]
		if score > root.score || (score == root.score && cand.slot < root.slot) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := range hits {
		sh := (*h)[i]
		hits[i] = Hit{Slot: sh.slot, ChunkID: ix.chunkIDs[sh.slot], Score: sh.score}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Slot < hits[j].Slot
	})
	return hits
}

func dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
