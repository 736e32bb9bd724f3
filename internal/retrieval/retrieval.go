package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/citebase/citebase/internal/index"
	"github.com/citebase/citebase/internal/lexical"
	"github.com/citebase/citebase/internal/storage"
)

// ScoredChunk is a retrieved chunk carrying its fused score and the raw
// vector score used for tie-breaking and confidence signals.
type ScoredChunk struct {
	ChunkID     string
	DocumentID  string
	Page        int
	Text        string
	TokenCount  int
	Score       float64
	VectorScore float64
}

// QueryEmbedder embeds a single query text into a unit vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkFetcher hydrates chunk rows by id, scoped to a tenant.
type ChunkFetcher interface {
	GetChunksByIDs(tenantID string, ids []string) ([]storage.Chunk, error)
}

// Options bounds one retrieval call.
type Options struct {
	K              int
	KFused         int
	KRRF           int
	SemanticWeight float64
	KeywordWeight  float64
	DocScope       map[string]bool // nil = all documents
}

// Result is the fused retrieval outcome. DenseFailed is set when the
// embedding side failed and only lexical results are present, so the
// pipeline can cap confidence.
type Result struct {
	Chunks      []ScoredChunk
	DenseFailed bool
}

// Hybrid runs dense and lexical retrieval concurrently and fuses the two
// rankings with Reciprocal Rank Fusion.
type Hybrid struct {
	embedder QueryEmbedder
	cache    *index.Cache
	lexical  *lexical.Catalog
	chunks   ChunkFetcher
}

// NewHybrid wires a Hybrid retriever.
func NewHybrid(embedder QueryEmbedder, cache *index.Cache, lex *lexical.Catalog, chunks ChunkFetcher) *Hybrid {
	return &Hybrid{embedder: embedder, cache: cache, lexical: lex, chunks: chunks}
}

// Retrieve returns the fused top chunks for a question. Either retriever
// returning empty falls back to the other's ranking unchanged; both empty
// yields an empty result and the caller short-circuits.
func (h *Hybrid) Retrieve(ctx context.Context, tenantID, question string, opts Options) (Result, error) {
	var denseHits []index.Hit
	var lexHits []lexical.Hit
	denseFailed := false

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vec, err := h.embedder.EmbedQuery(gCtx, question)
		if err != nil {
			// Degraded mode: lexical-only retrieval. Not fatal.
			slog.Warn("query embedding failed, falling back to lexical retrieval", "error", err)
			denseFailed = true
			return nil
		}
		return h.cache.WithIndex(gCtx, tenantID, index.Read, func(ix *index.Index) error {
			denseHits = ix.Search(vec, opts.K)
			return nil
		})
	})
	g.Go(func() error {
		hits, err := h.lexical.Search(gCtx, tenantID, question, opts.K)
		if err != nil {
			return err
		}
		lexHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Hydrate every candidate once, tenant-scoped, then filter by scope.
	idSet := make(map[string]struct{}, len(denseHits)+len(lexHits))
	var ids []string
	for _, hit := range denseHits {
		if _, ok := idSet[hit.ChunkID]; !ok {
			idSet[hit.ChunkID] = struct{}{}
			ids = append(ids, hit.ChunkID)
		}
	}
	for _, hit := range lexHits {
		if _, ok := idSet[hit.ChunkID]; !ok {
			idSet[hit.ChunkID] = struct{}{}
			ids = append(ids, hit.ChunkID)
		}
	}
	if len(ids) == 0 {
		return Result{DenseFailed: denseFailed}, nil
	}

	rows, err := h.chunks.GetChunksByIDs(tenantID, ids)
	if err != nil {
		return Result{}, err
	}
	byID := make(map[string]storage.Chunk, len(rows))
	for _, row := range rows {
		if opts.DocScope != nil && !opts.DocScope[row.DocumentID] {
			continue
		}
		byID[row.ID] = row
	}

	denseRanked := filterHitsDense(denseHits, byID)
	lexRanked := filterHitsLex(lexHits, byID)

	fused := fuse(denseRanked, lexRanked, opts)
	if len(fused) > opts.KFused {
		fused = fused[:opts.KFused]
	}

	out := make([]ScoredChunk, 0, len(fused))
	for _, f := range fused {
		row := byID[f.chunkID]
		out = append(out, ScoredChunk{
			ChunkID:     row.ID,
			DocumentID:  row.DocumentID,
			Page:        row.Page,
			Text:        row.Text,
			TokenCount:  row.TokenCount,
			Score:       f.score,
			VectorScore: f.vectorScore,
		})
	}
	return Result{Chunks: out, DenseFailed: denseFailed}, nil
}

type fusedHit struct {
	chunkID     string
	score       float64
	vectorScore float64
}

func filterHitsDense(hits []index.Hit, byID map[string]storage.Chunk) []index.Hit {
	out := hits[:0:0]
	for _, h := range hits {
		if _, ok := byID[h.ChunkID]; ok {
			out = append(out, h)
		}
	}
	return out
}

func filterHitsLex(hits []lexical.Hit, byID map[string]storage.Chunk) []lexical.Hit {
	out := hits[:0:0]
	for _, h := range hits {
		if _, ok := byID[h.ChunkID]; ok {
			out = append(out, h)
		}
	}
	return out
}

// fuse applies weighted Reciprocal Rank Fusion over the two rankings and
// min-max normalizes the combined scores into [0,1]. If one side is
// empty, the other ranking passes through with rank-derived scores.
func fuse(dense []index.Hit, lex []lexical.Hit, opts Options) []fusedHit {
	scores := make(map[string]float64)
	vectorScores := make(map[string]float64)

	for rank, hit := range dense {
		scores[hit.ChunkID] += opts.SemanticWeight / float64(opts.KRRF+rank+1)
		vectorScores[hit.ChunkID] = float64(hit.Score)
	}
	for rank, hit := range lex {
		scores[hit.ChunkID] += opts.KeywordWeight / float64(opts.KRRF+rank+1)
	}

	fused := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, fusedHit{chunkID: id, score: score, vectorScore: vectorScores[id]})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].vectorScore != fused[j].vectorScore {
			return fused[i].vectorScore > fused[j].vectorScore
		}
		return fused[i].chunkID < fused[j].chunkID
	})

	normalize(fused)
	return fused
}

// normalize rescales fused scores to [0,1]. A single result maps to 1.
func normalize(fused []fusedHit) {
	if len(fused) == 0 {
		return
	}
	min, max := fused[0].score, fused[0].score
	for _, f := range fused {
		if f.score < min {
			min = f.score
		}
		if f.score > max {
			max = f.score
		}
	}
	if max == min {
		for i := range fused {
			fused[i].score = 1
		}
		return
	}
	for i := range fused {
		fused[i].score = (fused[i].score - min) / (max - min)
	}
}
