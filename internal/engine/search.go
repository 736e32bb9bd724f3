package engine

import (
	"context"

	"github.com/citebase/citebase/internal/retrieval"
)

// Search runs hybrid retrieval without generation. Used by the MCP tool
// surface and by diagnostics; it bypasses the response cache but not the
// tenant boundary.
func (e *Engine) Search(ctx context.Context, tenantID, query string, topK int) ([]retrieval.ScoredChunk, error) {
	k := e.cfg.Retrieval.KRetrieval
	fused := e.cfg.Retrieval.KFused
	if topK > 0 {
		if topK > maxTopK {
			topK = maxTopK
		}
		fused = topK
		if k < topK {
			k = topK
		}
	}

	result, err := e.hybrid.Retrieve(ctx, tenantID, query, retrieval.Options{
		K:              k,
		KFused:         fused,
		KRRF:           e.cfg.Retrieval.KRRF,
		SemanticWeight: e.cfg.Retrieval.SemanticWeight,
		KeywordWeight:  e.cfg.Retrieval.KeywordWeight,
	})
	if err != nil {
		return nil, err
	}
	return result.Chunks, nil
}
