package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/retrieval"
)

const defaultConcurrency = 3

// Reranker re-scores retrieved chunks by query relevance. Scores are in
// [0,1] and replace the fused retrieval score.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error)
}

// New returns the reranker for the configured model: an LLM scorer when a
// completer is available, otherwise the deterministic lexical-overlap
// scorer. Disabled reranking gets the pass-through implementation.
func New(completer model.Completer, modelID string, enabled bool, timeout time.Duration) Reranker {
	if !enabled {
		return &NoOp{}
	}
	if completer == nil || modelID == "lexical-overlap" {
		return &Lexical{}
	}
	return &LLM{completer: completer, timeout: timeout}
}

// LLM scores (query, chunk) pairs with a completion model. Scoring runs
// concurrently, bounded to defaultConcurrency goroutines. On timeout the
// original order is returned unchanged.
type LLM struct {
	completer model.Completer
	timeout   time.Duration
}

func (r *LLM) Rerank(ctx context.Context, query string, chunks []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan retrieval.ScoredChunk, len(chunks))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, ch := range chunks {
		wg.Add(1)
		go func(chunk retrieval.ScoredChunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scoreChunk(timeoutCtx, query, chunk)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return
				}
				slog.Debug("reranker: score failed, retaining original", "error", err)
				results <- chunk
				return
			}
			chunk.Score = clamp01(score)
			results <- chunk
		}(ch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]retrieval.ScoredChunk, 0, len(chunks))
collect:
	for {
		select {
		case ch, ok := <-results:
			if !ok {
				break collect
			}
			scored = append(scored, ch)
		case <-timeoutCtx.Done():
			// Timeout before scoring finished: graceful degradation.
			return chunks, nil
		}
	}

	if len(scored) == 0 {
		return chunks, nil
	}
	sortByScore(scored)
	return scored, nil
}

func (r *LLM) scoreChunk(ctx context.Context, query string, chunk retrieval.ScoredChunk) (float64, error) {
	prompt := "Rate the relevance of the following text to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Text: " + chunk.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.completer.Complete(ctx, []model.Message{
		{Role: "user", Content: prompt},
	}, model.CompleteOptions{Temperature: 0, MaxOutputTokens: 64})
	if err != nil {
		return chunk.Score, err
	}

	score, parseErr := parseScore(resp, chunk.Score)
	if parseErr != nil {
		slog.Debug("reranker: parse failed, using original score", "resp", resp, "error", parseErr)
		return chunk.Score, nil
	}
	return score, nil
}

// parseScore extracts a relevance score from an LLM response. Small local
// models frequently wrap JSON in markdown fences or prepend filler, so the
// parser strips fences and extracts the outermost JSON object by brace
// position before unmarshalling. On failure the original score is kept so
// the chunk is not penalised.
func parseScore(resp string, originalScore float64) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return originalScore, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return originalScore, fmt.Errorf("unmarshal score: %w", err)
	}
	return obj.Score, nil
}

// Lexical scores chunks by token overlap with the query. Deterministic,
// runs without any model, and is the scorer New selects when no completer
// is configured.
type Lexical struct{}

func (l *Lexical) Rerank(_ context.Context, query string, chunks []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error) {
	queryTerms := termSet(query)
	if len(queryTerms) == 0 {
		return chunks, nil
	}

	out := make([]retrieval.ScoredChunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		chunkTerms := termSet(out[i].Text)
		matched := 0
		for term := range queryTerms {
			if _, ok := chunkTerms[term]; ok {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(queryTerms))
		// Blend with the retrieval score so overlap zero does not erase
		// the dense signal entirely.
		out[i].Score = clamp01(0.7*overlap + 0.3*out[i].Score)
	}
	sortByScore(out)
	return out, nil
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if len(word) > 2 {
			set[word] = struct{}{}
		}
	}
	return set
}

// NoOp passes chunks through unchanged. Used when reranking is disabled.
type NoOp struct{}

func (n *NoOp) Rerank(_ context.Context, _ string, chunks []retrieval.ScoredChunk) ([]retrieval.ScoredChunk, error) {
	return chunks, nil
}

func sortByScore(chunks []retrieval.ScoredChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].VectorScore > chunks[j].VectorScore
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
