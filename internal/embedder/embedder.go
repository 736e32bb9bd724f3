package embedder

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/citebase/citebase/internal/chunker"
	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/model"
)

// Config bounds batching and retry behavior.
type Config struct {
	Dim            int
	MaxBatchSize   int
	MaxBatchTokens int
	MaxRetries     int
	TokenizerID    string
}

// Client batches texts into provider calls, retries transient failures
// with exponential backoff and jitter, and L2-normalizes every vector.
type Client struct {
	provider model.Embedder
	cfg      Config
}

// New creates a Client over the given provider.
func New(provider model.Embedder, cfg Config) *Client {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.MaxBatchTokens <= 0 {
		cfg.MaxBatchTokens = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{provider: provider, cfg: cfg}
}

// Dim returns the configured vector dimensionality.
func (c *Client) Dim() int {
	return c.cfg.Dim
}

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds all texts, splitting them into batches bounded by both
// batch size and total token count. Any batch failing after retries fails
// the whole call; callers treat the error as terminal for this request.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range c.batches(texts) {
		vecs, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// batches splits texts into runs bounded by MaxBatchSize and
// MaxBatchTokens. A single oversized text still forms its own batch.
func (c *Client) batches(texts []string) [][]string {
	var batches [][]string
	var current []string
	currentTokens := 0

	for _, text := range texts {
		tokens := chunker.CountTokens(c.cfg.TokenizerID, text)
		if len(current) > 0 &&
			(len(current) >= c.cfg.MaxBatchSize || currentTokens+tokens > c.cfg.MaxBatchTokens) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, text)
		currentTokens += tokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vecs, err := c.provider.Embed(ctx, batch)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		for i, v := range vecs {
			if c.cfg.Dim > 0 && len(v) != c.cfg.Dim {
				return nil, fault.New(fault.KindEmbeddingFailure,
					"vector %d has dimension %d, want %d", i, len(v), c.cfg.Dim)
			}
			normalize(v)
		}
		return vecs, nil
	}
	return nil, fault.Wrap(fault.KindEmbeddingFailure, lastErr,
		"embedding batch of %d texts after %d attempts", len(batch), c.cfg.MaxRetries+1)
}

// backoff returns 250ms * 2^(attempt-1), capped at 10s, plus up to 25% jitter.
func backoff(attempt int) time.Duration {
	base := 250 * time.Millisecond << (attempt - 1)
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}

// normalize scales v to unit L2 norm in place.
func normalize(v []float32) {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
