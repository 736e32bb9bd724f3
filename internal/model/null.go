package model

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// NullCompleter returns a fixed response or error without calling any
// provider. Used in tests and as the degraded-mode stand-in.
type NullCompleter struct {
	Response string
	Err      error
}

var _ Completer = (*NullCompleter)(nil)

func (n *NullCompleter) Complete(_ context.Context, _ []Message, _ CompleteOptions) (string, error) {
	if n.Err != nil {
		return "", n.Err
	}
	return n.Response, nil
}

func (n *NullCompleter) CompleteStream(_ context.Context, _ []Message, _ CompleteOptions, emit func(string) error) (string, error) {
	if n.Err != nil {
		return "", n.Err
	}
	for _, word := range strings.Fields(n.Response) {
		if err := emit(word + " "); err != nil {
			return n.Response, err
		}
	}
	return n.Response, nil
}

// NullEmbedder produces deterministic pseudo-embeddings from token hashes.
// Texts sharing vocabulary land near each other, which is enough for tests
// to exercise retrieval ordering.
type NullEmbedder struct {
	Dim int
	Err error
}

var _ Embedder = (*NullEmbedder)(nil)

func (n *NullEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if n.Err != nil {
		return nil, n.Err
	}
	dim := n.Dim
	if dim <= 0 {
		dim = 64
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(word))
			vec[int(h.Sum32())%dim] += 1
		}
		// Leave a small constant component so empty text still embeds.
		vec[0] += 1e-3
		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		norm := float32(math.Sqrt(sum))
		for j := range vec {
			vec[j] /= norm
		}
		out[i] = vec
	}
	return out, nil
}
