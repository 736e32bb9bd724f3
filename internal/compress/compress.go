package compress

import (
	"strings"

	"github.com/citebase/citebase/internal/chunker"
	"github.com/citebase/citebase/internal/retrieval"
)

// Compressor selects chunks into a token budget.
type Compressor struct {
	tokenizerID string
}

// New creates a Compressor using the given tokenizer for counting.
func New(tokenizerID string) *Compressor {
	return &Compressor{tokenizerID: tokenizerID}
}

// Select greedily keeps chunks in the given (rerank) order while the
// cumulative token count fits the budget. If the first chunk alone
// exceeds the budget it is truncated to the nearest sentence boundary
// within the budget so the context is never empty.
func (c *Compressor) Select(chunks []retrieval.ScoredChunk, budget int) []retrieval.ScoredChunk {
	if len(chunks) == 0 || budget <= 0 {
		return nil
	}

	var selected []retrieval.ScoredChunk
	used := 0
	for _, ch := range chunks {
		tokens := ch.TokenCount
		if tokens == 0 {
			tokens = chunker.CountTokens(c.tokenizerID, ch.Text)
		}
		if used+tokens <= budget {
			selected = append(selected, ch)
			used += tokens
			continue
		}
		if len(selected) == 0 {
			truncated := ch
			truncated.Text = c.truncate(ch.Text, budget)
			truncated.TokenCount = chunker.CountTokens(c.tokenizerID, truncated.Text)
			return []retrieval.ScoredChunk{truncated}
		}
	}
	return selected
}

// truncate cuts text to at most budget tokens, preferring the last
// sentence boundary before the cut.
func (c *Compressor) truncate(text string, budget int) string {
	tokens, err := chunker.Tokenize(c.tokenizerID, text)
	if err != nil || len(tokens) <= budget {
		return text
	}

	cut := tokens[budget-1].End
	hard := text[:cut]

	// Prefer ending on a sentence terminator inside the budget.
	for i := len(hard) - 1; i > 0; i-- {
		switch hard[i] {
		case '.', '!', '?':
			return strings.TrimSpace(hard[:i+1])
		}
	}
	return strings.TrimSpace(hard)
}
