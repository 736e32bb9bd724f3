package chunker

import (
	"fmt"
	"strings"

	"github.com/citebase/citebase/internal/extract"
)

// Config controls segmentation. All four fields participate in chunking
// determinism: the same input under the same config reproduces the same
// chunk sequence bit for bit.
type Config struct {
	TargetTokens  int
	OverlapTokens int
	MinTokens     int
	TokenizerID   string
}

// Chunk is one deterministic segment of a document.
type Chunk struct {
	Ordinal    int
	Text       string
	TokenCount int
	Page       int
}

// Split segments page-tagged text into token-bounded chunks with overlap.
//
// Windows hold at most TargetTokens tokens. A window's end snaps backward
// to the nearest sentence terminator as long as the window keeps at least
// MinTokens. The next window starts OverlapTokens before the previous end.
// A trailing window smaller than MinTokens that is fully covered by the
// previous window's overlap is dropped.
func Split(pages []extract.Page, cfg Config) ([]Chunk, error) {
	if len(pages) == 0 {
		return nil, nil
	}

	text, pageStarts := concat(pages)
	tokens, err := Tokenize(cfg.TokenizerID, text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing document: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	assignPages(tokens, pages, pageStarts)

	var chunks []Chunk
	start := 0
	prevEnd := 0
	for start < len(tokens) {
		end := start + cfg.TargetTokens
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = snapToSentence(text, tokens, start, end, cfg.MinTokens)
		}

		size := end - start
		isTrailing := end == len(tokens)
		// A trailing runt fully inside the previous window adds nothing:
		// all of its tokens are already part of the previous chunk.
		if isTrailing && len(chunks) > 0 && size < cfg.MinTokens && len(tokens) <= prevEnd {
			break
		}

		chunks = append(chunks, Chunk{
			Ordinal:    len(chunks),
			Text:       text[tokens[start].Start:tokens[end-1].End],
			TokenCount: size,
			Page:       tokens[start].Page,
		})

		if isTrailing {
			break
		}
		prevEnd = end
		next := end - cfg.OverlapTokens
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks, nil
}

// snapToSentence moves end backward to just after the nearest sentence
// terminator, provided the window keeps at least minTokens. Scanning runs
// from the hard boundary toward the window start, so the first hit is the
// latest admissible boundary.
func snapToSentence(text string, tokens []Token, start, end, minTokens int) int {
	for j := end; j >= start+minTokens; j-- {
		var next *Token
		if j < len(tokens) {
			next = &tokens[j]
		}
		if isSentenceEnd(text, tokens[j-1], next) {
			return j
		}
	}
	return end
}

// concat joins pages with single newlines and records each page's start
// offset in the combined text.
func concat(pages []extract.Page) (string, []int) {
	var sb strings.Builder
	starts := make([]int, len(pages))
	for i, p := range pages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		starts[i] = sb.Len()
		sb.WriteString(p.Text)
	}
	return sb.String(), starts
}

// assignPages sets each token's page to the page containing its first byte.
func assignPages(tokens []Token, pages []extract.Page, starts []int) {
	pageIdx := 0
	for i := range tokens {
		for pageIdx+1 < len(starts) && tokens[i].Start >= starts[pageIdx+1] {
			pageIdx++
		}
		tokens[i].Page = pages[pageIdx].Number
	}
}
