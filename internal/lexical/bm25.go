package lexical

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// BM25 parameters. Standard Okapi defaults.
const (
	k1 = 1.2
	b  = 0.75
)

// Hit is one keyword-search result.
type Hit struct {
	ChunkID string
	Score   float64
}

// bm25Index is an in-memory keyword index over a fixed chunk set.
type bm25Index struct {
	chunkIDs  []string
	docFreq   map[string]int
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
}

// stopwords excluded from indexing and queries.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"the", "a", "an", "is", "are", "was", "were", "be", "been",
		"being", "have", "has", "had", "do", "does", "did", "will",
		"would", "could", "should", "may", "might", "must", "shall",
		"can", "to", "of", "in", "for", "on", "with", "at", "by",
		"from", "as", "or", "and", "but", "if", "so", "yet", "both",
		"this", "that", "these", "those", "it", "its",
	} {
		stopwords[w] = struct{}{}
	}
}

// tokenize lowercases, splits on non-alphanumeric runs, and drops short
// tokens and stopwords.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 2 {
			word := current.String()
			if _, stop := stopwords[word]; !stop {
				tokens = append(tokens, word)
			}
		}
		current.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func build(chunkIDs []string, texts []string) *bm25Index {
	ix := &bm25Index{
		chunkIDs:  chunkIDs,
		docFreq:   make(map[string]int),
		termFreqs: make([]map[string]int, len(texts)),
		docLens:   make([]int, len(texts)),
	}

	totalLen := 0
	for i, text := range texts {
		tokens := tokenize(text)
		freqs := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freqs[tok]++
		}
		ix.termFreqs[i] = freqs
		ix.docLens[i] = len(tokens)
		totalLen += len(tokens)
		for term := range freqs {
			ix.docFreq[term]++
		}
	}
	if len(texts) > 0 {
		ix.avgDocLen = float64(totalLen) / float64(len(texts))
	}
	return ix
}

// search scores every indexed chunk against the query terms and returns
// the top-k positive scores.
func (ix *bm25Index) search(query string, k int) []Hit {
	terms := tokenize(query)
	if len(terms) == 0 || len(ix.chunkIDs) == 0 {
		return nil
	}

	n := float64(len(ix.chunkIDs))
	scores := make([]float64, len(ix.chunkIDs))
	for _, term := range terms {
		df, ok := ix.docFreq[term]
		if !ok {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for i, freqs := range ix.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := 1 - b + b*float64(ix.docLens[i])/ix.avgDocLen
			scores[i] += idf * (tf * (k1 + 1)) / (tf + k1*norm)
		}
	}

	var hits []Hit
	for i, score := range scores {
		if score > 0 {
			hits = append(hits, Hit{ChunkID: ix.chunkIDs[i], Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
