package highlight

import (
	"strings"

	"github.com/citebase/citebase/internal/retrieval"
)

// Source attribution: for each answer sentence, find the supporting
// passage among the selected chunks so readers can verify where a claim
// came from.

// wordOverlapFloor skips sources sharing too little vocabulary with a
// sentence to be worth the sentence-level scan.
const wordOverlapFloor = 0.3

// similarityThreshold is the containment score above which an answer
// sentence counts as sourced.
const similarityThreshold = 0.6

// Attribution links one answer sentence to its best-matching source.
type Attribution struct {
	Sentence    string  `json:"sentence"`
	SourceIndex int     `json:"source_index"`
	Similarity  float64 `json:"similarity"`
	Matched     string  `json:"matched_text"`
}

// Result is the full attribution report for an answer.
type Result struct {
	Attributions      []Attribution `json:"attributions"`
	GroundingScore    float64       `json:"grounding_score"`
	TotalSentences    int           `json:"total_sentences"`
	GroundedSentences int           `json:"grounded_sentences"`
}

// Attribute maps each answer sentence to the selected chunk that best
// supports it. GroundingScore is the fraction of sentences with a
// supporting source.
func Attribute(answer string, sources []retrieval.ScoredChunk) Result {
	sentences := splitSentences(answer)
	if len(sentences) == 0 || len(sources) == 0 {
		return Result{}
	}

	sourceTerms := make([]map[string]struct{}, len(sources))
	sourceSentences := make([][]string, len(sources))
	for i, src := range sources {
		sourceTerms[i] = termSet(src.Text)
		sourceSentences[i] = splitSentences(src.Text)
	}

	var result Result
	result.TotalSentences = len(sentences)

	for _, sentence := range sentences {
		terms := termSet(sentence)
		if len(terms) == 0 {
			continue
		}

		bestIdx := -1
		bestScore := 0.0
		bestText := ""
		for i := range sources {
			if overlap(terms, sourceTerms[i]) < wordOverlapFloor {
				continue
			}
			for _, srcSent := range sourceSentences[i] {
				score := overlap(terms, termSet(srcSent))
				if score > bestScore {
					bestScore = score
					bestIdx = i
					bestText = srcSent
				}
			}
		}

		if bestIdx >= 0 && bestScore >= similarityThreshold {
			result.GroundedSentences++
			result.Attributions = append(result.Attributions, Attribution{
				Sentence:    sentence,
				SourceIndex: bestIdx,
				Similarity:  round2(bestScore),
				Matched:     truncate(bestText, 200),
			})
		}
	}

	result.GroundingScore = round2(float64(result.GroundedSentences) / float64(result.TotalSentences))
	return result
}

// overlap is the fraction of sentence terms present in the source set.
func overlap(sentence, source map[string]struct{}) float64 {
	if len(sentence) == 0 {
		return 0
	}
	matched := 0
	for term := range sentence {
		if _, ok := source[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(sentence))
}

func termSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if len(word) >= 4 {
			set[word] = struct{}{}
		}
	}
	return set
}

// splitSentences breaks text on terminators, dropping fragments too
// short to attribute meaningfully.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	flush := func(end int) {
		s := strings.TrimSpace(text[start:end])
		if len(s) > 10 {
			sentences = append(sentences, s)
		}
		start = end
	}
	for i, r := range text {
		switch r {
		case '.', '!', '?':
			flush(i + 1)
		}
	}
	flush(len(text))
	return sentences
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
