package confidence

import (
	"strings"

	"github.com/citebase/citebase/internal/retrieval"
)

// Level categorizes how well an answer is grounded in retrieved content.
type Level string

const (
	High   Level = "high"
	Medium Level = "medium"
	Low    Level = "low"
	None   Level = "none"
)

// Thresholds maps scores to levels.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// Result is a scored confidence judgment.
type Result struct {
	Level Level
	Score float64
}

// Signal weights: top rerank score, mean of top-3 rerank scores, and
// answer/context token overlap.
const (
	weightTop     = 0.4
	weightTopMean = 0.2
	weightOverlap = 0.3
)

// insufficientPhrases force the level to none when the answer admits it
// has nothing to work with.
var insufficientPhrases = []string{
	"insufficient information",
	"no information",
	"not enough information",
	"do not have information",
	"don't have information",
	"no matching content",
	"cannot answer",
	"unable to answer",
	"unable to synthesize",
}

// Scorer blends retrieval and answer signals into a confidence result.
type Scorer struct {
	thresholds Thresholds
}

// New creates a Scorer with the given thresholds.
func New(t Thresholds) *Scorer {
	return &Scorer{thresholds: t}
}

// Score computes the confidence for an answer over its selected context.
// An explicit insufficient-information answer is always none, regardless
// of retrieval quality.
func (s *Scorer) Score(answer string, selected []retrieval.ScoredChunk) Result {
	if admitsInsufficiency(answer) || len(selected) == 0 {
		return Result{Level: None, Score: 0}
	}

	top := selected[0].Score

	meanCount := len(selected)
	if meanCount > 3 {
		meanCount = 3
	}
	var meanTop float64
	for _, ch := range selected[:meanCount] {
		meanTop += ch.Score
	}
	meanTop /= float64(meanCount)

	overlap := answerOverlap(answer, selected)

	score := weightTop*top + weightTopMean*meanTop + weightOverlap*overlap
	// Weights sum to 0.9; rescale so a perfect signal set reaches 1.
	score /= weightTop + weightTopMean + weightOverlap
	if score > 1 {
		score = 1
	}

	return Result{Level: s.level(score), Score: score}
}

// Cap lowers a result to at most the given level. Used when retrieval ran
// degraded (for example lexical-only after an embedding failure).
func Cap(r Result, max Level) Result {
	if rank(r.Level) > rank(max) {
		r.Level = max
	}
	return r
}

func rank(l Level) int {
	switch l {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

func (s *Scorer) level(score float64) Level {
	switch {
	case score >= s.thresholds.High:
		return High
	case score >= s.thresholds.Medium:
		return Medium
	case score >= s.thresholds.Low:
		return Low
	default:
		return None
	}
}

func admitsInsufficiency(answer string) bool {
	lowered := strings.ToLower(answer)
	for _, phrase := range insufficientPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// answerOverlap is the fraction of answer terms present in the selected
// context. Terms shorter than four characters are ignored.
func answerOverlap(answer string, selected []retrieval.ScoredChunk) float64 {
	var contextText strings.Builder
	for _, ch := range selected {
		contextText.WriteString(strings.ToLower(ch.Text))
		contextText.WriteByte(' ')
	}
	context := contextText.String()

	total, matched := 0, 0
	for _, word := range strings.Fields(strings.ToLower(answer)) {
		word = strings.Trim(word, `.,;:!?"'()[]{}`)
		if len(word) < 4 {
			continue
		}
		total++
		if strings.Contains(context, word) {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}
