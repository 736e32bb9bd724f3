package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/retrieval"
)

// count is the number of follow-up suggestions produced per answer.
const count = 3

// Generator produces follow-up queries from an answer and its context.
// When no completer is available (or it fails) a deterministic noun-phrase
// fallback keeps the feature alive.
type Generator struct {
	completer model.Completer
}

// New creates a Generator. completer may be nil for fallback-only mode.
func New(completer model.Completer) *Generator {
	return &Generator{completer: completer}
}

// Generate returns up to three follow-up queries.
func (g *Generator) Generate(ctx context.Context, question, answer string, selected []retrieval.ScoredChunk) []string {
	if g.completer != nil {
		if suggestions, err := g.fromModel(ctx, question, answer); err == nil && len(suggestions) > 0 {
			return suggestions
		} else if err != nil {
			slog.Debug("suggestion model failed, using fallback", "error", err)
		}
	}
	return g.fallback(question, selected)
}

func (g *Generator) fromModel(ctx context.Context, question, answer string) ([]string, error) {
	prompt := fmt.Sprintf(`Based on this Q&A exchange, suggest %d short follow-up questions a reader might ask next.
Question: %s
Answer: %s
Respond with only a JSON array of %d strings.`, count, question, answer, count)

	resp, err := g.completer.Complete(ctx, []model.Message{
		{Role: "user", Content: prompt},
	}, model.CompleteOptions{Temperature: 0.3, MaxOutputTokens: 256})
	if err != nil {
		return nil, err
	}

	start := strings.Index(resp, "[")
	end := strings.LastIndex(resp, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var suggestions []string
	if err := json.Unmarshal([]byte(resp[start:end+1]), &suggestions); err != nil {
		return nil, fmt.Errorf("unmarshal suggestions: %w", err)
	}

	out := suggestions[:0]
	for _, s := range suggestions {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// fallback templates the top noun phrases from the context that do not
// already appear in the question.
func (g *Generator) fallback(question string, selected []retrieval.ScoredChunk) []string {
	questionTerms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(question)) {
		questionTerms[strings.Trim(word, `.,;:!?"'()`)] = struct{}{}
	}

	phrases := topNounPhrases(selected, questionTerms, count+1)
	if len(phrases) == 0 {
		return nil
	}

	var out []string
	templates := []func(string) string{
		func(p string) string { return fmt.Sprintf("What about %s?", p) },
		func(p string) string { return fmt.Sprintf("Can you tell me more about %s?", p) },
		func(p string) string { return fmt.Sprintf("How is %s relevant here?", p) },
	}
	for i, phrase := range phrases {
		if i >= count {
			break
		}
		out = append(out, templates[i%len(templates)](phrase))
	}
	if len(out) >= 2 {
		out[len(out)-1] = fmt.Sprintf("How does %s relate to %s?", phrases[0], phrases[len(phrases)-1])
	}
	return out
}

// topNounPhrases extracts capitalized word runs (a cheap noun-phrase
// proxy) ranked by frequency, excluding question terms.
func topNounPhrases(selected []retrieval.ScoredChunk, exclude map[string]struct{}, limit int) []string {
	freq := make(map[string]int)
	order := make([]string, 0)

	for _, ch := range selected {
		words := strings.Fields(ch.Text)
		for i := 0; i < len(words); i++ {
			word := strings.Trim(words[i], `.,;:!?"'()`)
			if !isCapitalized(word) || len(word) < 3 {
				continue
			}
			// Extend across consecutive capitalized words.
			phrase := word
			for i+1 < len(words) {
				next := strings.Trim(words[i+1], `.,;:!?"'()`)
				if !isCapitalized(next) {
					break
				}
				phrase += " " + next
				i++
			}
			key := strings.ToLower(phrase)
			if _, skip := exclude[key]; skip {
				continue
			}
			if freq[key] == 0 {
				order = append(order, phrase)
			}
			freq[key]++
		}
	}

	// Stable frequency ranking: higher count first, first-seen order for
	// ties, which keeps the fallback deterministic.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && freq[strings.ToLower(order[j])] > freq[strings.ToLower(order[j-1])]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

func isCapitalized(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}
