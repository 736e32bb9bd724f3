package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/model"
)

// Style selects the summary shape.
type Style string

const (
	Brief    Style = "brief"
	Detailed Style = "detailed"
	Keywords Style = "keywords"
	Outline  Style = "outline"
)

// outputLimits caps the generated summary per style.
var outputLimits = map[Style]int{
	Brief:    150,
	Detailed: 400,
	Keywords: 50,
	Outline:  300,
}

// ParseStyle validates a caller-supplied style string. Empty means brief.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", Brief:
		return Brief, nil
	case Detailed:
		return Detailed, nil
	case Keywords:
		return Keywords, nil
	case Outline:
		return Outline, nil
	}
	return "", fault.New(fault.KindCorruptInput, "unknown summary style %q", s)
}

// InputBudget returns the token budget for the content fed to the model:
// input may be three times the expected output.
func InputBudget(style Style) int {
	return outputLimits[style] * 3
}

// FallbackModel names the extractive path in cached summary rows.
const FallbackModel = "extractive"

// Generator produces document summaries. The model path uses per-style
// prompts; without a completer (or when it fails) the deterministic
// frequency ranker below keeps the feature alive.
type Generator struct {
	completer model.Completer
	modelID   string
}

// New creates a Generator. completer may be nil for fallback-only mode.
func New(completer model.Completer, modelID string) *Generator {
	return &Generator{completer: completer, modelID: modelID}
}

// Generate summarizes content in the given style, returning the summary
// and the model that produced it (FallbackModel for the extractive path).
func (g *Generator) Generate(ctx context.Context, content string, style Style) (string, string, error) {
	if strings.TrimSpace(content) == "" {
		return "", "", fault.New(fault.KindCorruptInput, "nothing to summarize")
	}

	if g.completer != nil {
		out, err := g.completer.Complete(ctx, []model.Message{
			{Role: "user", Content: prompt(content, style)},
		}, model.CompleteOptions{Temperature: 0.2, MaxOutputTokens: outputLimits[style]})
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out), g.modelID, nil
		}
		if err != nil {
			slog.Warn("summary model failed, using frequency fallback", "style", style, "error", err)
		}
	}
	return fallback(content, style), FallbackModel, nil
}

func prompt(content string, style Style) string {
	switch style {
	case Detailed:
		return "Provide a detailed summary of the following document. " +
			"Include main topics, key points, and important details. Use 3-5 paragraphs.\n\n" +
			"Document:\n" + content + "\n\nDetailed Summary:"
	case Keywords:
		return "Extract the 10 most important keywords or key phrases from this document. " +
			"List them in order of importance.\n\n" +
			"Document:\n" + content + "\n\nKeywords:"
	case Outline:
		return "Create a structured outline of this document. " +
			"Use hierarchical formatting with main topics and subtopics.\n\n" +
			"Document:\n" + content + "\n\nOutline:"
	default:
		return "Provide a brief summary of the following document in 2-3 sentences. " +
			"Focus on the main topic and key takeaway.\n\n" +
			"Document:\n" + content + "\n\nBrief Summary:"
	}
}

// fallback builds a summary without any model: sentences ranked by
// normalized token frequency for prose styles, raw term ranking for
// keywords.
func fallback(content string, style Style) string {
	switch style {
	case Keywords:
		terms := topTerms(content, 10)
		return strings.Join(terms, ", ")
	case Outline:
		sentences := rankSentences(content, 6)
		var sb strings.Builder
		for _, s := range sentences {
			fmt.Fprintf(&sb, "- %s\n", strings.Join(strings.Fields(s), " "))
		}
		return strings.TrimRight(sb.String(), "\n")
	case Detailed:
		return strings.Join(rankSentences(content, 8), " ")
	default:
		return strings.Join(rankSentences(content, 3), " ")
	}
}
