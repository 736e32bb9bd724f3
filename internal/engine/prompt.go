package engine

import (
	"fmt"
	"strings"

	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/retrieval"
)

const systemInstructions = `You are a document-grounded assistant. Answer the user's question using ONLY the provided context passages. If the context does not contain the answer, state that you do not have enough information — never invent facts. Keep answers concise and cite nothing outside the context.`

// composePrompt assembles the grounded chat messages: strict system
// instructions, the delimited context block, then the user question.
func composePrompt(question string, selected []retrieval.ScoredChunk) []model.Message {
	var sb strings.Builder
	sb.WriteString("Context passages:\n\n")
	for i, ch := range selected {
		fmt.Fprintf(&sb, "--- Passage %d (page %d) ---\n%s\n\n", i+1, ch.Page, ch.Text)
	}
	sb.WriteString("--- End of context ---\n\nQuestion: ")
	sb.WriteString(question)

	return []model.Message{
		{Role: "system", Content: systemInstructions},
		{Role: "user", Content: sb.String()},
	}
}

// promptText flattens messages for token counting.
func promptText(messages []model.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}
