package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/citebase/citebase/internal/audit"
	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/retrieval"
	"github.com/citebase/citebase/internal/storage"
	"github.com/citebase/citebase/internal/summary"
)

// Summarize returns a summary of a READY document in the given style.
// Summaries are cached per (document, style); the cached flag reports
// whether this call hit the cache. Deleting the document invalidates
// its summaries.
func (e *Engine) Summarize(ctx context.Context, tenantID, userID, docID, styleStr string) (storage.DocumentSummary, bool, error) {
	style, err := summary.ParseStyle(styleStr)
	if err != nil {
		return storage.DocumentSummary{}, false, err
	}

	doc, err := e.Document(tenantID, docID)
	if err != nil {
		return storage.DocumentSummary{}, false, err
	}
	if doc.Status != storage.DocReady {
		return storage.DocumentSummary{}, false, fault.New(fault.KindUnavailable,
			"document %s is not ready (%s)", docID, doc.Status)
	}

	if cached, err := e.store.GetDocumentSummary(tenantID, docID, string(style)); err == nil {
		return cached, true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.DocumentSummary{}, false, fmt.Errorf("loading cached summary: %w", err)
	}

	chunks, err := e.store.ListDocumentChunks(tenantID, docID)
	if err != nil {
		return storage.DocumentSummary{}, false, fmt.Errorf("loading document chunks: %w", err)
	}

	// Reuse the context compressor to fit the document into the style's
	// input budget, keeping leading chunks whole.
	scored := make([]retrieval.ScoredChunk, len(chunks))
	for i, c := range chunks {
		scored[i] = retrieval.ScoredChunk{ChunkID: c.ID, Text: c.Text, TokenCount: c.TokenCount}
	}
	selected := e.compress.Select(scored, summary.InputBudget(style))

	var sb strings.Builder
	for _, ch := range selected {
		sb.WriteString(ch.Text)
		sb.WriteString("\n")
	}

	content, modelUsed, err := e.summarize.Generate(ctx, sb.String(), style)
	if err != nil {
		return storage.DocumentSummary{}, false, err
	}

	row := storage.DocumentSummary{
		ID:         uuid.New().String(),
		DocumentID: docID,
		TenantID:   tenantID,
		Style:      string(style),
		Content:    content,
		ModelUsed:  modelUsed,
	}
	if err := e.store.SaveDocumentSummary(row); err != nil {
		return storage.DocumentSummary{}, false, fmt.Errorf("caching summary: %w", err)
	}

	e.recorder.RecordAction(tenantID, userID, audit.ActionSummarize, docID, map[string]any{
		"style": string(style), "model": modelUsed,
	})
	return row, false, nil
}
