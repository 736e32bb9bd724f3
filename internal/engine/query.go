package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/citebase/citebase/internal/audit"
	"github.com/citebase/citebase/internal/chunker"
	"github.com/citebase/citebase/internal/confidence"
	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/highlight"
	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/quota"
	"github.com/citebase/citebase/internal/respcache"
	"github.com/citebase/citebase/internal/retrieval"
)

// maxTopK bounds the caller-supplied retrieval size override.
const maxTopK = 50

const groundedEmptyAnswer = "I could not find any matching content in your documents for this question."

const greetingAnswer = "Hello! Upload some documents and ask me anything about their contents."

// degradedError carries a well-formed degraded payload out of the cache
// build path so it reaches the caller without being cached.
type degradedError struct {
	result *QueryResult
	cause  error
}

func (d *degradedError) Error() string { return d.cause.Error() }
func (d *degradedError) Unwrap() error { return d.cause }

// Query answers a question grounded in the tenant's documents, running
// the full govern → cache → retrieve → rerank → compress → generate →
// score → suggest pipeline.
func (e *Engine) Query(ctx context.Context, tenantID, userID, question string, opts QueryOptions) (QueryResult, error) {
	return e.runQuery(ctx, tenantID, userID, question, opts, nil)
}

// QueryStream answers a question as a lazy event sequence: answer tokens
// as they are generated, then one terminal event with the full payload.
// The sequence is not restartable.
func (e *Engine) QueryStream(ctx context.Context, tenantID, userID, question string, opts QueryOptions, emit func(StreamEvent) error) error {
	streamed := false
	tokenEmit := func(token string) error {
		streamed = true
		return emit(StreamEvent{Token: token})
	}

	result, err := e.runQuery(ctx, tenantID, userID, question, opts, tokenEmit)
	if err != nil {
		return err
	}
	if !streamed {
		// Cached or degraded answers were never token-streamed: replay the
		// answer as a single delta so consumers see a uniform shape.
		if err := emit(StreamEvent{Token: result.Answer}); err != nil {
			return err
		}
	}
	return emit(StreamEvent{Final: &result})
}

func (e *Engine) runQuery(ctx context.Context, tenantID, userID, question string, opts QueryOptions, tokenEmit func(string) error) (QueryResult, error) {
	start := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return QueryResult{}, fault.New(fault.KindCorruptInput, "question is empty")
	}

	// Requests-per-minute applies to everything, greetings included.
	if err := e.rates.AllowRequest(tenantID); err != nil {
		return QueryResult{}, err
	}

	if e.isGreeting(question) {
		result := QueryResult{
			MessageID:  uuid.New().String(),
			Answer:     greetingAnswer,
			Confidence: Confidence{Level: string(confidence.None), Score: 0},
			LatencyMs:  time.Since(start).Milliseconds(),
		}
		e.auditQuery(tenantID, userID, question, &result)
		return result, nil
	}

	if err := e.quotas.TryConsume(tenantID, quota.Queries, 1); err != nil {
		return QueryResult{}, err
	}

	estimate := chunker.CountTokens(e.cfg.Chunk.TokenizerID, question) +
		e.cfg.Context.BudgetTokens + e.cfg.Model.MaxOutputTok
	if err := e.rates.ReserveTokens(tenantID, estimate); err != nil {
		e.releaseQuota(tenantID, quota.Queries, 1)
		return QueryResult{}, err
	}

	key := respcache.Fingerprint(tenantID, question, opts.DocScope, PipelineVersion)
	build := func(buildCtx context.Context) (any, error) {
		return e.buildAnswer(buildCtx, tenantID, question, opts, tokenEmit)
	}

	var result QueryResult
	var cacheHit bool
	if opts.cacheEnabled() {
		v, hit, err := e.cache.GetOrBuild(ctx, tenantID, key, build)
		if err != nil {
			var degraded *degradedError
			if errors.As(err, &degraded) {
				result = *degraded.result
			} else {
				e.settle(tenantID, estimate, 0)
				return QueryResult{}, err
			}
		} else {
			result = *(v.(*QueryResult))
			cacheHit = hit
		}
	} else {
		v, err := build(ctx)
		if err != nil {
			var degraded *degradedError
			if !errors.As(err, &degraded) {
				e.settle(tenantID, estimate, 0)
				return QueryResult{}, err
			}
			result = *degraded.result
		} else {
			result = *(v.(*QueryResult))
		}
	}

	if cacheHit {
		result.TokensUsed = 0
		result.tokensOut = 0
	}
	result.MessageID = uuid.New().String()
	result.CacheHit = cacheHit
	result.LatencyMs = time.Since(start).Milliseconds()

	// Reconcile the reservation against actual usage, then audit. Both
	// run on every path that produced a response.
	e.settle(tenantID, estimate, result.TokensUsed)
	e.auditQuery(tenantID, userID, question, &result)
	return result, nil
}

// buildAnswer executes the retrieval half of the pipeline and the model
// call. It is invoked under the response cache's single-flight, so
// concurrent identical questions trigger exactly one execution.
func (e *Engine) buildAnswer(ctx context.Context, tenantID, question string, opts QueryOptions, tokenEmit func(string) error) (*QueryResult, error) {
	k := e.cfg.Retrieval.KRetrieval
	if opts.TopK > 0 {
		k = opts.TopK
		if k > maxTopK {
			k = maxTopK
		}
	}

	var docScope map[string]bool
	if len(opts.DocScope) > 0 {
		docScope = make(map[string]bool, len(opts.DocScope))
		for _, id := range opts.DocScope {
			docScope[id] = true
		}
	}

	retrieved, err := e.hybrid.Retrieve(ctx, tenantID, question, retrieval.Options{
		K:              k,
		KFused:         e.cfg.Retrieval.KFused,
		KRRF:           e.cfg.Retrieval.KRRF,
		SemanticWeight: e.cfg.Retrieval.SemanticWeight,
		KeywordWeight:  e.cfg.Retrieval.KeywordWeight,
		DocScope:       docScope,
	})
	if err != nil {
		return nil, err
	}

	if len(retrieved.Chunks) == 0 {
		// Grounded empty: well-formed, honest, no model call.
		return &QueryResult{
			Answer:     groundedEmptyAnswer,
			Sources:    []Source{},
			Confidence: Confidence{Level: string(confidence.None), Score: 0},
		}, nil
	}

	chunks := retrieved.Chunks
	if opts.rerankEnabled() {
		reranked, err := e.reranker.Rerank(ctx, question, chunks)
		if err != nil {
			slog.Warn("reranking failed, keeping fused order", "error", err)
		} else {
			chunks = reranked
		}
	}

	selected := e.compress.Select(chunks, e.cfg.Context.BudgetTokens)
	if len(selected) == 0 {
		selected = chunks[:1]
	}

	messages := composePrompt(question, selected)
	tokensIn := chunker.CountTokens(e.cfg.Chunk.TokenizerID, promptText(messages))
	completeOpts := model.CompleteOptions{
		Temperature:     e.cfg.Model.Temperature,
		MaxOutputTokens: e.cfg.Model.MaxOutputTok,
	}

	answer, err := e.generate(ctx, messages, completeOpts, tokenEmit)
	if err != nil {
		// Degrade deterministically: list the selected sources and admit
		// the synthesis failure. Not cached, still audited.
		degraded := &QueryResult{
			Answer:     degradedAnswer(selected),
			Sources:    sourcesOf(selected),
			Confidence: Confidence{Level: string(confidence.None), Score: 0},
			TokensUsed: tokensIn,
		}
		return nil, &degradedError{
			result: degraded,
			cause:  fault.Wrap(fault.KindLLMFailure, err, "generating answer"),
		}
	}

	score := e.scorer.Score(answer, selected)
	if retrieved.DenseFailed {
		score = confidence.Cap(score, confidence.Low)
	}

	suggestions := e.suggester.Generate(ctx, question, answer, selected)
	tokensOut := chunker.CountTokens(e.cfg.Chunk.TokenizerID, answer)

	// Attribute answer sentences back to their supporting passages so
	// each source carries the evidence it contributed.
	sources := sourcesOf(selected)
	attribution := highlight.Attribute(answer, selected)
	for _, a := range attribution.Attributions {
		if sources[a.SourceIndex].Highlight == "" {
			sources[a.SourceIndex].Highlight = a.Matched
		}
	}

	return &QueryResult{
		Answer:      answer,
		Sources:     sources,
		Confidence:  Confidence{Level: string(score.Level), Score: score.Score},
		Suggestions: suggestions,
		Grounding:   attribution.GroundingScore,
		TokensUsed:  tokensIn + tokensOut,
		tokensOut:   tokensOut,
	}, nil
}

func (e *Engine) generate(ctx context.Context, messages []model.Message, opts model.CompleteOptions, tokenEmit func(string) error) (string, error) {
	if e.completer == nil {
		return "", fmt.Errorf("no completion model configured")
	}
	if tokenEmit != nil {
		return e.completer.CompleteStream(ctx, messages, opts, tokenEmit)
	}
	return e.completer.Complete(ctx, messages, opts)
}

func degradedAnswer(selected []retrieval.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString("I was unable to synthesize an answer right now. The most relevant passages found were:\n")
	for i, ch := range selected {
		fmt.Fprintf(&sb, "%d. (page %d) %s\n", i+1, ch.Page, snippet(ch.Text, 200))
	}
	return sb.String()
}

func snippet(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

func sourcesOf(selected []retrieval.ScoredChunk) []Source {
	out := make([]Source, len(selected))
	for i, ch := range selected {
		out[i] = Source{
			DocumentID: ch.DocumentID,
			ChunkID:    ch.ChunkID,
			Page:       ch.Page,
			Score:      ch.Score,
		}
	}
	return out
}

// settle reconciles the token-bucket reservation and records actual token
// spend against the daily quota.
func (e *Engine) settle(tenantID string, estimate, actual int) {
	e.rates.Reconcile(tenantID, estimate, actual)
	if actual > 0 {
		if err := e.quotas.AddTokens(tenantID, actual); err != nil {
			slog.Error("recording token usage failed", "tenant", tenantID, "error", err)
		}
	}
}

func (e *Engine) auditQuery(tenantID, userID, question string, result *QueryResult) {
	chunkIDs := make([]string, len(result.Sources))
	for i, s := range result.Sources {
		chunkIDs[i] = s.ChunkID
	}
	e.recorder.RecordQuery(audit.QueryRecord{
		TenantID:   tenantID,
		UserID:     userID,
		Question:   question,
		ChunkIDs:   chunkIDs,
		LatencyMs:  result.LatencyMs,
		CacheHit:   result.CacheHit,
		Confidence: result.Confidence.Level,
		TokensIn:   result.TokensUsed - result.tokensOut,
		TokensOut:  result.tokensOut,
	})
}

// isGreeting reports whether the question matches the configured casual
// greeting set after lowercasing and trimming punctuation.
func (e *Engine) isGreeting(question string) bool {
	normalized := strings.ToLower(strings.TrimSpace(question))
	normalized = strings.Trim(normalized, "!.?, ")
	_, ok := e.greetings[normalized]
	return ok
}
