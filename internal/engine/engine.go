package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citebase/citebase/internal/audit"
	"github.com/citebase/citebase/internal/compress"
	"github.com/citebase/citebase/internal/confidence"
	"github.com/citebase/citebase/internal/config"
	"github.com/citebase/citebase/internal/embedder"
	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/index"
	"github.com/citebase/citebase/internal/lexical"
	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/objectstore"
	"github.com/citebase/citebase/internal/quota"
	"github.com/citebase/citebase/internal/ratelimit"
	"github.com/citebase/citebase/internal/rerank"
	"github.com/citebase/citebase/internal/respcache"
	"github.com/citebase/citebase/internal/retrieval"
	"github.com/citebase/citebase/internal/storage"
	"github.com/citebase/citebase/internal/suggest"
	"github.com/citebase/citebase/internal/summary"
)

// ingestWorkers is the size of the ingestion pool, kept separate from the
// request path so long documents never block queries.
const ingestWorkers = 2

// Engine owns every component of the ingestion and query pipelines. Its
// lifecycle is New → Run → Shutdown; Shutdown flushes all dirty indexes.
type Engine struct {
	cfg     config.Config
	store   *storage.Store
	objects objectstore.Store

	embed     *embedder.Client
	completer model.Completer

	indexes   *index.Cache
	lexical   *lexical.Catalog
	hybrid    *retrieval.Hybrid
	reranker  rerank.Reranker
	compress  *compress.Compressor
	scorer    *confidence.Scorer
	suggester *suggest.Generator
	cache     *respcache.Cache
	summarize *summary.Generator
	quotas    *quota.Governor
	rates     *ratelimit.Limiter
	recorder  *audit.Recorder

	greetings map[string]struct{}

	runOnce sync.Once
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps are the external collaborators the engine consumes.
type Deps struct {
	Store     *storage.Store
	Objects   objectstore.Store
	Embedder  model.Embedder
	Completer model.Completer
}

// chunkSource adapts the relational store to the lexical catalog.
type chunkSource struct {
	store *storage.Store
}

func (s chunkSource) ListLiveChunkTexts(tenantID string) ([]string, []string, error) {
	chunks, err := s.store.ListLiveChunks(tenantID)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		texts[i] = c.Text
	}
	return ids, texts, nil
}

// New wires an Engine from configuration and dependencies.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Objects == nil || deps.Embedder == nil {
		return nil, fmt.Errorf("engine requires a store, an object store, and an embedder")
	}

	embedClient := embedder.New(deps.Embedder, embedder.Config{
		Dim:            cfg.Model.EmbeddingDim,
		MaxBatchSize:   cfg.Model.MaxBatchSize,
		MaxBatchTokens: cfg.Model.MaxBatchTokens,
		MaxRetries:     cfg.Model.MaxRetries,
		TokenizerID:    cfg.Chunk.TokenizerID,
	})

	idxCache := index.NewCache(deps.Objects, cfg.Model.EmbeddingDim, cfg.IndexCache.Size, cfg.IndexCache.FlushInterval())
	lexCatalog := lexical.NewCatalog(chunkSource{store: deps.Store})

	greetings := make(map[string]struct{}, len(cfg.Greetings))
	for _, g := range cfg.Greetings {
		greetings[g] = struct{}{}
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		objects:   deps.Objects,
		embed:     embedClient,
		completer: deps.Completer,
		indexes:   idxCache,
		lexical:   lexCatalog,
		hybrid:    retrieval.NewHybrid(embedClient, idxCache, lexCatalog, deps.Store),
		reranker:  rerank.New(deps.Completer, cfg.Reranker.ModelID, cfg.Reranker.Enabled, 5*time.Second),
		compress:  compress.New(cfg.Chunk.TokenizerID),
		scorer: confidence.New(confidence.Thresholds{
			High:   cfg.Confidence.High,
			Medium: cfg.Confidence.Medium,
			Low:    cfg.Confidence.Low,
		}),
		suggester: suggest.New(deps.Completer),
		cache:     respcache.New(cfg.Cache.TTL()),
		summarize: summary.New(deps.Completer, cfg.Model.CompletionName),
		quotas: quota.New(deps.Store, deps.Store, quota.Limits{
			MaxDocuments:    cfg.Quota.MaxDocuments,
			MaxStorageBytes: cfg.Quota.MaxStorageBytes,
			DailyQueries:    cfg.Quota.DailyQueries,
			DailyTokens:     cfg.Quota.DailyTokens,
		}),
		rates:     ratelimit.New(cfg.Rate.RPM, cfg.Rate.TPM),
		recorder:  audit.NewRecorder(deps.Store),
		greetings: greetings,
		done:      make(chan struct{}),
	}

	// A corrupted index blob quarantines the tenant; the event must be
	// operator-visible in the audit log.
	e.indexes.SetQuarantineHook(func(tenant string) {
		slog.Error("vector index quarantined after checksum failure", "tenant", tenant)
		e.recorder.RecordAction(tenant, "system", audit.ActionQuarantine, "", nil)
	})
	return e, nil
}

// Run starts the background machinery: the ingest worker pool, the index
// flusher, and the rate-limiter eviction loop. It returns immediately.
func (e *Engine) Run(ctx context.Context) {
	e.runOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		for i := 0; i < ingestWorkers; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.runIngestWorker(ctx)
			}()
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.indexes.Run(ctx)
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.rates.Run(e.done)
		}()
		slog.Info("engine started", "ingest_workers", ingestWorkers,
			"index_cache_size", e.cfg.IndexCache.Size)
	})
}

// Shutdown stops background loops and flushes every dirty index.
func (e *Engine) Shutdown(ctx context.Context) error {
	close(e.done)
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if err := e.indexes.FlushAll(ctx); err != nil {
		return fmt.Errorf("flushing indexes at shutdown: %w", err)
	}
	return nil
}

// Feedback records a rating for an answered message. Ratings other than
// +1/-1 are rejected.
func (e *Engine) Feedback(_ context.Context, tenantID, userID, messageID string, rating int, issueTag, note string) error {
	if rating != 1 && rating != -1 {
		return fault.New(fault.KindCorruptInput, "rating must be +1 or -1, got %d", rating)
	}
	if messageID == "" {
		return fault.New(fault.KindCorruptInput, "message_id is required")
	}
	err := e.recorder.SaveFeedback(storage.FeedbackRecord{
		TenantID:  tenantID,
		UserID:    userID,
		MessageID: messageID,
		Rating:    rating,
		IssueTag:  issueTag,
		Note:      note,
	})
	if err != nil {
		return fmt.Errorf("saving feedback: %w", err)
	}
	e.recorder.RecordAction(tenantID, userID, audit.ActionFeedback, messageID, map[string]any{"rating": rating})
	return nil
}

// FeedbackStats aggregates a tenant's feedback.
func (e *Engine) FeedbackStats(tenantID string) (storage.FeedbackStats, error) {
	return e.recorder.Stats(tenantID)
}

// Usage returns the tenant's current quota counters.
func (e *Engine) Usage(tenantID string) (storage.QuotaState, error) {
	return e.quotas.State(tenantID)
}

// Documents lists a tenant's documents.
func (e *Engine) Documents(tenantID string, limit int) ([]storage.Document, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.ListDocuments(tenantID, limit)
}
