package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/citebase/citebase/internal/audit"
	"github.com/citebase/citebase/internal/chunker"
	"github.com/citebase/citebase/internal/extract"
	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/index"
	"github.com/citebase/citebase/internal/quota"
	"github.com/citebase/citebase/internal/storage"
)

// jobTypeIngest is the job-queue type for document processing.
const jobTypeIngest = "document_ingest"

// workerPoll is the idle poll interval of the ingest workers.
const workerPoll = 500 * time.Millisecond

func uploadKey(tenantID, docID string) string {
	return "uploads/" + tenantID + "/" + docID
}

type ingestPayload struct {
	TenantID     string `json:"tenant_id"`
	DocumentID   string `json:"document_id"`
	DeclaredType string `json:"declared_type"`
	UserID       string `json:"user_id"`
}

// Ingest accepts an upload, creates the PENDING document, enforces the
// document and storage quotas, stages the blob, and enqueues processing.
// Uploads are idempotent on (tenant, content digest): re-uploading a
// READY document returns the existing one without reprocessing.
func (e *Engine) Ingest(ctx context.Context, tenantID, userID string, blob []byte, name, declaredType string) (IngestResult, error) {
	if len(blob) == 0 {
		return IngestResult{}, fault.New(fault.KindCorruptInput, "empty upload")
	}

	sum := sha256.Sum256(blob)
	digest := hex.EncodeToString(sum[:])

	if existing, err := e.store.FindReadyByDigest(tenantID, digest); err == nil {
		return IngestResult{DocumentID: existing.ID, Status: existing.Status}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return IngestResult{}, fmt.Errorf("checking digest: %w", err)
	}

	doc := storage.Document{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Name:          name,
		ByteSize:      int64(len(blob)),
		ContentDigest: digest,
		Status:        storage.DocPending,
	}
	if err := e.store.CreateDocument(doc); err != nil {
		return IngestResult{}, fmt.Errorf("creating document: %w", err)
	}

	if err := e.quotas.TryConsume(tenantID, quota.Documents, 1); err != nil {
		e.failDocument(doc.ID, err.Error())
		return IngestResult{}, err
	}
	if err := e.quotas.TryConsume(tenantID, quota.Storage, doc.ByteSize); err != nil {
		e.releaseQuota(tenantID, quota.Documents, 1)
		e.failDocument(doc.ID, err.Error())
		return IngestResult{}, err
	}

	if err := e.objects.WriteAtomic(ctx, uploadKey(tenantID, doc.ID), blob); err != nil {
		e.releaseIngestQuota(tenantID, doc.ByteSize)
		e.failDocument(doc.ID, "staging upload failed")
		return IngestResult{}, fmt.Errorf("staging upload: %w", err)
	}

	payload, err := json.Marshal(ingestPayload{
		TenantID:     tenantID,
		DocumentID:   doc.ID,
		DeclaredType: declaredType,
		UserID:       userID,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("marshalling job payload: %w", err)
	}
	if err := e.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        jobTypeIngest,
		PayloadJSON: string(payload),
	}); err != nil {
		e.releaseIngestQuota(tenantID, doc.ByteSize)
		e.failDocument(doc.ID, "enqueueing processing failed")
		return IngestResult{}, fmt.Errorf("enqueueing ingest job: %w", err)
	}

	e.recorder.RecordAction(tenantID, userID, audit.ActionIngest, doc.ID, map[string]any{
		"name": name, "bytes": doc.ByteSize,
	})
	return IngestResult{DocumentID: doc.ID, Status: storage.DocPending}, nil
}

// Document returns a tenant's document by id.
func (e *Engine) Document(tenantID, docID string) (storage.Document, error) {
	doc, err := e.store.GetDocument(tenantID, docID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, fault.New(fault.KindNotFound, "document %s not found", docID)
	}
	return doc, err
}

// runIngestWorker polls the job queue until ctx is cancelled.
func (e *Engine) runIngestWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := e.ingestOnce(ctx)
		if err != nil {
			slog.Error("ingest worker iteration failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(workerPoll):
		}
	}
}

// ingestOnce claims and processes a single ingest job. Returns true if a
// job was processed regardless of its outcome.
func (e *Engine) ingestOnce(ctx context.Context) (bool, error) {
	job, err := e.store.ClaimNextJob([]string{jobTypeIngest})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := e.processIngestJob(ctx, job); err != nil {
		slog.Warn("ingest job failed", "job_id", job.ID, "error", err)
		if failErr := e.store.FailJob(job.ID, err.Error()); failErr != nil {
			slog.Error("marking job failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}
	if err := e.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processIngestJob runs the extraction → chunking → embedding → commit
// pipeline for one document. Every failure transitions the document to
// FAILED and releases the quota reservation; no partial READY state
// exists. Dependency retries live inside the embedder client, so a
// failure surfacing here is terminal for the document.
func (e *Engine) processIngestJob(ctx context.Context, job *storage.Job) error {
	var payload ingestPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing job payload: %w", err)
	}
	tenantID, docID := payload.TenantID, payload.DocumentID

	doc, err := e.store.GetDocument(tenantID, docID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", docID, err)
	}
	if doc.Status == storage.DocReady {
		return nil // already processed by an earlier attempt
	}

	if err := e.store.UpdateDocumentStatus(docID, storage.DocProcessing, ""); err != nil {
		return fmt.Errorf("marking document processing: %w", err)
	}

	blob, err := e.objects.Read(ctx, uploadKey(tenantID, docID))
	if err != nil {
		slog.Warn("staged upload unavailable", "document", docID, "error", err)
		e.abortIngest(tenantID, docID, doc.ByteSize, "staged upload unavailable")
		return nil
	}

	pages, err := extract.Extract(blob, payload.DeclaredType)
	if err != nil {
		// Input failure: terminal, do not retry.
		e.abortIngest(tenantID, docID, doc.ByteSize, err.Error())
		e.objects.Remove(ctx, uploadKey(tenantID, docID))
		return nil
	}

	chunks, err := chunker.Split(pages, chunker.Config{
		TargetTokens:  e.cfg.Chunk.TargetTokens,
		OverlapTokens: e.cfg.Chunk.OverlapTokens,
		MinTokens:     e.cfg.Chunk.MinTokens,
		TokenizerID:   e.cfg.Chunk.TokenizerID,
	})
	if err != nil {
		e.abortIngest(tenantID, docID, doc.ByteSize, err.Error())
		e.objects.Remove(ctx, uploadKey(tenantID, docID))
		return nil
	}
	if len(chunks) == 0 {
		e.abortIngest(tenantID, docID, doc.ByteSize, "document produced no chunks")
		e.objects.Remove(ctx, uploadKey(tenantID, docID))
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := e.embed.EmbedTexts(ctx, texts)
	if err != nil {
		// The embedder has already exhausted its own retries; the failure
		// is terminal for this document. No chunks or vectors are
		// committed.
		slog.Warn("embedding failed", "document", docID, "error", err)
		e.abortIngest(tenantID, docID, doc.ByteSize, "embedding failed")
		return nil
	}

	rows := make([]storage.Chunk, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i, c := range chunks {
		id := uuid.New().String()
		chunkIDs[i] = id
		rows[i] = storage.Chunk{
			ID:         id,
			DocumentID: docID,
			TenantID:   tenantID,
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Page:       c.Page,
		}
	}

	pageCount := pages[len(pages)-1].Number

	// The vector upsert and the chunk-row transaction publish together
	// under the tenant's write lock: concurrent readers observe either
	// the pre- or post-commit state, never a mix.
	err = e.indexes.WithIndex(ctx, tenantID, index.Write, func(ix *index.Index) error {
		slots, err := ix.Upsert(vectors, chunkIDs)
		if err != nil {
			return fmt.Errorf("upserting vectors: %w", err)
		}
		for i := range rows {
			slot := slots[i]
			rows[i].EmbeddingSlot = &slot
		}
		if err := e.store.CommitChunks(docID, pageCount, rows); err != nil {
			// Roll the just-assigned slots back so the index matches the
			// database exactly.
			ix.Remove(slots)
			return fmt.Errorf("committing chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("committing document failed", "document", docID, "error", err)
		e.abortIngest(tenantID, docID, doc.ByteSize, "committing document failed")
		return nil
	}

	// Publish order: rows committed above, then lexical invalidation and
	// the cache epoch bump, so no cached answer can outlive the change.
	e.lexical.Invalidate(tenantID)
	e.cache.BumpEpoch(tenantID)
	e.objects.Remove(ctx, uploadKey(tenantID, docID))

	slog.Info("document ingested", "tenant", tenantID, "document", docID,
		"chunks", len(chunks), "pages", pageCount)
	return nil
}

// abortIngest transitions a document to FAILED and releases its quota
// reservations.
func (e *Engine) abortIngest(tenantID, docID string, size int64, reason string) {
	e.failDocument(docID, reason)
	e.releaseIngestQuota(tenantID, size)
}

func (e *Engine) failDocument(docID, reason string) {
	if err := e.store.UpdateDocumentStatus(docID, storage.DocFailed, reason); err != nil {
		slog.Error("marking document failed", "document", docID, "error", err)
	}
}

func (e *Engine) releaseIngestQuota(tenantID string, size int64) {
	e.releaseQuota(tenantID, quota.Documents, 1)
	e.releaseQuota(tenantID, quota.Storage, size)
}

func (e *Engine) releaseQuota(tenantID string, kind quota.Kind, amount int64) {
	if err := e.quotas.Release(tenantID, kind, amount); err != nil {
		slog.Error("releasing quota failed", "tenant", tenantID, "kind", kind, "error", err)
	}
}

// DeleteDocument removes a document: its chunks are marked deleted, its
// vector slots tombstoned, and the tenant's cached responses invalidated.
// Crossing the compaction threshold triggers an inline compaction.
func (e *Engine) DeleteDocument(ctx context.Context, tenantID, userID, docID string) error {
	slots, size, err := e.store.DeleteDocumentChunks(tenantID, docID)
	if errors.Is(err, storage.ErrNotFound) {
		return fault.New(fault.KindNotFound, "document %s not found", docID)
	}
	if err != nil {
		return fmt.Errorf("deleting document rows: %w", err)
	}

	err = e.indexes.WithIndex(ctx, tenantID, index.Write, func(ix *index.Index) error {
		ix.Remove(slots)
		if !ix.NeedsCompaction() {
			return nil
		}
		// Rewrite the relational slot references first; only a successful
		// transaction lets the in-memory rewrite proceed.
		plan := ix.CompactionPlan()
		if err := e.store.RemapSlots(tenantID, plan); err != nil {
			return fmt.Errorf("remapping slots: %w", err)
		}
		ix.Compact()
		return nil
	})
	if err != nil {
		return err
	}

	e.releaseIngestQuota(tenantID, size)
	e.lexical.Invalidate(tenantID)
	e.cache.BumpEpoch(tenantID)
	e.recorder.RecordAction(tenantID, userID, audit.ActionDeleteDocument, docID, nil)
	return nil
}
