package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/citebase/citebase/internal/storage"
)

// Action names recorded in the audit log.
const (
	ActionQuery          = "query"
	ActionIngest         = "ingest"
	ActionDeleteDocument = "delete_document"
	ActionFeedback       = "feedback"
	ActionSummarize      = "summarize_document"
	ActionQuarantine     = "index_quarantine"
)

// Recorder appends audit records and feedback. Appends are best-effort
// for the caller: a storage failure is logged, never propagated into the
// request path.
type Recorder struct {
	store *storage.Store
}

// NewRecorder creates a Recorder over the relational store.
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{store: store}
}

// QueryRecord captures one completed query for the audit trail.
type QueryRecord struct {
	TenantID   string
	UserID     string
	Question   string
	ChunkIDs   []string
	LatencyMs  int64
	CacheHit   bool
	Confidence string
	TokensIn   int
	TokensOut  int
}

// RecordQuery appends the audit record for a completed query. The
// question is stored only as a hash.
func (r *Recorder) RecordQuery(rec QueryRecord) string {
	ids, err := json.Marshal(rec.ChunkIDs)
	if err != nil {
		ids = []byte("[]")
	}
	record := storage.AuditRecord{
		ID:           uuid.New().String(),
		TenantID:     rec.TenantID,
		UserID:       rec.UserID,
		Action:       ActionQuery,
		QuestionHash: HashQuestion(rec.Question),
		ChunkIDs:     string(ids),
		LatencyMs:    rec.LatencyMs,
		CacheHit:     rec.CacheHit,
		Confidence:   rec.Confidence,
		TokensIn:     rec.TokensIn,
		TokensOut:    rec.TokensOut,
	}
	if err := r.store.AppendAudit(record); err != nil {
		slog.Error("appending query audit record failed", "tenant", rec.TenantID, "error", err)
	}
	return record.ID
}

// RecordAction appends a non-query audit record (ingest, delete,
// quarantine).
func (r *Recorder) RecordAction(tenantID, userID, action, target string, metadata map[string]any) {
	meta := "{}"
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			meta = string(data)
		}
	}
	record := storage.AuditRecord{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		UserID:   userID,
		Action:   action,
		Target:   target,
		Metadata: meta,
	}
	if err := r.store.AppendAudit(record); err != nil {
		slog.Error("appending audit record failed", "tenant", tenantID, "action", action, "error", err)
	}
}

// SaveFeedback stores a rating for an answered message. Always writable.
func (r *Recorder) SaveFeedback(f storage.FeedbackRecord) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return r.store.SaveFeedback(f)
}

// Stats aggregates feedback on the read side.
func (r *Recorder) Stats(tenantID string) (storage.FeedbackStats, error) {
	return r.store.GetFeedbackStats(tenantID)
}

// HashQuestion produces the stable digest stored in place of question
// text.
func HashQuestion(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])
}
