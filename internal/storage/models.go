package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document status values.
const (
	DocPending    = "pending"
	DocProcessing = "processing"
	DocReady      = "ready"
	DocFailed     = "failed"
)

type Tenant struct {
	ID              string
	Name            string
	MaxDocuments    int
	MaxStorageBytes int64
	DailyQueries    int
	DailyTokens     int
	CreatedAt       time.Time
}

type Document struct {
	ID            string
	TenantID      string
	Name          string
	ByteSize      int64
	ContentDigest string
	Status        string
	PageCount     int
	ChunkCount    int
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Chunk struct {
	ID            string
	DocumentID    string
	TenantID      string
	Ordinal       int
	Text          string
	TokenCount    int
	Page          int
	EmbeddingSlot *int64
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// QuotaState tracks cumulative and daily usage counters for one tenant.
// Daily counters reset on the first operation of a new day key.
type QuotaState struct {
	TenantID         string
	DocumentsUsed    int
	StorageUsedBytes int64
	DayKey           string
	QueriesToday     int
	TokensToday      int
}

type AuditRecord struct {
	ID           string
	TenantID     string
	UserID       string
	Action       string
	Target       string
	QuestionHash string
	ChunkIDs     string // JSON array stored as text
	LatencyMs    int64
	CacheHit     bool
	Confidence   string
	TokensIn     int
	TokensOut    int
	Metadata     string
	CreatedAt    time.Time
}

type FeedbackRecord struct {
	ID        string
	TenantID  string
	UserID    string
	MessageID string
	Rating    int // +1 or -1
	IssueTag  string
	Note      string
	CreatedAt time.Time
}

// DocumentSummary is a cached generated summary, one per (document,
// style). Invalidated when the document is deleted.
type DocumentSummary struct {
	ID         string
	DocumentID string
	TenantID   string
	Style      string
	Content    string
	ModelUsed  string
	CreatedAt  time.Time
}

// FeedbackStats is the read-side aggregation over feedback records.
type FeedbackStats struct {
	Total      int
	Positive   int
	Negative   int
	ByIssueTag map[string]int
}
