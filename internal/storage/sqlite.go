package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for tenants, documents,
// chunks, jobs, quota state, audit records, and feedback.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "citebase.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for read-only integrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- Tenants ---

func (s *Store) UpsertTenant(t Tenant) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tenants (id, name, max_documents, max_storage_bytes, daily_queries, daily_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_documents = excluded.max_documents,
			max_storage_bytes = excluded.max_storage_bytes,
			daily_queries = excluded.daily_queries,
			daily_tokens = excluded.daily_tokens`,
		t.ID, t.Name, t.MaxDocuments, t.MaxStorageBytes, t.DailyQueries, t.DailyTokens, fmtTime(createdAt),
	)
	return err
}

func (s *Store) GetTenant(id string) (Tenant, error) {
	var t Tenant
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, name, max_documents, max_storage_bytes, daily_queries, daily_tokens, created_at
		FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.MaxDocuments, &t.MaxStorageBytes, &t.DailyQueries, &t.DailyTokens, &createdAt)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return Tenant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = ts
	return t, nil
}

// --- Documents ---

func (s *Store) CreateDocument(d Document) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, tenant_id, name, byte_size, content_digest, status, page_count, chunk_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.Name, d.ByteSize, d.ContentDigest, d.Status,
		d.PageCount, d.ChunkCount, d.Error, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
	)
	return err
}

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.ByteSize, &d.ContentDigest, &d.Status,
		&d.PageCount, &d.ChunkCount, &d.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

const documentColumns = `id, tenant_id, name, byte_size, content_digest, status, page_count, chunk_count, error, created_at, updated_at`

// GetDocument fetches a document scoped to a tenant. A document belonging
// to another tenant is indistinguishable from a missing one.
func (s *Store) GetDocument(tenantID, id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return scanDocument(row)
}

// FindReadyByDigest returns the READY document with the given content
// digest for a tenant, if one exists.
func (s *Store) FindReadyByDigest(tenantID, digest string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = ? AND content_digest = ? AND status = ?`, tenantID, digest, DocReady)
	return scanDocument(row)
}

func (s *Store) ListDocuments(tenantID string, limit int) ([]Document, error) {
	rows, err := s.db.Query(`SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus transitions a document's status and error message.
func (s *Store) UpdateDocumentStatus(id, status, errMsg string) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitChunks inserts all chunk rows and marks the document READY in a
// single transaction. Either everything is committed or nothing is.
func (s *Store) CommitChunks(docID string, pageCount int, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning commit transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, tenant_id, ordinal, text, token_count, page, embedding_slot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.Exec(c.ID, c.DocumentID, c.TenantID, c.Ordinal, c.Text, c.TokenCount, c.Page, c.EmbeddingSlot); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	res, err := tx.Exec(`UPDATE documents SET status = ?, page_count = ?, chunk_count = ?, error = '', updated_at = ? WHERE id = ?`,
		DocReady, pageCount, len(chunks), fmtTime(time.Now()), docID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("marking document ready: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		tx.Rollback()
		if err != nil {
			return err
		}
		return ErrNotFound
	}

	return tx.Commit()
}

// DeleteDocumentChunks marks a document's chunks deleted and the document
// itself removed, returning the freed slots. Runs in one transaction.
func (s *Store) DeleteDocumentChunks(tenantID, docID string) (slots []int64, bytes int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, 0, fmt.Errorf("beginning delete transaction: %w", err)
	}

	rows, err := tx.Query(`SELECT embedding_slot FROM chunks
		WHERE document_id = ? AND tenant_id = ? AND deleted = 0 AND embedding_slot IS NOT NULL`, docID, tenantID)
	if err != nil {
		tx.Rollback()
		return nil, 0, fmt.Errorf("collecting slots: %w", err)
	}
	for rows.Next() {
		var slot int64
		if err := rows.Scan(&slot); err != nil {
			rows.Close()
			tx.Rollback()
			return nil, 0, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		tx.Rollback()
		return nil, 0, err
	}
	rows.Close()

	if _, err := tx.Exec(`UPDATE chunks SET deleted = 1, embedding_slot = NULL
		WHERE document_id = ? AND tenant_id = ?`, docID, tenantID); err != nil {
		tx.Rollback()
		return nil, 0, fmt.Errorf("marking chunks deleted: %w", err)
	}

	var size int64
	err = tx.QueryRow(`SELECT byte_size FROM documents WHERE id = ? AND tenant_id = ?`, docID, tenantID).Scan(&size)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, 0, ErrNotFound
	}
	if err != nil {
		tx.Rollback()
		return nil, 0, err
	}

	if _, err := tx.Exec(`DELETE FROM documents WHERE id = ? AND tenant_id = ?`, docID, tenantID); err != nil {
		tx.Rollback()
		return nil, 0, fmt.Errorf("deleting document: %w", err)
	}

	// Cached summaries describe content that no longer exists.
	if _, err := tx.Exec(`DELETE FROM document_summaries WHERE document_id = ?`, docID); err != nil {
		tx.Rollback()
		return nil, 0, fmt.Errorf("deleting document summaries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return slots, size, nil
}

// --- Chunks ---

const chunkColumns = `id, document_id, tenant_id, ordinal, text, token_count, page, embedding_slot`

func scanChunk(row interface{ Scan(...any) error }) (Chunk, error) {
	var c Chunk
	var slot sql.NullInt64
	err := row.Scan(&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Text, &c.TokenCount, &c.Page, &slot)
	if err == sql.ErrNoRows {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, err
	}
	if slot.Valid {
		v := slot.Int64
		c.EmbeddingSlot = &v
	}
	return c, nil
}

// ListLiveChunks returns all non-deleted chunks for a tenant, ordered by
// document and ordinal. Used to build the lexical index.
func (s *Store) ListLiveChunks(tenantID string) ([]Chunk, error) {
	rows, err := s.db.Query(`SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND deleted = 0 ORDER BY document_id, ordinal`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByIDs returns the named chunks, scoped to a tenant.
func (s *Store) GetChunksByIDs(tenantID string, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE tenant_id = ? AND deleted = 0 AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListDocumentChunks returns a document's non-deleted chunks in ordinal
// order, scoped to a tenant.
func (s *Store) ListDocumentChunks(tenantID, docID string) ([]Chunk, error) {
	rows, err := s.db.Query(`SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND document_id = ? AND deleted = 0 ORDER BY ordinal`, tenantID, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// RemapSlots rewrites embedding_slot values after an index compaction.
// The whole remap is applied in a single transaction.
func (s *Store) RemapSlots(tenantID string, oldToNew map[int64]int64) error {
	if len(oldToNew) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning remap transaction: %w", err)
	}

	// Two passes through a temporary offset avoid collisions between old
	// and new slot values within the same UPDATE set.
	const offset = int64(1) << 40
	stmt, err := tx.Prepare(`UPDATE chunks SET embedding_slot = ? WHERE tenant_id = ? AND embedding_slot = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing remap statement: %w", err)
	}
	defer stmt.Close()

	for oldSlot, newSlot := range oldToNew {
		if _, err := stmt.Exec(newSlot+offset, tenantID, oldSlot); err != nil {
			tx.Rollback()
			return fmt.Errorf("remapping slot %d: %w", oldSlot, err)
		}
	}
	if _, err := tx.Exec(`UPDATE chunks SET embedding_slot = embedding_slot - ?
		WHERE tenant_id = ? AND embedding_slot >= ?`, offset, tenantID, offset); err != nil {
		tx.Rollback()
		return fmt.Errorf("normalizing remapped slots: %w", err)
	}

	return tx.Commit()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := fmtTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = fmtTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of one of
// the given types. Returns nil when no job is available.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(types)+1)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, fmtTime(time.Now()))

	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE status = 'pending' AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		AND run_after <= ? ORDER BY created_at ASC LIMIT 1`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	err = tx.QueryRow(query, args...).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &j.LastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if _, err := tx.Exec(`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), j.ID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Status = "running"
	j.Attempts++
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, fmtTime(time.Now()), id)
	return err
}

// FailJob records a failure. Jobs under their attempt budget return to
// pending with a short backoff; exhausted jobs become failed.
func (s *Store) FailJob(id string, errMsg string) error {
	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	if attempts >= maxAttempts {
		_, err = s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			errMsg, fmtTime(now), id)
		return err
	}
	backoff := time.Duration(attempts) * 5 * time.Second
	_, err = s.db.Exec(`UPDATE jobs SET status = 'pending', last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		errMsg, fmtTime(now.Add(backoff)), fmtTime(now), id)
	return err
}

// --- Quota ---

func (s *Store) GetQuotaState(tenantID string) (QuotaState, error) {
	var q QuotaState
	err := s.db.QueryRow(`
		SELECT tenant_id, documents_used, storage_used_bytes, day_key, queries_today, tokens_today
		FROM quota_state WHERE tenant_id = ?`, tenantID,
	).Scan(&q.TenantID, &q.DocumentsUsed, &q.StorageUsedBytes, &q.DayKey, &q.QueriesToday, &q.TokensToday)
	if err == sql.ErrNoRows {
		return QuotaState{TenantID: tenantID}, nil
	}
	return q, err
}

func (s *Store) SaveQuotaState(q QuotaState) error {
	_, err := s.db.Exec(`
		INSERT INTO quota_state (tenant_id, documents_used, storage_used_bytes, day_key, queries_today, tokens_today)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			documents_used = excluded.documents_used,
			storage_used_bytes = excluded.storage_used_bytes,
			day_key = excluded.day_key,
			queries_today = excluded.queries_today,
			tokens_today = excluded.tokens_today`,
		q.TenantID, q.DocumentsUsed, q.StorageUsedBytes, q.DayKey, q.QueriesToday, q.TokensToday,
	)
	return err
}

// --- Audit ---

func (s *Store) AppendAudit(a AuditRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.ChunkIDs == "" {
		a.ChunkIDs = "[]"
	}
	if a.Metadata == "" {
		a.Metadata = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, tenant_id, user_id, action, target, question_hash, chunk_ids, latency_ms, cache_hit, confidence, tokens_in, tokens_out, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.UserID, a.Action, a.Target, a.QuestionHash, a.ChunkIDs,
		a.LatencyMs, boolToInt(a.CacheHit), a.Confidence, a.TokensIn, a.TokensOut, a.Metadata, fmtTime(a.CreatedAt),
	)
	return err
}

func (s *Store) ListRecentAudits(tenantID string, limit int) ([]AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, user_id, action, target, question_hash, chunk_ids, latency_ms, cache_hit, confidence, tokens_in, tokens_out, metadata, created_at
		FROM audit_log WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var a AuditRecord
		var cacheHit int
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.Action, &a.Target, &a.QuestionHash,
			&a.ChunkIDs, &a.LatencyMs, &cacheHit, &a.Confidence, &a.TokensIn, &a.TokensOut, &a.Metadata, &createdAt); err != nil {
			return nil, err
		}
		a.CacheHit = cacheHit != 0
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}

func (s *Store) CountAudits(tenantID, action string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE tenant_id = ? AND action = ?`, tenantID, action).Scan(&count)
	return count, err
}

// --- Feedback ---

func (s *Store) SaveFeedback(f FeedbackRecord) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO feedback (id, tenant_id, user_id, message_id, rating, issue_tag, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TenantID, f.UserID, f.MessageID, f.Rating, f.IssueTag, f.Note, fmtTime(f.CreatedAt),
	)
	return err
}

// GetFeedbackStats aggregates feedback for a tenant on the read side.
func (s *Store) GetFeedbackStats(tenantID string) (FeedbackStats, error) {
	stats := FeedbackStats{ByIssueTag: make(map[string]int)}

	rows, err := s.db.Query(`SELECT rating, issue_tag FROM feedback WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var rating int
		var tag string
		if err := rows.Scan(&rating, &tag); err != nil {
			return stats, err
		}
		stats.Total++
		if rating > 0 {
			stats.Positive++
		} else {
			stats.Negative++
		}
		if tag != "" {
			stats.ByIssueTag[tag]++
		}
	}
	return stats, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Document summaries ---

// SaveDocumentSummary upserts the cached summary for (document, style).
func (s *Store) SaveDocumentSummary(d DocumentSummary) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO document_summaries (id, document_id, tenant_id, style, content, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, style) DO UPDATE SET
			content = excluded.content,
			model_used = excluded.model_used,
			created_at = excluded.created_at`,
		d.ID, d.DocumentID, d.TenantID, d.Style, d.Content, d.ModelUsed, fmtTime(d.CreatedAt),
	)
	return err
}

// GetDocumentSummary returns the cached summary for (document, style),
// scoped to a tenant.
func (s *Store) GetDocumentSummary(tenantID, docID, style string) (DocumentSummary, error) {
	var d DocumentSummary
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, document_id, tenant_id, style, content, model_used, created_at
		FROM document_summaries WHERE tenant_id = ? AND document_id = ? AND style = ?`,
		tenantID, docID, style,
	).Scan(&d.ID, &d.DocumentID, &d.TenantID, &d.Style, &d.Content, &d.ModelUsed, &createdAt)
	if err == sql.ErrNoRows {
		return DocumentSummary{}, ErrNotFound
	}
	if err != nil {
		return DocumentSummary{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return DocumentSummary{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}
