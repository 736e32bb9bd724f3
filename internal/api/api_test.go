package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/citebase/citebase/internal/chunker"
	"github.com/citebase/citebase/internal/config"
	"github.com/citebase/citebase/internal/engine"
	"github.com/citebase/citebase/internal/model"
	"github.com/citebase/citebase/internal/objectstore"
	"github.com/citebase/citebase/internal/storage"
)

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := objectstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("opening object store: %v", err)
	}

	cfg := config.Config{
		Model: config.ModelConfig{EmbeddingDim: 32, MaxBatchSize: 8, MaxBatchTokens: 4096,
			MaxRetries: 1, Temperature: 0.1, MaxOutputTok: 128},
		Chunk: config.ChunkConfig{TargetTokens: 100, OverlapTokens: 20, MinTokens: 30,
			TokenizerID: chunker.TokenizerSimpleV1},
		Retrieval:  config.RetrievalConfig{KRetrieval: 10, KFused: 5, KRRF: 60, SemanticWeight: 1, KeywordWeight: 1},
		Context:    config.ContextConfig{BudgetTokens: 400},
		Cache:      config.CacheConfig{TTLSeconds: 60},
		Quota:      config.QuotaConfig{MaxDocuments: 10, MaxStorageBytes: 1 << 20, DailyQueries: 100, DailyTokens: 100_000},
		Rate:       config.RateConfig{RPM: 100, TPM: 100_000},
		IndexCache: config.IndexCacheConfig{Size: 4, FlushIntervalSeconds: 60},
		Confidence: config.ConfidenceConfig{High: 0.75, Medium: 0.5, Low: 0.25},
		Reranker:   config.RerankerConfig{Enabled: true, ModelID: "lexical-overlap"},
		Greetings:  []string{"hi", "hello"},
	}

	e, err := engine.New(cfg, engine.Deps{
		Store:     store,
		Objects:   objects,
		Embedder:  &model.NullEmbedder{Dim: 32},
		Completer: &model.NullCompleter{Response: "a grounded answer"},
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	e.Run(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler := NewHandler(Deps{
		Engine: testEngine(t),
		Tokens: map[string]string{"token-one": "t1", "token-two": "t2"},
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func request(t *testing.T, srv *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func TestHealth_NoAuth(t *testing.T) {
	srv := testServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_Rejections(t *testing.T) {
	srv := testServer(t)

	resp := request(t, srv, http.MethodPost, "/v1/query", "", map[string]string{"question": "hello"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", resp.StatusCode)
	}

	resp = request(t, srv, http.MethodPost, "/v1/query", "wrong-token", map[string]string{"question": "hello"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestIngestAndQuery_EndToEnd(t *testing.T) {
	srv := testServer(t)

	blob := base64.StdEncoding.EncodeToString(
		[]byte("Invoices are processed every Friday by the billing department."))
	resp := request(t, srv, http.MethodPost, "/v1/ingest", "token-one", map[string]any{
		"name": "billing.txt", "type": "txt", "content": blob,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want 202", resp.StatusCode)
	}
	var ingest engine.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		t.Fatalf("decoding ingest response: %v", err)
	}
	resp.Body.Close()
	if ingest.DocumentID == "" {
		t.Fatal("no document id returned")
	}

	// The background worker picks the job up; poll until READY.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID, "token-one", nil)
		var doc storage.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decoding document: %v", err)
		}
		resp.Body.Close()
		if doc.Status == storage.DocReady {
			break
		}
		if doc.Status == storage.DocFailed {
			t.Fatalf("ingestion failed: %s", doc.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("document still %s after deadline", doc.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp = request(t, srv, http.MethodPost, "/v1/query", "token-one", map[string]any{
		"question": "when are invoices processed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d, want 200", resp.StatusCode)
	}
	var result engine.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding query response: %v", err)
	}
	resp.Body.Close()
	if result.Answer == "" || len(result.Sources) == 0 {
		t.Errorf("incomplete result: %+v", result)
	}

	// The other tenant's token sees none of it.
	resp = request(t, srv, http.MethodPost, "/v1/query", "token-two", map[string]any{
		"question": "when are invoices processed",
	})
	var other engine.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&other); err != nil {
		t.Fatalf("decoding isolated query: %v", err)
	}
	resp.Body.Close()
	if len(other.Sources) != 0 {
		t.Errorf("tenant t2 received sources: %+v", other.Sources)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	srv := testServer(t)

	resp := request(t, srv, http.MethodPost, "/v1/query", "token-one", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty question: status = %d, want 400", resp.StatusCode)
	}
}

func TestFeedback_RoundTrip(t *testing.T) {
	srv := testServer(t)

	resp := request(t, srv, http.MethodPost, "/v1/feedback", "token-one", map[string]any{
		"message_id": "m-123", "rating": 1,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("feedback status = %d, want 200", resp.StatusCode)
	}

	resp = request(t, srv, http.MethodPost, "/v1/feedback", "token-one", map[string]any{
		"message_id": "m-123", "rating": 5,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid rating: status = %d, want 400", resp.StatusCode)
	}

	resp = request(t, srv, http.MethodGet, "/v1/feedback/stats", "token-one", nil)
	var stats storage.FeedbackStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	resp.Body.Close()
	if stats.Total != 1 || stats.Positive != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeleteDocument_NotFound(t *testing.T) {
	srv := testServer(t)

	resp := request(t, srv, http.MethodDelete, "/v1/documents/no-such-doc", "token-one", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSummary_Endpoint(t *testing.T) {
	srv := testServer(t)

	blob := base64.StdEncoding.EncodeToString(
		[]byte("Refund requests are handled within five days. Refunds require a receipt. Store credit is instant."))
	resp := request(t, srv, http.MethodPost, "/v1/ingest", "token-one", map[string]any{
		"name": "refunds.txt", "type": "txt", "content": blob,
	})
	var ingest engine.IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		t.Fatalf("decoding ingest response: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID, "token-one", nil)
		var doc storage.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decoding document: %v", err)
		}
		resp.Body.Close()
		if doc.Status == storage.DocReady {
			break
		}
		if doc.Status == storage.DocFailed || time.Now().After(deadline) {
			t.Fatalf("document %s (%s)", doc.Status, doc.Error)
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID+"/summary?style=brief", "token-one", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d, want 200", resp.StatusCode)
	}
	var summary struct {
		DocumentID string `json:"document_id"`
		Style      string `json:"style"`
		Summary    string `json:"summary"`
		Cached     bool   `json:"cached"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	resp.Body.Close()
	if summary.Summary == "" || summary.Style != "brief" || summary.Cached {
		t.Errorf("summary = %+v", summary)
	}

	// A second request hits the cache.
	resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID+"/summary?style=brief", "token-one", nil)
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding cached summary: %v", err)
	}
	resp.Body.Close()
	if !summary.Cached {
		t.Error("second summary request missed the cache")
	}

	resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID+"/summary?style=haiku", "token-one", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad style status = %d, want 400", resp.StatusCode)
	}

	// The other tenant gets a 404, never a 403.
	resp = request(t, srv, http.MethodGet, "/v1/documents/"+ingest.DocumentID+"/summary", "token-two", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d, want 404", resp.StatusCode)
	}
}
