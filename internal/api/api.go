package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/citebase/citebase/internal/engine"
	"github.com/citebase/citebase/internal/fault"
)

const maxIngestBodySize = 32 << 20 // 32MB, base64 inflates uploads
const maxQueryBodySize = 1 << 20

// Deps holds what the HTTP layer needs.
type Deps struct {
	Engine *engine.Engine
	Tokens map[string]string // bearer token -> tenant id
}

// NewHandler builds the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(TenantAuth(deps.Tokens))
		r.Post("/v1/ingest", handleIngest(deps))
		r.Post("/v1/query", handleQuery(deps))
		r.Post("/v1/feedback", handleFeedback(deps))
		r.Get("/v1/documents", handleListDocuments(deps))
		r.Get("/v1/documents/{id}", handleGetDocument(deps))
		r.Get("/v1/documents/{id}/summary", handleSummarize(deps))
		r.Delete("/v1/documents/{id}", handleDeleteDocument(deps))
		r.Get("/v1/feedback/stats", handleFeedbackStats(deps))
		r.Get("/v1/usage", handleUsage(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type ingestRequest struct {
	Name         string `json:"name"`
	DeclaredType string `json:"type"`
	Content      string `json:"content"` // base64-encoded blob
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		blob, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content must be base64: %v", err)
			return
		}

		tc := tenantFrom(r)
		result, err := deps.Engine.Ingest(r.Context(), tc.TenantID, tc.UserID, blob, req.Name, req.DeclaredType)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

type queryRequest struct {
	Question     string   `json:"question"`
	SessionID    string   `json:"session_id"`
	TopK         int      `json:"top_k"`
	DocScope     []string `json:"doc_scope"`
	EnableRerank *bool    `json:"enable_rerank"`
	EnableCache  *bool    `json:"enable_cache"`
	Stream       bool     `json:"stream"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		tc := tenantFrom(r)
		opts := engine.QueryOptions{
			SessionID:    req.SessionID,
			TopK:         req.TopK,
			DocScope:     req.DocScope,
			EnableRerank: req.EnableRerank,
			EnableCache:  req.EnableCache,
		}

		if req.Stream {
			streamQuery(w, r, deps, tc, req.Question, opts)
			return
		}

		result, err := deps.Engine.Query(r.Context(), tc.TenantID, tc.UserID, req.Question, opts)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// streamQuery delivers the answer as Server-Sent Events: token events
// while the model generates, then one final event with the full payload.
func streamQuery(w http.ResponseWriter, r *http.Request, deps Deps, tc TenantContext, question string, opts engine.QueryOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	err := deps.Engine.QueryStream(r.Context(), tc.TenantID, tc.UserID, question, opts, func(ev engine.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		name := "token"
		if ev.Final != nil {
			name = "final"
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are gone; surface the failure as a terminal SSE event.
		payload, _ := json.Marshal(map[string]string{"error": publicMessage(err)})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Rating    int    `json:"rating"`
	IssueTag  string `json:"issue_tag"`
	Note      string `json:"note"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)
		defer r.Body.Close()

		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tc := tenantFrom(r)
		if err := deps.Engine.Feedback(r.Context(), tc.TenantID, tc.UserID, req.MessageID, req.Rating, req.IssueTag, req.Note); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		docs, err := deps.Engine.Documents(tc.TenantID, 100)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		doc, err := deps.Engine.Document(tc.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

type summaryResponse struct {
	DocumentID string `json:"document_id"`
	Style      string `json:"style"`
	Summary    string `json:"summary"`
	Model      string `json:"model"`
	Cached     bool   `json:"cached"`
}

func handleSummarize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		row, cached, err := deps.Engine.Summarize(r.Context(), tc.TenantID, tc.UserID,
			chi.URLParam(r, "id"), r.URL.Query().Get("style"))
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summaryResponse{
			DocumentID: row.DocumentID,
			Style:      row.Style,
			Summary:    row.Content,
			Model:      row.ModelUsed,
			Cached:     cached,
		})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		if err := deps.Engine.DeleteDocument(r.Context(), tc.TenantID, tc.UserID, chi.URLParam(r, "id")); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleFeedbackStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		stats, err := deps.Engine.FeedbackStats(tc.TenantID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := tenantFrom(r)
		state, err := deps.Engine.Usage(tc.TenantID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFault maps engine error kinds to HTTP responses. Internal details
// never reach the client.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	errType := "api_error"

	switch kind {
	case fault.KindQuotaExceeded:
		status = http.StatusForbidden
		errType = "quota_exceeded"
	case fault.KindRateLimited:
		status = http.StatusTooManyRequests
		errType = "rate_limited"
	case fault.KindUnsupportedFormat, fault.KindCorruptInput:
		status = http.StatusBadRequest
		errType = "invalid_request_error"
	case fault.KindNotFound:
		status = http.StatusNotFound
		errType = "not_found"
	case fault.KindForbidden:
		status = http.StatusForbidden
		errType = "forbidden"
	case fault.KindUnavailable, fault.KindEmbeddingFailure, fault.KindLLMFailure:
		status = http.StatusServiceUnavailable
		errType = "unavailable"
	case fault.KindDeadlineExceeded:
		status = http.StatusGatewayTimeout
		errType = "deadline_exceeded"
	}

	if retry := fault.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry/time.Second)+1))
	}
	httpError(w, status, errType, "%s", publicMessage(err))
}

// publicMessage strips wrapped internals, returning only the categorized
// message.
func publicMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func httpError(w http.ResponseWriter, status int, errType, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}})
}
