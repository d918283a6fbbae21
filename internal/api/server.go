package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/export"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/pipeline"
	"github.com/acres-platform/tessera/internal/storage"
	"github.com/acres-platform/tessera/internal/study"
	"github.com/acres-platform/tessera/internal/zotero"
)

const maxRequestBodySize = 1 << 20
const maxDocumentBodySize = 32 << 20 // base64-encoded PDF uploads

// TableBuilder abstracts the extraction pipeline for the API layer.
type TableBuilder interface {
	BuildTable(ctx context.Context, study string, specs []extraction.VariableSpec, docs []storage.Document, opts pipeline.Options) (*pipeline.Table, error)
}

// SyncRunner abstracts Zotero sync so a server without credentials can run
// with the endpoint disabled.
type SyncRunner interface {
	Sync(ctx context.Context) ([]zotero.SyncResult, error)
}

type Deps struct {
	Store   *storage.Store
	Docs    *docstore.Store
	Studies *study.Manager
	Tables  TableBuilder
	Syncer  SyncRunner // optional; if nil, /zotero/sync reports not configured
	Extract pipeline.Options
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/studies", handleListStudies(deps))
	r.Get("/studies/{study}", handleGetStudy(deps))
	r.Delete("/studies/{study}", handleDeleteStudy(deps))
	r.Get("/studies/{study}/documents", handleListDocuments(deps))
	r.Post("/studies/{study}/documents", handleUploadDocument(deps))
	r.Delete("/studies/{study}/documents/{id}", handleDeleteDocument(deps))
	r.Post("/studies/{study}/extract", handleExtract(deps))
	r.Post("/zotero/sync", handleZoteroSync(deps))
	r.Get("/runs", handleListRuns(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListStudies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := deps.Studies.Summaries(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list studies: %v", err)
			return
		}

		if summaries == nil {
			summaries = []study.Summary{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

func handleGetStudy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "study")

		summary, err := deps.Studies.Summary(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "study not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get study: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

func handleDeleteStudy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "study")

		err := deps.Store.DeleteStudy(name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "study not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete study: %v", err)
			return
		}
		deps.Studies.Invalidate()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

// DocumentSummary is the list view of a document: everything but the body.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Authors   []string  `json:"authors,omitempty"`
	Year      int       `json:"year,omitempty"`
	Abstract  string    `json:"abstract,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func summarizeDocument(d storage.Document) DocumentSummary {
	return DocumentSummary{
		ID:        d.ID,
		Title:     d.Title,
		Authors:   docstore.DecodeAuthors(d.Authors),
		Year:      d.Year,
		Abstract:  d.Abstract,
		Source:    d.Source,
		CreatedAt: d.CreatedAt,
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "study")

		if _, err := deps.Store.GetStudy(name); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "study not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get study: %v", err)
			return
		}

		docs, err := deps.Store.ListDocuments(name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		summaries := make([]DocumentSummary, len(docs))
		for i, d := range docs {
			summaries[i] = summarizeDocument(d)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

type UploadRequest struct {
	Name     string   `json:"name"`
	Content  string   `json:"content"` // base64
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Year     int      `json:"year"`
	Abstract string   `json:"abstract"`
}

func handleUploadDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		name := chi.URLParam(r, "study")

		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}

		doc, err := deps.Docs.Ingest(r.Context(), name, docstore.Source{
			Name: req.Name,
			Data: data,
			Meta: docstore.Metadata{
				Title:    req.Title,
				Authors:  req.Authors,
				Year:     req.Year,
				Abstract: req.Abstract,
			},
		})
		if errors.Is(err, docstore.ErrUnreadableDocument) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no extractable text")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to ingest document: %v", err)
			return
		}
		deps.Studies.Invalidate()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":    doc.ID,
			"study": doc.Study,
			"title": doc.Title,
		})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "study")
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(name, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		deps.Studies.Invalidate()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

type ExtractRequest struct {
	Variables []extraction.VariableSpec `json:"variables"`
	Style     string                    `json:"style"` // default for variables without one
	TopK      int                       `json:"top_k"`
}

func handleExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		name := chi.URLParam(r, "study")

		var req ExtractRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Variables) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "variables is required and must not be empty")
			return
		}
		if req.TopK < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "top_k must not be negative")
			return
		}

		defaultStyle, err := extraction.ParseStyle(req.Style)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		specs := make([]extraction.VariableSpec, len(req.Variables))
		for i, v := range req.Variables {
			v.Name = extraction.CanonicalName(v.Name)
			if v.Name == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "variables[%d] has no name", i)
				return
			}
			if v.PromptStyle == "" {
				v.PromptStyle = defaultStyle
			} else if v.PromptStyle, err = extraction.ParseStyle(string(v.PromptStyle)); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "variables[%d]: %v", i, err)
				return
			}
			specs[i] = v
		}

		docs, err := deps.Store.ListDocuments(name)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		opts := deps.Extract
		if req.TopK > 0 {
			opts.TopK = req.TopK
		}

		table, err := deps.Tables.BuildTable(r.Context(), name, specs, docs, opts)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "study not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "extraction failed: %v", err)
			return
		}
		deps.Studies.Invalidate()

		if wantsCSV(r) {
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))
			if err := export.WriteCSV(w, table); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "writing csv: %v", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		export.WriteJSON(w, table)
	}
}

func wantsCSV(r *http.Request) bool {
	if r.URL.Query().Get("format") == "csv" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// SyncItemError is one skipped Zotero item in the sync response.
type SyncItemError struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
	Error string `json:"error"`
}

// SyncStudyResult is the per-collection outcome of a Zotero sync.
type SyncStudyResult struct {
	Study    string          `json:"study"`
	Ingested int             `json:"ingested"`
	Failed   []SyncItemError `json:"failed,omitempty"`
}

func handleZoteroSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Syncer == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "zotero sync is not configured")
			return
		}

		results, err := deps.Syncer.Sync(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "zotero sync failed: %v", err)
			return
		}
		deps.Studies.Invalidate()

		out := make([]SyncStudyResult, len(results))
		for i, res := range results {
			sr := SyncStudyResult{Study: res.Study, Ingested: res.Ingested}
			for _, fail := range res.Failed {
				sr.Failed = append(sr.Failed, SyncItemError{
					Key:   fail.Key,
					Title: fail.Title,
					Error: fail.Err.Error(),
				})
			}
			out[i] = sr
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}

		if runs == nil {
			runs = []storage.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
