package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/pipeline"
	"github.com/acres-platform/tessera/internal/storage"
	"github.com/acres-platform/tessera/internal/study"
	"github.com/acres-platform/tessera/internal/zotero"
)

// --- mocks ---

// stubIndexer stands in for the vector index: it records chunk counts per
// study, which also makes it the chunk counter for study summaries.
type stubIndexer struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *stubIndexer) Add(_ context.Context, study string, chunks []docstore.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[study] += len(chunks)
	return nil
}

func (s *stubIndexer) CountChunks(_ context.Context, study string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[study], nil
}

type tableCall struct {
	study string
	specs []extraction.VariableSpec
	docs  []storage.Document
	opts  pipeline.Options
}

type mockTableBuilder struct {
	mu    sync.Mutex
	calls []tableCall
	fn    func(ctx context.Context, study string, specs []extraction.VariableSpec, docs []storage.Document, opts pipeline.Options) (*pipeline.Table, error)
}

func (m *mockTableBuilder) BuildTable(ctx context.Context, study string, specs []extraction.VariableSpec, docs []storage.Document, opts pipeline.Options) (*pipeline.Table, error) {
	m.mu.Lock()
	m.calls = append(m.calls, tableCall{study: study, specs: specs, docs: docs, opts: opts})
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, study, specs, docs, opts)
	}
	return builtTable(study, specs, docs), nil
}

func (m *mockTableBuilder) lastCall(t *testing.T) tableCall {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		t.Fatal("no BuildTable calls recorded")
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockTableBuilder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func builtTable(studyName string, specs []extraction.VariableSpec, docs []storage.Document) *pipeline.Table {
	table := &pipeline.Table{
		Study:   studyName,
		RunID:   "run-test",
		Columns: make([]string, len(specs)),
		Rows:    make([]pipeline.Row, len(docs)),
	}
	for j, spec := range specs {
		table.Columns[j] = spec.Name
	}
	for i, doc := range docs {
		cells := make([]extraction.Result, len(specs))
		for j := range specs {
			cells[j] = extraction.Result{Value: "v", Found: true}
		}
		table.Rows[i] = pipeline.Row{DocumentID: doc.ID, Title: doc.Title, Cells: cells}
	}
	return table
}

type mockSyncer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) ([]zotero.SyncResult, error)
}

func (m *mockSyncer) Sync(ctx context.Context) ([]zotero.SyncResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx)
	}
	return nil, nil
}

// --- helpers ---

type serverFixture struct {
	handler http.Handler
	deps    Deps
	store   *storage.Store
	index   *stubIndexer
	tables  *mockTableBuilder
	syncer  *mockSyncer
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := &stubIndexer{}
	docs, err := docstore.New(store, idx, 1200, 200)
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}

	fx := &serverFixture{
		store:  store,
		index:  idx,
		tables: &mockTableBuilder{},
		syncer: &mockSyncer{},
	}
	fx.deps = Deps{
		Store:   store,
		Docs:    docs,
		Studies: study.NewManager(store, idx),
		Tables:  fx.tables,
		Syncer:  fx.syncer,
		Extract: pipeline.Options{TopK: 5},
	}
	fx.handler = NewHandler(fx.deps)
	return fx
}

func jsonReq(method, url, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	return httptest.NewRequest(method, url, reader)
}

func uploadDocument(t *testing.T, h http.Handler, studyName, name, text string) string {
	t.Helper()
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	body := fmt.Sprintf(`{"name":%q,"content":%q,"title":%q}`, name, encoded, name)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/"+studyName+"/documents", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["id"] == "" {
		t.Fatal("upload response missing id")
	}
	return resp["id"]
}

// --- tests ---

func TestHealth(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/health", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestListStudies_Empty(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}

func TestUploadDocument(t *testing.T) {
	fx := newTestServer(t)

	id := uploadDocument(t, fx.handler, "trial", "report.txt", "Enrolled 3252 participants across Guinea.")

	doc, err := fx.store.GetDocument("trial", id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Text != "Enrolled 3252 participants across Guinea." {
		t.Errorf("doc.Text = %q", doc.Text)
	}

	if n, _ := fx.index.CountChunks(context.Background(), "trial"); n == 0 {
		t.Error("no chunks reached the index")
	}

	// The study list reflects the upload immediately.
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies", ""))
	var summaries []study.Summary
	json.NewDecoder(rr.Body).Decode(&summaries)
	if len(summaries) != 1 || summaries[0].Name != "trial" || summaries[0].Documents != 1 {
		t.Errorf("summaries = %+v, want one trial study with one document", summaries)
	}
}

func TestUploadDocument_Validation(t *testing.T) {
	fx := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"content":"aGVsbG8="}`},
		{"missing content", `{"name":"report.txt"}`},
		{"bad base64", `{"name":"report.txt","content":"%%%"}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/documents", tt.body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", tt.name, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestUploadDocument_Unreadable(t *testing.T) {
	fx := newTestServer(t)

	encoded := base64.StdEncoding.EncodeToString([]byte("   \n\t  "))
	body := fmt.Sprintf(`{"name":"blank.txt","content":%q}`, encoded)
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/documents", body))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestGetStudy(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "Some body text for the study.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies/trial", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var summary study.Summary
	json.NewDecoder(rr.Body).Decode(&summary)
	if summary.Name != "trial" || summary.Documents != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestGetStudy_NotFound(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies/nonexistent", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestListDocuments(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "First document body.")
	uploadDocument(t, fx.handler, "trial", "followup.txt", "Second document body.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies/trial/documents", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var docs []DocumentSummary
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	for _, d := range docs {
		if d.ID == "" || d.Title == "" {
			t.Errorf("document summary missing fields: %+v", d)
		}
	}
}

func TestListDocuments_UnknownStudy(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/studies/nonexistent/documents", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteStudy(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "Body text to delete.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodDelete, "/studies/trial", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodDelete, "/studies/trial", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteDocument(t *testing.T) {
	fx := newTestServer(t)
	id := uploadDocument(t, fx.handler, "trial", "report.txt", "Body text to delete.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodDelete, "/studies/trial/documents/"+id, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	if _, err := fx.store.GetDocument("trial", id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("document still present after delete: %v", err)
	}
}

func TestDeleteDocument_NotFound(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodDelete, "/studies/trial/documents/nonexistent", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestExtract(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "First document body.")
	uploadDocument(t, fx.handler, "trial", "followup.txt", "Second document body.")

	body := `{"variables":[{"name":"sample size","description":"number of participants"},{"name":"country"}],"style":"evidence","top_k":7}`
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/extract", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	call := fx.tables.lastCall(t)
	if call.study != "trial" {
		t.Errorf("study = %q", call.study)
	}
	if len(call.docs) != 2 {
		t.Errorf("got %d docs, want 2", len(call.docs))
	}
	if call.opts.TopK != 7 {
		t.Errorf("opts.TopK = %d, want 7", call.opts.TopK)
	}
	if len(call.specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(call.specs))
	}
	if call.specs[0].Name != "SAMPLE SIZE" || call.specs[1].Name != "COUNTRY" {
		t.Errorf("spec names = %q, %q", call.specs[0].Name, call.specs[1].Name)
	}
	if call.specs[0].Description != "number of participants" {
		t.Errorf("description = %q", call.specs[0].Description)
	}
	if call.specs[0].PromptStyle != extraction.StyleEvidence {
		t.Errorf("style = %q, want %q", call.specs[0].PromptStyle, extraction.StyleEvidence)
	}

	var table pipeline.Table
	if err := json.NewDecoder(rr.Body).Decode(&table); err != nil {
		t.Fatalf("decode table: %v", err)
	}
	if len(table.Columns) != 2 || len(table.Rows) != 2 {
		t.Errorf("table shape %dx%d, want 2x2", len(table.Rows), len(table.Columns))
	}
}

func TestExtract_DefaultOptions(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "Document body.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/extract", `{"variables":[{"name":"dose"}]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	call := fx.tables.lastCall(t)
	if call.opts.TopK != 5 {
		t.Errorf("opts.TopK = %d, want the server default 5", call.opts.TopK)
	}
	if call.specs[0].PromptStyle != extraction.StylePlain {
		t.Errorf("style = %q, want %q", call.specs[0].PromptStyle, extraction.StylePlain)
	}
}

func TestExtract_CSV(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "Document body.")

	req := jsonReq(http.MethodPost, "/studies/trial/extract", `{"variables":[{"name":"dose"}]}`)
	req.Header.Set("Accept", "text/csv")
	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "trial.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	first := strings.SplitN(rr.Body.String(), "\n", 2)[0]
	if first != "document_id,title,DOSE" {
		t.Errorf("csv header = %q", first)
	}
}

func TestExtract_CSVQueryParam(t *testing.T) {
	fx := newTestServer(t)
	uploadDocument(t, fx.handler, "trial", "report.txt", "Document body.")

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/extract?format=csv", `{"variables":[{"name":"dose"}]}`))

	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
}

func TestExtract_Validation(t *testing.T) {
	fx := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"no variables", `{"variables":[]}`},
		{"unnamed variable", `{"variables":[{"description":"something"}]}`},
		{"bad style", `{"variables":[{"name":"dose"}],"style":"verbose"}`},
		{"bad variable style", `{"variables":[{"name":"dose","prompt_style":"verbose"}]}`},
		{"negative top_k", `{"variables":[{"name":"dose"}],"top_k":-1}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/trial/extract", tt.body))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", tt.name, rr.Code, http.StatusBadRequest)
		}
	}
	if n := fx.tables.callCount(); n != 0 {
		t.Errorf("BuildTable called %d times on invalid requests", n)
	}
}

func TestExtract_UnknownStudy(t *testing.T) {
	fx := newTestServer(t)
	fx.tables.fn = func(context.Context, string, []extraction.VariableSpec, []storage.Document, pipeline.Options) (*pipeline.Table, error) {
		return nil, fmt.Errorf("loading study: %w", storage.ErrNotFound)
	}

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/studies/nonexistent/extract", `{"variables":[{"name":"dose"}]}`))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestZoteroSync(t *testing.T) {
	fx := newTestServer(t)
	fx.syncer.fn = func(context.Context) ([]zotero.SyncResult, error) {
		return []zotero.SyncResult{
			{
				Study:    "Ebola Virus",
				Ingested: 2,
				Failed:   []zotero.ItemError{{Key: "ITEM9", Title: "No file", Err: zotero.ErrNoPDF}},
			},
		}, nil
	}

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/zotero/sync", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var results []SyncStudyResult
	json.NewDecoder(rr.Body).Decode(&results)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Study != "Ebola Virus" || results[0].Ingested != 2 {
		t.Errorf("result = %+v", results[0])
	}
	if len(results[0].Failed) != 1 || results[0].Failed[0].Key != "ITEM9" {
		t.Fatalf("failed = %+v", results[0].Failed)
	}
	if results[0].Failed[0].Error == "" {
		t.Error("failed item has no error text")
	}
}

func TestZoteroSync_NotConfigured(t *testing.T) {
	fx := newTestServer(t)
	deps := fx.deps
	deps.Syncer = nil
	handler := NewHandler(deps)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/zotero/sync", ""))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestZoteroSync_Failure(t *testing.T) {
	fx := newTestServer(t)
	fx.syncer.fn = func(context.Context) ([]zotero.SyncResult, error) {
		return nil, errors.New("listing collections: status 502")
	}

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodPost, "/zotero/sync", ""))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestListRuns(t *testing.T) {
	fx := newTestServer(t)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-1", "run-2"} {
		err := fx.store.SaveRun(storage.Run{
			ID:        id,
			Study:     "trial",
			Variables: `["DOSE"]`,
			Status:    "completed",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("SaveRun(%s): %v", id, err)
		}
	}

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/runs", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var runs []storage.Run
	json.NewDecoder(rr.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}

	rr = httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/runs?limit=1", ""))
	runs = nil
	json.NewDecoder(rr.Body).Decode(&runs)
	if len(runs) != 1 {
		t.Fatalf("got %d runs with limit=1, want 1", len(runs))
	}
}

func TestListRuns_Empty(t *testing.T) {
	fx := newTestServer(t)

	rr := httptest.NewRecorder()
	fx.handler.ServeHTTP(rr, jsonReq(http.MethodGet, "/runs", ""))

	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}
