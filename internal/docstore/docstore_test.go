package docstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/acres-platform/tessera/internal/storage"
)

type mockIndexer struct {
	mu    sync.Mutex
	calls int
	added []Chunk
	err   error
}

func (m *mockIndexer) Add(_ context.Context, _ string, chunks []Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls++
	m.added = append(m.added, chunks...)
	return nil
}

func newTestStore(t *testing.T) (*Store, *storage.Store, *mockIndexer) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	idx := &mockIndexer{}
	s, err := New(db, idx, 500, 50)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, db, idx
}

func TestNew_InvalidChunkConfig(t *testing.T) {
	_, err := New(nil, nil, 100, 100)
	if !errors.Is(err, ErrInvalidChunkConfig) {
		t.Errorf("error = %v, want ErrInvalidChunkConfig", err)
	}
}

func TestIngest_CreatesStudyAndDocument(t *testing.T) {
	s, db, idx := newTestStore(t)

	text := sampleText(1800)
	doc, err := s.Ingest(context.Background(), "EbolaStudy", Source{Name: "smith2023.txt", Data: []byte(text)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.ID != DocumentID("smith2023.txt", text) {
		t.Errorf("ID = %q, want content hash", doc.ID)
	}
	if doc.Study != "EbolaStudy" {
		t.Errorf("Study = %q", doc.Study)
	}
	if doc.Title != "smith2023.txt" {
		t.Errorf("Title = %q, want source fallback", doc.Title)
	}
	if !strings.HasSuffix(doc.Abstract, "...") {
		t.Errorf("Abstract = %q, want leading-text fallback", doc.Abstract)
	}
	if len([]rune(doc.Abstract)) != abstractLimit+3 {
		t.Errorf("Abstract has %d runes, want %d", len([]rune(doc.Abstract)), abstractLimit+3)
	}

	if _, err := db.GetStudy("EbolaStudy"); err != nil {
		t.Errorf("study not created: %v", err)
	}
	stored, err := db.GetDocument("EbolaStudy", doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if stored.Text != text {
		t.Error("stored text does not match input")
	}

	if idx.calls != 1 {
		t.Errorf("indexer calls = %d, want 1", idx.calls)
	}
	if len(idx.added) != 4 {
		t.Errorf("indexed %d chunks, want 4", len(idx.added))
	}
}

func TestIngest_Metadata(t *testing.T) {
	s, _, _ := newTestStore(t)

	doc, err := s.Ingest(context.Background(), "EbolaStudy", Source{
		Name: "key123",
		Data: []byte("Body text of the paper."),
		Meta: Metadata{
			Title:    "Ebola outcomes in West Africa",
			Authors:  []string{"Smith, J.", "Doe, A."},
			Year:     2023,
			Abstract: "We report outcomes.",
		},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.Title != "Ebola outcomes in West Africa" {
		t.Errorf("Title = %q", doc.Title)
	}
	if doc.Authors != `["Smith, J.","Doe, A."]` {
		t.Errorf("Authors = %q", doc.Authors)
	}
	if doc.Year != 2023 {
		t.Errorf("Year = %d", doc.Year)
	}
	if doc.Abstract != "We report outcomes." {
		t.Errorf("Abstract = %q, want supplied abstract kept", doc.Abstract)
	}
}

func TestIngest_ReingestNoOp(t *testing.T) {
	s, _, idx := newTestStore(t)

	src := Source{Name: "paper.txt", Data: []byte(sampleText(1200))}
	first, err := s.Ingest(context.Background(), "EbolaStudy", src)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	second, err := s.Ingest(context.Background(), "EbolaStudy", src)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("ids differ: %q vs %q", first.ID, second.ID)
	}
	if idx.calls != 1 {
		t.Errorf("indexer calls = %d, want 1 (re-ingest must not re-chunk)", idx.calls)
	}
}

func TestIngest_SameContentTwoStudies(t *testing.T) {
	s, db, _ := newTestStore(t)

	src := Source{Name: "shared.txt", Data: []byte(sampleText(600))}
	a, err := s.Ingest(context.Background(), "StudyA", src)
	if err != nil {
		t.Fatalf("Ingest A: %v", err)
	}
	b, err := s.Ingest(context.Background(), "StudyB", src)
	if err != nil {
		t.Fatalf("Ingest B: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("same content should hash to same id: %q vs %q", a.ID, b.ID)
	}
	for _, study := range []string{"StudyA", "StudyB"} {
		if n, err := db.CountDocuments(study); err != nil || n != 1 {
			t.Errorf("CountDocuments(%s) = %d, %v; want 1, nil", study, n, err)
		}
	}
}

func TestIngest_Unreadable(t *testing.T) {
	s, db, idx := newTestStore(t)

	_, err := s.Ingest(context.Background(), "EbolaStudy", Source{Name: "blank.txt", Data: []byte("   ")})
	if !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("error = %v, want ErrUnreadableDocument", err)
	}

	if idx.calls != 0 {
		t.Errorf("indexer calls = %d, want 0", idx.calls)
	}
	if _, err := db.GetStudy("EbolaStudy"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("study should not be created for unreadable source, got %v", err)
	}
}

func TestIngest_IndexFailureKeepsDocumentOut(t *testing.T) {
	s, db, idx := newTestStore(t)
	idx.err = errors.New("engine down")

	_, err := s.Ingest(context.Background(), "EbolaStudy", Source{Name: "p.txt", Data: []byte(sampleText(600))})
	if err == nil {
		t.Fatal("expected error when indexing fails")
	}

	if n, _ := db.CountDocuments("EbolaStudy"); n != 0 {
		t.Errorf("document row written despite index failure (count=%d)", n)
	}

	// A later retry succeeds cleanly.
	idx.err = nil
	if _, err := s.Ingest(context.Background(), "EbolaStudy", Source{Name: "p.txt", Data: []byte(sampleText(600))}); err != nil {
		t.Fatalf("retry Ingest: %v", err)
	}
	if n, _ := db.CountDocuments("EbolaStudy"); n != 1 {
		t.Errorf("count = %d after retry, want 1", n)
	}
}

func TestIngestAll_PartialFailure(t *testing.T) {
	s, db, _ := newTestStore(t)

	srcs := []Source{
		{Name: "a.txt", Data: []byte(sampleText(700))},
		{Name: "bad.bin", Data: []byte{0xff, 0xfe}},
		{Name: "c.txt", Data: []byte(sampleText(900))},
	}

	results := s.IngestAll(context.Background(), "EbolaStudy", srcs, 2)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("readable sources failed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, ErrUnreadableDocument) {
		t.Errorf("results[1].Err = %v, want ErrUnreadableDocument", results[1].Err)
	}
	if results[1].Source != "bad.bin" {
		t.Errorf("results keep input order: results[1].Source = %q", results[1].Source)
	}

	if n, _ := db.CountDocuments("EbolaStudy"); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestDocumentID_Stable(t *testing.T) {
	a := DocumentID("paper.pdf", "hello")
	b := DocumentID("paper.pdf", "hello")
	if a != b {
		t.Errorf("same input produced different ids: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32 hex chars", len(a))
	}
	if DocumentID("other.pdf", "hello") == a {
		t.Error("different source should change the id")
	}
	if DocumentID("paper.pdf", "world") == a {
		t.Error("different text should change the id")
	}
}

func TestSplitAuthors(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Smith, J.; Doe, A.", []string{"Smith, J.", "Doe, A."}},
		{"Single Author", []string{"Single Author"}},
		{" ; ; ", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := SplitAuthors(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("SplitAuthors(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitAuthors(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestDecodeAuthors(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`["Smith, J.","Doe, A."]`, []string{"Smith, J.", "Doe, A."}},
		{`[]`, nil},
		{``, nil},
		{`not json`, nil},
	}
	for _, tt := range tests {
		got := DecodeAuthors(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("DecodeAuthors(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("DecodeAuthors(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
