package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acres-platform/tessera/internal/storage"
)

// ErrUnreadableDocument is returned when no text can be extracted from a source.
var ErrUnreadableDocument = errors.New("no extractable text in document")

// abstractLimit is how many runes of body text stand in for a missing abstract.
const abstractLimit = 500

// Source is one document to ingest: a filename or Zotero item key plus raw bytes.
type Source struct {
	Name string
	Data []byte
	Meta Metadata
}

// Metadata carries bibliographic fields supplied by the document source.
// Missing fields are filled with fallbacks during ingestion.
type Metadata struct {
	Title    string
	Authors  []string
	Year     int
	Abstract string
}

// Registry is the slice of the storage layer that ingestion needs.
type Registry interface {
	EnsureStudy(name string) (storage.Study, error)
	GetDocument(study, id string) (storage.Document, error)
	SaveDocument(d storage.Document) error
}

// Indexer adds a document's chunks to a study's vector collection.
type Indexer interface {
	Add(ctx context.Context, study string, chunks []Chunk) error
}

// Store ingests documents: extract text, chunk, index, persist.
type Store struct {
	db      Registry
	index   Indexer
	size    int
	overlap int
	logger  *slog.Logger
}

// New creates a Store with the given chunking configuration.
func New(db Registry, index Indexer, chunkSize, chunkOverlap int) (*Store, error) {
	if err := ValidateChunkConfig(chunkSize, chunkOverlap); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		index:   index,
		size:    chunkSize,
		overlap: chunkOverlap,
		logger:  slog.Default(),
	}, nil
}

// DocumentID derives the stable document identifier from the source name and
// extracted text: the first 16 bytes of SHA-256 over source, a NUL separator,
// and the text, hex-encoded. The same content from the same source always maps
// to the same id.
func DocumentID(source, text string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Ingest extracts text from src, chunks and indexes it, and records the
// document under the named study, creating the study on first use.
// Re-ingesting content that already exists in the study is a no-op returning
// the stored document; its original chunks are kept.
func (s *Store) Ingest(ctx context.Context, study string, src Source) (storage.Document, error) {
	if strings.TrimSpace(study) == "" {
		return storage.Document{}, errors.New("study name is required")
	}

	text, err := ExtractText(src.Name, src.Data)
	if err != nil {
		return storage.Document{}, err
	}

	id := DocumentID(src.Name, text)
	existing, err := s.db.GetDocument(study, id)
	if err == nil {
		s.logger.Info("document already ingested", "study", study, "document_id", id, "source", src.Name)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, fmt.Errorf("checking for existing document: %w", err)
	}

	if _, err := s.db.EnsureStudy(study); err != nil {
		return storage.Document{}, fmt.Errorf("ensuring study %s: %w", study, err)
	}

	doc := storage.Document{
		ID:        id,
		Study:     study,
		Source:    src.Name,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	applyMetadata(&doc, src.Meta)

	chunks, err := ChunkDocument(doc, s.size, s.overlap)
	if err != nil {
		return storage.Document{}, err
	}

	// Chunks go in before the document row so an interrupted ingest is
	// repaired by simply running it again.
	if err := s.index.Add(ctx, study, chunks); err != nil {
		return storage.Document{}, fmt.Errorf("indexing %s: %w", src.Name, err)
	}
	if err := s.db.SaveDocument(doc); err != nil {
		return storage.Document{}, fmt.Errorf("saving document %s: %w", src.Name, err)
	}

	s.logger.Info("document ingested",
		"study", study, "document_id", id, "source", src.Name, "chunks", len(chunks))
	return doc, nil
}

// IngestResult is the outcome of ingesting one source in a batch.
type IngestResult struct {
	Source   string
	Document storage.Document
	Err      error
}

// IngestAll ingests sources concurrently into the same study with at most
// parallel workers. Every source gets a result; one unreadable document never
// stops the rest.
func (s *Store) IngestAll(ctx context.Context, study string, srcs []Source, parallel int) []IngestResult {
	if parallel <= 0 {
		parallel = 4
	}

	results := make([]IngestResult, len(srcs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, src := range srcs {
		g.Go(func() error {
			doc, err := s.Ingest(ctx, study, src)
			results[i] = IngestResult{Source: src.Name, Document: doc, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

func applyMetadata(doc *storage.Document, meta Metadata) {
	doc.Title = meta.Title
	if doc.Title == "" {
		doc.Title = doc.Source
	}
	doc.Authors = encodeAuthors(meta.Authors)
	doc.Year = meta.Year
	doc.Abstract = meta.Abstract
	if doc.Abstract == "" {
		doc.Abstract = abstractOf(doc.Text)
	}
}

// abstractOf takes the leading runes of the text as a stand-in abstract.
func abstractOf(text string) string {
	runes := []rune(text)
	if len(runes) > abstractLimit {
		runes = runes[:abstractLimit]
	}
	return string(runes) + "..."
}

// SplitAuthors splits a semicolon-separated author field into trimmed names.
func SplitAuthors(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func encodeAuthors(authors []string) string {
	if len(authors) == 0 {
		return "[]"
	}
	b, err := json.Marshal(authors)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeAuthors parses a stored author field back into names. Inverse of the
// encoding applied at ingestion.
func DecodeAuthors(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
