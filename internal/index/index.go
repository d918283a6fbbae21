package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acres-platform/tessera/internal/docstore"
)

// ErrChunkConflict is returned when a chunk id is re-added with different
// text. That means the indexed copy is stale; the document must be deleted
// and re-ingested.
var ErrChunkConflict = errors.New("chunk conflict")

// ErrInvalidQuery is returned for malformed query parameters.
var ErrInvalidQuery = errors.New("invalid query")

// embedConcurrency bounds parallel embedding calls during Add so a large
// document doesn't overwhelm the inference backend.
const embedConcurrency = 4

// Embedder is the slice of the inference engine the index needs.
type Embedder interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Scored is a chunk paired with its cosine similarity to a query.
type Scored struct {
	Chunk docstore.Chunk
	Score float32
}

// Index provides per-study vector storage and brute-force cosine similarity
// search backed by SQLite. The chunk_vectors table lives in the same database
// as the document catalog, so deleting a document or a study removes its
// vectors in the same transaction.
//
// When a study's chunk count grows past ~100K and query latency becomes
// noticeable, consider an ANN-backed implementation behind the same contract.
type Index struct {
	db       *sql.DB
	embedder Embedder
	model    string
}

// New wraps an existing *sql.DB for vector operations. The chunk_vectors
// table must already exist (created via migrations). Chunks are embedded
// with the given model.
func New(db *sql.DB, embedder Embedder, model string) *Index {
	return &Index{db: db, embedder: embedder, model: model}
}

// Add embeds chunk texts and stores them in the study's collection.
// Re-adding a chunk with the same id and text is a no-op, so ingestion can
// be retried safely. The same id with different text returns
// ErrChunkConflict. Only chunks not already present are embedded.
func (ix *Index) Add(ctx context.Context, study string, chunks []docstore.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	existing, err := ix.existingTexts(ctx, study, chunks)
	if err != nil {
		return err
	}

	var missing []docstore.Chunk
	for _, c := range chunks {
		text, ok := existing[c.ID]
		if !ok {
			missing = append(missing, c)
			continue
		}
		if text != c.Text {
			return fmt.Errorf("%w: chunk %s already indexed with different text", ErrChunkConflict, c.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	vectors := make([][]float32, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, c := range missing {
		g.Go(func() error {
			vec, err := ix.embedder.Embed(gctx, ix.model, c.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %s: %w", c.ID, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO chunk_vectors (id, study, document_id, seq, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	createdAt := time.Now().UTC().Format(time.RFC3339)
	for i, c := range missing {
		blob := encodeFloat32s(vectors[i])
		if _, err := stmt.Exec(c.ID, study, c.DocumentID, c.Seq, c.Text, blob, createdAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// existingTexts returns id -> stored text for the given chunks already in
// the study's collection.
func (ix *Index) existingTexts(ctx context.Context, study string, chunks []docstore.Chunk) (map[string]string, error) {
	args := make([]interface{}, 0, len(chunks)+1)
	args = append(args, study)
	for _, c := range chunks {
		args = append(args, c.ID)
	}
	query := `SELECT id, text FROM chunk_vectors
		WHERE study = ? AND id IN (?` + strings.Repeat(",?", len(chunks)-1) + `)`

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying existing chunks: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]string, len(chunks))
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scanning existing chunk: %w", err)
		}
		existing[id] = text
	}
	return existing, rows.Err()
}

// Query embeds queryText and returns the study's top-K chunks by descending
// cosine similarity. Ties are broken by (document id, seq), so repeated
// queries against an unchanged index return identical sequences. A study
// with no indexed chunks yields an empty result, not an error.
func (ix *Index) Query(ctx context.Context, study, queryText string, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top-K must be positive, got %d", ErrInvalidQuery, topK)
	}
	vec, err := ix.embedder.Embed(ctx, ix.model, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return ix.search(ctx, vec, topK, `study = ?`, study)
}

// QueryDocument is Query restricted to a single document's chunks.
func (ix *Index) QueryDocument(ctx context.Context, study, documentID, queryText string, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top-K must be positive, got %d", ErrInvalidQuery, topK)
	}
	vec, err := ix.embedder.Embed(ctx, ix.model, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return ix.search(ctx, vec, topK, `study = ? AND document_id = ?`, study, documentID)
}

// CountChunks returns the number of indexed chunks in a study.
func (ix *Index) CountChunks(ctx context.Context, study string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE study = ?`, study).Scan(&n)
	return n, err
}

// candidate holds only the ranking fields during the scan phase of search.
// Chunk text is fetched for the top-K winners alone.
type candidate struct {
	ID         string
	DocumentID string
	Seq        int
	Score      float32
}

// ranksBelow reports whether a sorts after b: lower score first, then later
// (document id, seq). One strict total order drives both the scan heap and
// the final result order, which is what makes queries reproducible.
func ranksBelow(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID > b.DocumentID
	}
	return a.Seq > b.Seq
}

func (ix *Index) search(ctx context.Context, vector []float32, topK int, where string, args ...interface{}) ([]Scored, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only ranking fields + embedding to find top-K candidates.
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, document_id, seq, embedding FROM chunk_vectors WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}

		c.Score = dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, c)
		} else if ranksBelow((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Popping the min-heap yields candidates worst-first; filling the slice
	// back to front leaves winners already in final order.
	winners := make([]candidate, h.Len())
	for i := len(winners) - 1; i >= 0; i-- {
		winners[i] = heap.Pop(h).(candidate)
	}

	// Phase 2: fetch chunk text for the winners, under the same scope so a
	// chunk id shared across studies cannot leak in.
	queryArgs := make([]interface{}, 0, len(args)+len(winners))
	queryArgs = append(queryArgs, args...)
	for _, c := range winners {
		queryArgs = append(queryArgs, c.ID)
	}
	textQuery := `SELECT id, text FROM chunk_vectors WHERE ` + where +
		` AND id IN (?` + strings.Repeat(",?", len(winners)-1) + `)`

	textRows, err := ix.db.QueryContext(ctx, textQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer textRows.Close()

	texts := make(map[string]string, len(winners))
	for textRows.Next() {
		var id, text string
		if err := textRows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		texts[id] = text
	}
	if err := textRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	results := make([]Scored, 0, len(winners))
	for _, c := range winners {
		// A chunk deleted between the two phases is dropped, not returned empty.
		text, ok := texts[c.ID]
		if !ok {
			continue
		}
		results = append(results, Scored{
			Chunk: docstore.Chunk{ID: c.ID, DocumentID: c.DocumentID, Seq: c.Seq, Text: text},
			Score: c.Score,
		})
	}
	return results, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans. Returns an
// error if the byte length is not a multiple of 4 (indicates corruption).
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap under ranksBelow: the root is always the
// weakest kept candidate, so replacement keeps the true top-K even when
// scores tie.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return ranksBelow(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
