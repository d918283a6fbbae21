// Package pipeline assembles extraction result tables. It fans retrieval and
// extraction out over every document x variable pair of a study, bounded by a
// worker limit and a shared model-call rate, and contains per-cell trouble so
// one bad cell never sinks the table.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/acres-platform/tessera/internal/docstore"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/index"
	"github.com/acres-platform/tessera/internal/storage"
)

// Retriever finds the chunks of one document most relevant to a variable.
type Retriever interface {
	RetrieveDocument(ctx context.Context, study, documentID string, spec extraction.VariableSpec, topK int) ([]index.Scored, error)
}

// Extractor resolves a variable from retrieved context. Trouble is reported
// through the result, never through an error.
type Extractor interface {
	Extract(ctx context.Context, chunks []docstore.Chunk, spec extraction.VariableSpec) extraction.Result
}

// Registry is the slice of storage the orchestrator needs: study lookups and
// the run audit trail.
type Registry interface {
	GetStudy(name string) (storage.Study, error)
	SaveRun(r storage.Run) error
}

// Options tune a single BuildTable run. Zero values select the defaults.
type Options struct {
	TopK        int           // chunks retrieved per cell
	Concurrency int           // cells resolved in parallel
	CellTimeout time.Duration // budget per cell, retrieval plus extraction
	RatePerSec  float64       // model calls per second shared by all workers, 0 for unlimited
}

const (
	defaultTopK        = 5
	defaultConcurrency = 4
	defaultCellTimeout = 2 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.TopK == 0 {
		o.TopK = defaultTopK
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.CellTimeout <= 0 {
		o.CellTimeout = defaultCellTimeout
	}
	return o
}

// Orchestrator runs the retrieval and extraction stages for whole studies
// and records each run.
type Orchestrator struct {
	retriever Retriever
	extractor Extractor
	db        Registry
}

func New(retriever Retriever, extractor Extractor, db Registry) *Orchestrator {
	return &Orchestrator{retriever: retriever, extractor: extractor, db: db}
}

// BuildTable resolves every document x variable cell for the study and
// returns the complete grid. A failed or timed-out cell gets the not-found
// sentinel and a failure entry while the rest of the table proceeds.
// Cancelling ctx stops scheduling new cells and marks the unresolved ones;
// the partial table is still returned with a nil error so finished work is
// never discarded.
func (o *Orchestrator) BuildTable(ctx context.Context, study string, specs []extraction.VariableSpec, docs []storage.Document, opts Options) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("build table: no variables requested")
	}
	if opts.TopK < 0 {
		return nil, fmt.Errorf("build table: negative topK %d", opts.TopK)
	}
	if _, err := o.db.GetStudy(study); err != nil {
		return nil, fmt.Errorf("build table: study %q: %w", study, err)
	}
	opts = opts.withDefaults()

	start := time.Now()
	table := &Table{
		Study:   study,
		RunID:   uuid.NewString(),
		Columns: make([]string, len(specs)),
		Rows:    make([]Row, len(docs)),
	}
	for j, spec := range specs {
		table.Columns[j] = spec.Name
	}
	for i, doc := range docs {
		table.Rows[i] = Row{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Cells:      make([]extraction.Result, len(specs)),
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	var (
		mu       sync.Mutex
		failures []CellFailure
	)
	g := new(errgroup.Group)
	g.SetLimit(opts.Concurrency)
	for i, doc := range docs {
		for j, spec := range specs {
			g.Go(func() error {
				result, failed := o.fillCell(ctx, limiter, study, doc, spec, opts)
				table.Rows[i].Cells[j] = result
				if failed != "" {
					mu.Lock()
					failures = append(failures, CellFailure{
						Row:        i,
						Col:        j,
						DocumentID: doc.ID,
						Variable:   spec.Name,
						Kind:       failed,
					})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	// Workers never return errors; cell trouble lands in the table.
	_ = g.Wait()

	sort.Slice(failures, func(a, b int) bool {
		if failures[a].Row != failures[b].Row {
			return failures[a].Row < failures[b].Row
		}
		return failures[a].Col < failures[b].Col
	})
	table.Failures = failures
	table.DurationMs = time.Since(start).Milliseconds()

	o.record(ctx, table, start, len(docs), len(specs))
	return table, nil
}

// fillCell resolves one cell. It returns the cell result and, when the cell
// did not produce a usable answer, the failure kind for the report.
func (o *Orchestrator) fillCell(ctx context.Context, limiter *rate.Limiter, study string, doc storage.Document, spec extraction.VariableSpec, opts Options) (extraction.Result, string) {
	// Wait re-checks ctx first, so a cancelled run marks every cell it never
	// reached instead of blocking on the limiter.
	if err := limiter.Wait(ctx); err != nil {
		return extraction.Result{Value: Cancelled, FailureReason: extraction.FailCancelled}, extraction.FailCancelled
	}

	cellCtx, cancel := context.WithTimeout(ctx, opts.CellTimeout)
	defer cancel()

	scored, err := o.retriever.RetrieveDocument(cellCtx, study, doc.ID, spec, opts.TopK)
	if err != nil {
		slog.Warn("cell retrieval failed",
			"study", study, "document", doc.ID, "variable", spec.Name, "error", err)
		kind := extraction.ClassifyFailure(err)
		value := extraction.NotFound
		if kind == extraction.FailCancelled {
			value = Cancelled
		}
		return extraction.Result{Value: value, FailureReason: kind}, kind
	}

	chunks := make([]docstore.Chunk, len(scored))
	for k, s := range scored {
		chunks[k] = s.Chunk
	}

	result := o.extractor.Extract(cellCtx, chunks, spec)
	if result.FailureReason == extraction.FailCancelled {
		result.Value = Cancelled
	}
	return result, result.FailureReason
}

func (o *Orchestrator) record(ctx context.Context, table *Table, start time.Time, docs, vars int) {
	variables, _ := json.Marshal(table.Columns)
	status := "completed"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	err := o.db.SaveRun(storage.Run{
		ID:         table.RunID,
		Study:      table.Study,
		Variables:  string(variables),
		Documents:  docs,
		Cells:      docs * vars,
		Failed:     len(table.Failures),
		Status:     status,
		StartedAt:  start,
		DurationMs: table.DurationMs,
	})
	if err != nil {
		slog.Warn("recording run", "run", table.RunID, "error", err)
	}

	slog.Info("table built",
		"study", table.Study,
		"run", table.RunID,
		"documents", docs,
		"variables", vars,
		"failed_cells", len(table.Failures),
		"duration_ms", table.DurationMs,
	)
}
