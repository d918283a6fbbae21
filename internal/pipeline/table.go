package pipeline

import (
	"github.com/acres-platform/tessera/internal/extraction"
)

// Cancelled is the cell value recorded when a run is cancelled before the
// cell's extraction could finish. It is distinct from the not-found sentinel
// so a partial table is not mistaken for a complete one.
const Cancelled = "cancelled"

// Table is one assembled extraction grid: a row per requested document, a
// column per requested variable, every cell filled. Rows keep the document
// request order and Columns the variable request order.
type Table struct {
	Study      string        `json:"study"`
	RunID      string        `json:"run_id"`
	Columns    []string      `json:"columns"`
	Rows       []Row         `json:"rows"`
	Failures   []CellFailure `json:"failures,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Row holds one document's extracted values, positionally aligned with the
// table's Columns.
type Row struct {
	DocumentID string              `json:"document_id"`
	Title      string              `json:"title,omitempty"`
	Cells      []extraction.Result `json:"cells"`
}

// CellFailure explains why a cell carries a sentinel or cancellation value
// instead of an extracted one. A variable the documents simply do not answer
// is not a failure and is never reported here.
type CellFailure struct {
	Row        int    `json:"row"`
	Col        int    `json:"col"`
	DocumentID string `json:"document_id"`
	Variable   string `json:"variable"`
	Kind       string `json:"kind"`
}

// Cell returns the result at (row, col). It panics on out-of-range indices,
// same as slice access.
func (t *Table) Cell(row, col int) extraction.Result {
	return t.Rows[row].Cells[col]
}

// FailedCells counts cells that did not produce a usable answer.
func (t *Table) FailedCells() int {
	return len(t.Failures)
}
