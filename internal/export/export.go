// Package export writes assembled result tables to sinks: CSV for
// spreadsheets, JSON for programmatic use, and Markdown for terminals.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/acres-platform/tessera/internal/pipeline"
)

// WriteCSV writes the table as CSV: a header of document_id, title, and the
// variable columns in table order, then one row per document.
func WriteCSV(w io.Writer, table *pipeline.Table) error {
	cw := csv.NewWriter(w)

	header := append([]string{"document_id", "title"}, table.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range table.Rows {
		record := make([]string, 0, len(table.Columns)+2)
		record = append(record, row.DocumentID, row.Title)
		for _, cell := range row.Cells {
			record = append(record, cell.Value)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the table as indented JSON, failures included.
func WriteJSON(w io.Writer, table *pipeline.Table) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(table)
}

// mdEscaper keeps cell values from breaking the Markdown grid.
var mdEscaper = strings.NewReplacer("|", "\\|", "\n", " ")

// WriteMarkdown writes the table as a Markdown grid with the same columns as
// the CSV form.
func WriteMarkdown(w io.Writer, table *pipeline.Table) error {
	header := append([]string{"document_id", "title"}, table.Columns...)

	var b strings.Builder
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(header)) + "\n")
	for _, row := range table.Rows {
		cells := make([]string, 0, len(header))
		cells = append(cells, mdEscaper.Replace(row.DocumentID), mdEscaper.Replace(row.Title))
		for _, cell := range row.Cells {
			cells = append(cells, mdEscaper.Replace(cell.Value))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	_, err := fmt.Fprint(w, b.String())
	return err
}
