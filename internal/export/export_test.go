package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/pipeline"
)

func sampleTable() *pipeline.Table {
	return &pipeline.Table{
		Study:   "ebola-virus",
		RunID:   "run-1",
		Columns: []string{"sample size", "country"},
		Rows: []pipeline.Row{
			{
				DocumentID: "doc-1",
				Title:      "Ebola, a field report",
				Cells: []extraction.Result{
					{Value: "3,252", Found: true},
					{Value: "Guinea | Liberia", Found: true},
				},
			},
			{
				DocumentID: "doc-2",
				Title:      "Vaccine coverage",
				Cells: []extraction.Result{
					{Value: extraction.NotFound},
					{Value: pipeline.Cancelled, FailureReason: extraction.FailCancelled},
				},
			},
		},
		Failures: []pipeline.CellFailure{
			{Row: 1, Col: 1, DocumentID: "doc-2", Variable: "country", Kind: extraction.FailCancelled},
		},
		DurationMs: 1200,
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTable()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	want := strings.Join([]string{
		"document_id,title,sample size,country",
		`doc-1,"Ebola, a field report","3,252",Guinea | Liberia`,
		"doc-2,Vaccine coverage,not found,cancelled",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("csv output:\n%s\nwant:\n%s", got, want)
	}
}

func TestWriteCSVEmptyTable(t *testing.T) {
	var buf bytes.Buffer
	table := &pipeline.Table{Study: "empty", Columns: []string{"dose"}}
	if err := WriteCSV(&buf, table); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got := buf.String(); got != "document_id,title,dose\n" {
		t.Errorf("csv output %q, want header only", got)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleTable()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded pipeline.Table
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Study != "ebola-virus" || decoded.RunID != "run-1" {
		t.Errorf("decoded table %q/%q", decoded.Study, decoded.RunID)
	}
	if len(decoded.Rows) != 2 || len(decoded.Rows[0].Cells) != 2 {
		t.Fatalf("decoded %d rows", len(decoded.Rows))
	}
	if decoded.Rows[1].Cells[1].Value != pipeline.Cancelled {
		t.Errorf("cancelled cell = %q", decoded.Rows[1].Cells[1].Value)
	}
	if len(decoded.Failures) != 1 || decoded.Failures[0].Kind != extraction.FailCancelled {
		t.Errorf("failures = %+v", decoded.Failures)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Error("output is not indented")
	}
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMarkdown(&buf, sampleTable()); err != nil {
		t.Fatalf("WriteMarkdown: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if lines[0] != "| document_id | title | sample size | country |" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "| --- | --- | --- | --- |" {
		t.Errorf("separator = %q", lines[1])
	}
	if want := `| doc-1 | Ebola, a field report | 3,252 | Guinea \| Liberia |`; lines[2] != want {
		t.Errorf("row = %q, want %q", lines[2], want)
	}
}
