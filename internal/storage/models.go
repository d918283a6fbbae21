package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Study is a named corpus of documents with its own vector collection.
type Study struct {
	Name      string
	CreatedAt time.Time
}

// Document is one ingested source, immutable once chunked and indexed.
type Document struct {
	ID        string
	Study     string
	Source    string // Zotero item key or uploaded filename
	Title     string
	Authors   string // JSON array stored as text
	Year      int
	Abstract  string
	Text      string
	CreatedAt time.Time
}

// Run records one extraction run over a study.
type Run struct {
	ID         string
	Study      string
	Variables  string // JSON array stored as text
	Documents  int
	Cells      int
	Failed     int
	Status     string // "completed", "cancelled"
	StartedAt  time.Time
	DurationMs int64
}
