package retrieval

import (
	"context"

	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/index"
)

// Searcher is the slice of the vector index the retriever needs.
type Searcher interface {
	Query(ctx context.Context, study, queryText string, topK int) ([]index.Scored, error)
	QueryDocument(ctx context.Context, study, documentID, queryText string, topK int) ([]index.Scored, error)
}

// Retriever turns a variable spec into ranked context chunks for extraction.
type Retriever struct {
	index Searcher
}

// NewRetriever creates a Retriever backed by the given index.
func NewRetriever(index Searcher) *Retriever {
	return &Retriever{index: index}
}

// Retrieve returns the study's top-K chunks most relevant to the variable.
func (r *Retriever) Retrieve(ctx context.Context, study string, spec extraction.VariableSpec, topK int) ([]index.Scored, error) {
	scored, err := r.index.Query(ctx, study, queryText(spec), topK)
	if err != nil {
		return nil, err
	}
	return dedupe(scored), nil
}

// RetrieveDocument restricts retrieval to one document's chunks. The
// orchestrator uses this to fill a single table cell, so context from other
// documents must never leak in.
func (r *Retriever) RetrieveDocument(ctx context.Context, study, documentID string, spec extraction.VariableSpec, topK int) ([]index.Scored, error) {
	scored, err := r.index.QueryDocument(ctx, study, documentID, queryText(spec), topK)
	if err != nil {
		return nil, err
	}
	return dedupe(scored), nil
}

// queryText builds the index query for a variable. The description carries
// the retrieval intent; the bare name is the fallback when there is none.
func queryText(spec extraction.VariableSpec) string {
	if spec.Description != "" {
		return spec.Description
	}
	return spec.Name
}

// dedupe drops repeated chunk ids while keeping the first (highest-ranked)
// occurrence, so the same text never appears twice in an extraction context.
func dedupe(scored []index.Scored) []index.Scored {
	if len(scored) == 0 {
		return scored
	}
	seen := make(map[string]struct{}, len(scored))
	out := make([]index.Scored, 0, len(scored))
	for _, s := range scored {
		if _, ok := seen[s.Chunk.ID]; ok {
			continue
		}
		seen[s.Chunk.ID] = struct{}{}
		out = append(out, s)
	}
	return out
}
