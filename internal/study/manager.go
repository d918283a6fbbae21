// Package study assembles cached overviews of studies: how many documents
// and chunks each holds and how its last extraction run went.
package study

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acres-platform/tessera/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	ListStudies() ([]storage.Study, error)
	GetStudy(name string) (storage.Study, error)
	CountDocuments(study string) (int, error)
	LastRun(study string) (storage.Run, error)
}

// ChunkCounter reports how many chunks a study's vector collection holds.
// Implemented by index.Index.
type ChunkCounter interface {
	CountChunks(ctx context.Context, study string) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Summary is the overview of one study.
type Summary struct {
	Name      string    `json:"name"`
	Documents int       `json:"documents"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   *RunInfo  `json:"last_run,omitempty"`
}

// RunInfo is the condensed record of a study's most recent extraction run.
type RunInfo struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Failed     int       `json:"failed"`
}

// Manager provides cached access to study summaries. Counting documents and
// chunks touches every table, so the assembled list is held for a short TTL.
type Manager struct {
	store Store
	index ChunkCounter
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   []Summary
	cachedAt time.Time
}

// NewManager creates a Manager with a 30-second cache TTL.
func NewManager(store Store, index ChunkCounter) *Manager {
	return &Manager{
		store: store,
		index: index,
		clock: realClock{},
		ttl:   30 * time.Second,
	}
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, index ChunkCounter, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		index: index,
		clock: clock,
		ttl:   ttl,
	}
}

// Summaries returns the overview of every study in creation order, from
// cache when it is still fresh.
func (m *Manager) Summaries(ctx context.Context) ([]Summary, error) {
	// Fast path: read lock for cache hit.
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		s := copySummaries(m.cached)
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	// Slow path: write lock for cache miss.
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return copySummaries(m.cached), nil
	}

	studies, err := m.store.ListStudies()
	if err != nil {
		return nil, fmt.Errorf("listing studies: %w", err)
	}

	summaries := make([]Summary, 0, len(studies))
	for _, st := range studies {
		s, err := m.buildSummary(ctx, st)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	m.cached = summaries
	m.cachedAt = m.clock.Now()
	return copySummaries(summaries), nil
}

// Summary returns one study's overview. A fresh cache entry is served as is;
// anything else is assembled directly so just-created studies are visible
// immediately. Unknown studies yield storage.ErrNotFound.
func (m *Manager) Summary(ctx context.Context, name string) (Summary, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		for _, s := range m.cached {
			if s.Name == name {
				cp := s
				if s.LastRun != nil {
					run := *s.LastRun
					cp.LastRun = &run
				}
				m.mu.RUnlock()
				return cp, nil
			}
		}
	}
	m.mu.RUnlock()

	st, err := m.store.GetStudy(name)
	if err != nil {
		return Summary{}, err
	}
	return m.buildSummary(ctx, st)
}

// Invalidate drops the cache. Callers that just ingested or deleted data use
// it so the next listing reflects the change.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

func (m *Manager) buildSummary(ctx context.Context, st storage.Study) (Summary, error) {
	docs, err := m.store.CountDocuments(st.Name)
	if err != nil {
		return Summary{}, fmt.Errorf("counting documents of %s: %w", st.Name, err)
	}
	chunks, err := m.index.CountChunks(ctx, st.Name)
	if err != nil {
		return Summary{}, fmt.Errorf("counting chunks of %s: %w", st.Name, err)
	}

	s := Summary{
		Name:      st.Name,
		Documents: docs,
		Chunks:    chunks,
		CreatedAt: st.CreatedAt,
	}

	run, err := m.store.LastRun(st.Name)
	switch {
	case err == nil:
		s.LastRun = &RunInfo{
			ID:         run.ID,
			Status:     run.Status,
			StartedAt:  run.StartedAt,
			DurationMs: run.DurationMs,
			Failed:     run.Failed,
		}
	case !errors.Is(err, storage.ErrNotFound):
		return Summary{}, fmt.Errorf("last run of %s: %w", st.Name, err)
	}
	return s, nil
}

func copySummaries(in []Summary) []Summary {
	out := make([]Summary, len(in))
	copy(out, in)
	for i := range out {
		if out[i].LastRun != nil {
			run := *out[i].LastRun
			out[i].LastRun = &run
		}
	}
	return out
}
