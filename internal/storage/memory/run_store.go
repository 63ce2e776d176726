// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/scrapewatch/internal/scrape"
	"github.com/JakeFAU/scrapewatch/internal/store"
)

// RunStore keeps run history in a map keyed by job handle.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]store.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]store.Run)}
}

// SaveRun inserts or replaces the run. A terminal run is never reopened by a
// stale non-terminal write.
func (s *RunStore) SaveRun(_ context.Context, run store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.Handle]; ok && prev.Phase.Terminal() && !run.Phase.Terminal() {
		return nil
	}
	s.runs[run.Handle] = cloneRun(run)
	return nil
}

// GetRun returns a copy of the stored run.
func (s *RunStore) GetRun(_ context.Context, handle string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[handle]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns runs ordered by submission time, newest first.
func (s *RunStore) ListRuns(_ context.Context, phase *scrape.Phase, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if phase != nil && run.Phase != *phase {
			continue
		}
		out = append(out, cloneRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if offset >= len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run store.Run) store.Run {
	if run.FinishedAt != nil {
		at := *run.FinishedAt
		run.FinishedAt = &at
	}
	return run
}
