package ledger

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/remedyd/internal/saga"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Everything is held under one mutex; copies go in and out so callers never
// share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]saga.Run
	steps map[string][]saga.StepRecord // keyed by runID + "\x00" + step
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]saga.Run),
		steps: make(map[string][]saga.StepRecord),
	}
}

func stepKey(runID, step string) string {
	return runID + "\x00" + step
}

// PutRun creates or replaces the run record.
func (s *MemoryStore) PutRun(_ context.Context, run *saga.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

// GetRun returns a copy of the run, or ErrRunNotFound.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*saga.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := run
	return &out, nil
}

// Append adds one step record to the history.
func (s *MemoryStore) Append(_ context.Context, rec saga.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey(rec.RunID, rec.Step)
	s.steps[key] = append(s.steps[key], rec)
	return nil
}

// History returns all records for (runID, step) in append order.
func (s *MemoryStore) History(_ context.Context, runID, step string) ([]saga.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.steps[stepKey(runID, step)]
	out := make([]saga.StepRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// LatestSuccess returns the Succeeded record for (runID, step), if any.
func (s *MemoryStore) LatestSuccess(_ context.Context, runID, step string) (*saga.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.steps[stepKey(runID, step)] {
		if rec.Status == saga.StepSucceeded {
			out := rec
			return &out, true, nil
		}
	}
	return nil, false, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
