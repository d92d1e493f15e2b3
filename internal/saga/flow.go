package saga

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Flow is the view of a run handed to step functions: the trigger payload and
// the results of every step that has already succeeded. Step functions read
// from it; only the runner writes, at step boundaries, so concurrent fan-out
// sub-steps never share mutable state.
type Flow struct {
	runID     string
	sagaType  Type
	createdAt time.Time
	trigger   json.RawMessage

	mu      sync.RWMutex
	results map[string]json.RawMessage
}

func newFlow(run *Run) *Flow {
	return &Flow{
		runID:     run.ID,
		sagaType:  run.Type,
		createdAt: run.CreatedAt,
		trigger:   run.Trigger,
		results:   make(map[string]json.RawMessage),
	}
}

// RunID returns the run's unique identifier.
func (f *Flow) RunID() string {
	return f.runID
}

// CreatedAt returns the run's creation time. Stable across re-entries of the
// same run, which makes it safe for deriving idempotent names.
func (f *Flow) CreatedAt() time.Time {
	return f.createdAt
}

// Trigger unmarshals the trigger event into v.
func (f *Flow) Trigger(v any) error {
	if err := json.Unmarshal(f.trigger, v); err != nil {
		return fmt.Errorf("saga: unmarshal trigger: %w", err)
	}
	return nil
}

// Result unmarshals the named step's result into v. For fan-out steps the
// stored result is a map of sub-step key to sub-step result; pass a
// map[string]T to receive the joined aggregate.
func (f *Flow) Result(step string, v any) error {
	f.mu.RLock()
	raw, ok := f.results[step]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("saga: no result for step %q", step)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("saga: unmarshal result of step %q: %w", step, err)
	}
	return nil
}

func (f *Flow) setResult(step string, raw json.RawMessage) {
	f.mu.Lock()
	f.results[step] = raw
	f.mu.Unlock()
}

func (f *Flow) result(step string) (json.RawMessage, bool) {
	f.mu.RLock()
	raw, ok := f.results[step]
	f.mu.RUnlock()
	return raw, ok
}
