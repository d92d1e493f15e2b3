package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Test-only accessors for external tests in package saga_test, which cannot
// live in package saga because they exercise the ledger subpackage (ledger
// imports saga, and in-package test files may not complete that cycle).

// SetSleep replaces the runner's backoff sleep function.
func (r *Runner) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// Store exposes the runner's underlying store.
func (r *Runner) Store() Store {
	return r.store
}

// NewFlow exposes newFlow.
func NewFlow(run *Run) *Flow {
	return newFlow(run)
}

// SetResult exposes setResult.
func (f *Flow) SetResult(step string, raw json.RawMessage) {
	f.setResult(step, raw)
}
