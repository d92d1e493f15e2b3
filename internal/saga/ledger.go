package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AttemptFunc is one attempt at a step's side effect, as seen by the ledger.
type AttemptFunc func(ctx context.Context) (any, error)

// Ledger provides memoized execution on top of a Store. It guarantees a
// step's side effect occurs at most once per (runID, step) across any number
// of saga re-entries: once a Succeeded record exists, GetOrRun returns its
// stored result without invoking the attempt function again.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger wraps a store with memoized execution.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// GetOrRun looks up the most recent outcome for (runID, step). If a Succeeded
// record exists, its stored result is returned and attempt is not invoked.
// Otherwise attempt runs exactly once and its outcome is appended to the
// ledger: a Succeeded record with the serialized result, or a Failed record
// carrying the error (tagged terminal when the error is non-retryable).
// Retry scheduling is the caller's concern; GetOrRun never loops.
func (l *Ledger) GetOrRun(ctx context.Context, runID, step string, attempt AttemptFunc) (json.RawMessage, error) {
	if rec, ok, err := l.store.LatestSuccess(ctx, runID, step); err != nil {
		return nil, fmt.Errorf("saga: ledger lookup for step %q: %w", step, err)
	} else if ok {
		return rec.Result, nil
	}

	attempts, err := l.Attempts(ctx, runID, step)
	if err != nil {
		return nil, err
	}

	rec := StepRecord{
		RunID:     runID,
		Step:      step,
		Attempt:   attempts + 1,
		StartedAt: l.now(),
	}

	value, attemptErr := attempt(ctx)
	rec.FinishedAt = l.now()

	if attemptErr != nil {
		rec.Status = StepFailed
		rec.Error = attemptErr.Error()
		rec.Terminal = IsTerminal(attemptErr)
		if err := l.store.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("saga: append failed record for step %q: %w", step, err)
		}
		return nil, attemptErr
	}

	result, err := json.Marshal(value)
	if err != nil {
		// The side effect already happened; a result we cannot serialize
		// can never be replayed, so this is not retryable.
		return nil, Terminal(fmt.Errorf("saga: marshal result of step %q: %w", step, err))
	}
	rec.Status = StepSucceeded
	rec.Result = result
	if err := l.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("saga: append succeeded record for step %q: %w", step, err)
	}
	return result, nil
}

// Attempts returns how many attempts have failed for (runID, step).
func (l *Ledger) Attempts(ctx context.Context, runID, step string) (int, error) {
	history, err := l.store.History(ctx, runID, step)
	if err != nil {
		return 0, fmt.Errorf("saga: ledger history for step %q: %w", step, err)
	}
	failed := 0
	for _, rec := range history {
		if rec.Status == StepFailed {
			failed++
		}
	}
	return failed, nil
}

// LastFailure returns the most recent Failed record for (runID, step), if any.
func (l *Ledger) LastFailure(ctx context.Context, runID, step string) (*StepRecord, bool, error) {
	history, err := l.store.History(ctx, runID, step)
	if err != nil {
		return nil, false, fmt.Errorf("saga: ledger history for step %q: %w", step, err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == StepFailed {
			rec := history[i]
			return &rec, true, nil
		}
	}
	return nil, false, nil
}
