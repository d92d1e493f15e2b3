package saga

import (
	"context"
	"errors"
)

// ErrRunNotFound indicates no run exists for the given ID.
var ErrRunNotFound = errors.New("saga: run not found")

// Store is the persistence contract the runner executes against. See the
// ledger package for implementations.
//
// Append and PutRun must be safe under concurrent use; fan-out sub-steps
// append from multiple goroutines.
type Store interface {
	// PutRun creates or replaces the run's bookkeeping record.
	PutRun(ctx context.Context, run *Run) error

	// GetRun returns the run by ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// Append adds one step record to the run's history.
	Append(ctx context.Context, rec StepRecord) error

	// History returns all records for (runID, step) in append order.
	History(ctx context.Context, runID, step string) ([]StepRecord, error)

	// LatestSuccess returns the Succeeded record for (runID, step), if any.
	LatestSuccess(ctx context.Context, runID, step string) (*StepRecord, bool, error)

	// Close releases the store's resources.
	Close() error
}
