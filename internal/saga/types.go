// Package saga implements the durable step-execution core: an append-only
// step ledger consulted before every execution, a pure exponential backoff
// policy, per-key admission control, and a runner that drives registered saga
// definitions through those pieces.
//
// The guarantees, in short:
//   - a step's side effect runs at most once per (runID, stepName), no matter
//     how many times the run is re-entered;
//   - failed steps retry with bounded exponential backoff without re-running
//     already-succeeded steps;
//   - fan-out sub-steps execute concurrently and are joined before the next
//     step begins;
//   - runs are independent units of work with no cross-run ordering.
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies a registered saga definition.
type Type string

const (
	// TypeScan is the repository security-scan workflow.
	TypeScan Type = "scan"
	// TypeAutoFix is the automated vulnerability-fix workflow.
	TypeAutoFix Type = "auto-fix"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Runs are immutable once
// terminal.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run is one execution instance of a saga. Owned exclusively by the Runner.
type Run struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Trigger json.RawMessage `json:"trigger"`
	Status  RunStatus       `json:"status"`

	// Failure detail, populated when Status is RunFailed.
	FailedStep string    `json:"failed_step,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`

	// StepErrors records best-effort step failures that did not fail the run.
	StepErrors []string `json:"step_errors,omitempty"`

	Output      json.RawMessage `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StepStatus is the outcome of one step attempt.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is one ledger entry for a step attempt within a run. Records are
// append-only; no record is ever edited in place. For a given
// (RunID, Step) at most one record is ever Succeeded.
type StepRecord struct {
	RunID      string          `json:"run_id"`
	Step       string          `json:"step"`
	Attempt    int             `json:"attempt"`
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Terminal   bool            `json:"terminal,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// StepFunc is the side-effecting body of a step. The returned value is
// JSON-serialized into the ledger and memoized.
type StepFunc func(ctx context.Context, f *Flow) (any, error)

// SubStep is one concurrent unit of a fan-out step. Its result is memoized
// under the composite name "step:key".
type SubStep struct {
	Key string
	Run StepFunc
}

// FanOutFunc expands a fan-out step into its sub-steps, typically one per
// element of an earlier step's result.
type FanOutFunc func(f *Flow) ([]SubStep, error)

// ConditionFunc gates a step. When it returns false the step is skipped
// without a ledger record.
type ConditionFunc func(f *Flow) (bool, error)

// Step is a named unit of work within a saga. Exactly one of Run or FanOut
// must be set.
type Step struct {
	Name      string
	Run       StepFunc
	FanOut    FanOutFunc
	Condition ConditionFunc

	// Retry overrides the runner's default policy for this step.
	Retry *RetryPolicy

	// BestEffort steps record their failure on the run but never fail it.
	BestEffort bool

	// ExhaustedKind overrides the error kind reported when this step's
	// retries are exhausted. Defaults to KindStepFailure.
	ExhaustedKind ErrorKind
}

// OutputFunc assembles the run's terminal output once every step has
// succeeded. When nil, the last executed step's result is used.
type OutputFunc func(f *Flow) (any, error)

// Definition is a registered saga: an ordered list of steps plus optional
// output assembly and an overall timeout override.
type Definition struct {
	Type    Type
	Steps   []Step
	Output  OutputFunc
	Timeout time.Duration
}

// Validate checks the definition for structural errors before registration.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return errMissingType
	}
	if len(d.Steps) == 0 {
		return errNoSteps
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return errUnnamedStep
		}
		if _, dup := seen[s.Name]; dup {
			return errDuplicateStep(s.Name)
		}
		seen[s.Name] = struct{}{}
		if (s.Run == nil) == (s.FanOut == nil) {
			return errStepBody(s.Name)
		}
	}
	return nil
}
