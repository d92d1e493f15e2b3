package saga

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a run (or step) failed.
type ErrorKind string

const (
	// KindValidation indicates a malformed trigger, rejected before a run exists.
	KindValidation ErrorKind = "validation"
	// KindRateLimited indicates admission was rejected; no steps executed.
	KindRateLimited ErrorKind = "rate_limited"
	// KindStepFailure indicates a step exhausted its retry budget.
	KindStepFailure ErrorKind = "step_failure"
	// KindTerminalStepFailure indicates a step failed with a non-retryable error.
	KindTerminalStepFailure ErrorKind = "terminal_step_failure"
	// KindTimeout indicates the run exceeded its overall deadline.
	KindTimeout ErrorKind = "timeout"
	// KindPartialRemediation indicates the fix branch exists but PR creation
	// permanently failed; operators can open the PR by hand.
	KindPartialRemediation ErrorKind = "partial_remediation"
)

// Error is the only failure shape the runner surfaces to callers. It carries
// enough detail to distinguish a transient external outage from a permanent
// or logic failure.
type Error struct {
	Kind     ErrorKind
	Step     string // originating step, empty for run-level failures
	Attempts int    // attempts made against the originating step
	// RetryAfter is set on KindRateLimited errors: time until the
	// admission window resets.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("saga %s: step %q failed after %d attempt(s): %v", e.Kind, e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("saga %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a run-level error with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err is not a saga error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// terminalError marks a step failure as non-retryable.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal wraps err so the retry policy is bypassed: the step fails
// immediately and permanently. Use for malformed downstream responses and
// other failures that cannot succeed on retry.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Definition validation errors.
var (
	errMissingType = errors.New("saga: definition type is required")
	errNoSteps     = errors.New("saga: definition has no steps")
	errUnnamedStep = errors.New("saga: step name is required")
)

func errDuplicateStep(name string) error {
	return fmt.Errorf("saga: duplicate step %q", name)
}

func errStepBody(name string) error {
	return fmt.Errorf("saga: step %q must set exactly one of Run or FanOut", name)
}
