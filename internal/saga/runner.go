package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ratelimit"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/saga"

// RunnerConfig configures the saga runner.
type RunnerConfig struct {
	// DefaultTimeout is the overall budget for a run unless the definition
	// overrides it. Default: 30 minutes.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// Retry is the default per-step backoff policy. Steps may override it.
	Retry RetryPolicy `koanf:"retry"`
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultTimeout: 30 * time.Minute,
		Retry:          DefaultRetryPolicy(),
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RunnerConfig) ApplyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	c.Retry.ApplyDefaults()
}

// Runner executes registered saga definitions against the step ledger,
// consulting the retry policy on failure and the rate limiter on admission.
type Runner struct {
	cfg     RunnerConfig
	ledger  *Ledger
	store   Store
	limiter *ratelimit.Limiter
	logger  *logging.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	stepRetries   metric.Int64Counter

	mu   sync.RWMutex
	defs map[Type]Definition

	// Hooks for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner over the given store and limiter.
func NewRunner(cfg RunnerConfig, store Store, limiter *ratelimit.Limiter, logger *logging.Logger) (*Runner, error) {
	if store == nil {
		return nil, errors.New("saga: store is required")
	}
	if limiter == nil {
		return nil, errors.New("saga: limiter is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()

	r := &Runner{
		cfg:     cfg,
		ledger:  NewLedger(store),
		store:   store,
		limiter: limiter,
		logger:  logger.Named("saga"),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		defs:    make(map[Type]Definition),
		now:     time.Now,
		sleep:   sleepContext,
	}
	r.initMetrics()
	return r, nil
}

// Register adds a saga definition. Definitions are immutable once registered.
func (r *Runner) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("saga: type %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Runner) definition(typ Type) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[typ]
	return def, ok
}

// GetRun returns the run by ID, or ErrRunNotFound.
func (r *Runner) GetRun(ctx context.Context, runID string) (*Run, error) {
	return r.store.GetRun(ctx, runID)
}

// Execute starts a new run of the given saga type and drives it to a
// terminal status before returning. The trigger payload is JSON-serialized
// onto the run; key identifies the triggering actor for admission control.
// Rejected admission fails the run immediately with KindRateLimited and no
// steps execute.
func (r *Runner) Execute(ctx context.Context, typ Type, key string, trigger any) (*Run, error) {
	def, run, err := r.admit(ctx, typ, key, trigger)
	if err != nil {
		return run, err
	}
	return r.execute(ctx, def, run)
}

// Submit is Execute with detached step execution: admission happens
// synchronously so callers can surface rate limiting, then the steps run in
// a background goroutine and the Running run is returned immediately.
func (r *Runner) Submit(ctx context.Context, typ Type, key string, trigger any) (*Run, error) {
	def, run, err := r.admit(ctx, typ, key, trigger)
	if err != nil {
		return run, err
	}
	accepted := *run
	go func() {
		if _, err := r.execute(context.WithoutCancel(ctx), def, run); err != nil {
			r.logger.Error(context.Background(), "submitted run finished with error",
				zap.String("run.id", run.ID),
				zap.Error(err),
			)
		}
	}()
	return &accepted, nil
}

// admit creates the run, checks admission, and moves it to Running.
func (r *Runner) admit(ctx context.Context, typ Type, key string, trigger any) (Definition, *Run, error) {
	def, ok := r.definition(typ)
	if !ok {
		return Definition{}, nil, fmt.Errorf("saga: type %q not registered", typ)
	}

	payload, err := marshalTrigger(trigger)
	if err != nil {
		return Definition{}, nil, NewError(KindValidation, err)
	}

	now := r.now()
	run := &Run{
		ID:        uuid.NewString(),
		Type:      typ,
		Trigger:   payload,
		Status:    RunPending,
		CreatedAt: now,
	}
	if err := r.store.PutRun(ctx, run); err != nil {
		return Definition{}, nil, fmt.Errorf("saga: persist run: %w", err)
	}

	if decision := r.limiter.TryAdmit(key, now); !decision.Admitted {
		run.Status = RunFailed
		run.ErrorKind = KindRateLimited
		run.Error = fmt.Sprintf("admission rejected for key %q", key)
		completed := r.now()
		run.CompletedAt = &completed
		if err := r.store.PutRun(ctx, run); err != nil {
			return Definition{}, nil, fmt.Errorf("saga: persist run: %w", err)
		}
		r.countCompleted(ctx, typ, run.Status)
		r.logger.Warn(ctx, "run rejected by admission control",
			zap.String("run.id", run.ID),
			zap.String("saga", string(typ)),
			zap.String("key", key),
			zap.Duration("retry_after", decision.RetryAfter),
		)
		return Definition{}, run, &Error{
			Kind:       KindRateLimited,
			Err:        fmt.Errorf("admission rejected for key %q", key),
			RetryAfter: decision.RetryAfter,
		}
	}

	if r.runsStarted != nil {
		r.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("saga.type", string(typ))))
	}

	run.Status = RunRunning
	if err := r.store.PutRun(ctx, run); err != nil {
		return Definition{}, nil, fmt.Errorf("saga: persist run: %w", err)
	}
	return def, run, nil
}

// Resume re-enters an existing run, e.g. after a crash. Steps that already
// succeeded replay from the ledger without re-executing their side effects.
// Terminal runs are returned unchanged.
func (r *Runner) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	def, ok := r.definition(run.Type)
	if !ok {
		return nil, fmt.Errorf("saga: type %q not registered", run.Type)
	}
	if run.Status == RunPending {
		run.Status = RunRunning
		if err := r.store.PutRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saga: persist run: %w", err)
		}
	}
	return r.execute(ctx, def, run)
}

// execute drives the run through the definition's steps in order.
func (r *Runner) execute(ctx context.Context, def Definition, run *Run) (*Run, error) {
	timeout := def.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rctx = logging.WithRun(rctx, run.ID, string(run.Type))
	rctx, span := r.tracer.Start(rctx, "saga.run", trace.WithAttributes(
		attribute.String("saga.type", string(run.Type)),
		attribute.String("run.id", run.ID),
	))
	defer span.End()

	r.logger.Info(rctx, "run started")

	flow := newFlow(run)
	var lastStep string

	for i := range def.Steps {
		step := &def.Steps[i]

		// Cancellation is honored between steps only; a dispatched step
		// runs to completion first.
		if err := rctx.Err(); err != nil {
			return r.finishInterrupted(ctx, run, span, err)
		}

		if step.Condition != nil {
			ok, err := step.Condition(flow)
			if err != nil {
				return r.failRun(ctx, run, span, &stepError{
					step: step.Name,
					kind: KindTerminalStepFailure,
					err:  fmt.Errorf("condition: %w", err),
				})
			}
			if !ok {
				r.logger.Debug(rctx, "step skipped by condition", zap.String("step", step.Name))
				continue
			}
		}

		raw, serr := r.executeStep(rctx, flow, step)
		if serr != nil {
			if err := rctx.Err(); err != nil {
				return r.finishInterrupted(ctx, run, span, err)
			}
			if step.BestEffort {
				run.StepErrors = append(run.StepErrors,
					fmt.Sprintf("%s: %v", serr.step, serr.err))
				r.logger.Warn(rctx, "best-effort step failed, continuing",
					zap.String("step", serr.step),
					zap.Int("attempts", serr.attempts),
					zap.Error(serr.err),
				)
				continue
			}
			return r.failRun(ctx, run, span, serr)
		}

		flow.setResult(step.Name, raw)
		lastStep = step.Name
	}

	output, err := r.assembleOutput(def, flow, lastStep)
	if err != nil {
		return r.failRun(ctx, run, span, &stepError{
			step: lastStep,
			kind: KindTerminalStepFailure,
			err:  err,
		})
	}

	run.Status = RunSucceeded
	run.Output = output
	completed := r.now()
	run.CompletedAt = &completed
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saga: persist run: %w", err)
	}
	r.countCompleted(ctx, run.Type, run.Status)
	span.SetStatus(codes.Ok, "")
	r.logger.Info(rctx, "run succeeded")
	return run, nil
}

func (r *Runner) assembleOutput(def Definition, flow *Flow, lastStep string) (json.RawMessage, error) {
	if def.Output != nil {
		value, err := def.Output(flow)
		if err != nil {
			return nil, fmt.Errorf("assemble output: %w", err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		return raw, nil
	}
	raw, _ := flow.result(lastStep)
	return raw, nil
}

// stepError carries step-level failure detail into the run's terminal state.
type stepError struct {
	step     string
	attempts int
	kind     ErrorKind
	err      error
}

// executeStep runs a single step (plain or fan-out) to success, retry
// exhaustion, or terminal failure.
func (r *Runner) executeStep(ctx context.Context, flow *Flow, step *Step) (json.RawMessage, *stepError) {
	policy := r.cfg.Retry
	if step.Retry != nil {
		policy = *step.Retry
		policy.ApplyDefaults()
	}
	if step.FanOut != nil {
		return r.executeFanOut(ctx, flow, step, policy)
	}
	return r.runWithRetry(ctx, flow, step.Name, step.Run, policy, step.ExhaustedKind)
}

// runWithRetry drives one memoized step through the backoff schedule. The
// attempt count is always read back from the ledger, never tracked locally,
// so re-entered runs pick up where they left off.
func (r *Runner) runWithRetry(ctx context.Context, flow *Flow, name string, fn StepFunc, policy RetryPolicy, exhaustedKind ErrorKind) (json.RawMessage, *stepError) {
	sctx := logging.WithStep(ctx, name)

	for {
		raw, err := r.runAttempt(sctx, flow, name, fn)
		if err == nil {
			return raw, nil
		}

		attempts, aerr := r.ledger.Attempts(sctx, flow.runID, name)
		if aerr != nil {
			return nil, &stepError{step: name, kind: KindStepFailure, err: aerr}
		}

		if IsTerminal(err) {
			r.logger.Error(sctx, "step failed terminally", zap.Error(err))
			return nil, &stepError{step: name, attempts: attempts, kind: KindTerminalStepFailure, err: err}
		}

		delay, retryable := policy.NextDelay(attempts)
		if !retryable {
			kind := exhaustedKind
			if kind == "" {
				kind = KindStepFailure
			}
			r.logger.Error(sctx, "step exhausted retries",
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return nil, &stepError{step: name, attempts: attempts, kind: kind, err: err}
		}

		if r.stepRetries != nil {
			r.stepRetries.Add(sctx, 1, metric.WithAttributes(
				attribute.String("saga.type", string(flow.sagaType)),
				attribute.String("step.name", name),
			))
		}
		r.logger.Warn(sctx, "step failed, backing off",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		// Suspension point: the run waits here without holding anything
		// other runs need.
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, &stepError{step: name, attempts: attempts, kind: KindStepFailure, err: serr}
		}
	}
}

// runAttempt performs one ledger-mediated attempt wrapped in a span.
func (r *Runner) runAttempt(ctx context.Context, flow *Flow, name string, fn StepFunc) (json.RawMessage, error) {
	ctx, span := r.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.type", string(flow.sagaType)),
		attribute.String("run.id", flow.runID),
		attribute.String("step.name", name),
	))
	defer span.End()

	raw, err := r.ledger.GetOrRun(ctx, flow.runID, name, func(ctx context.Context) (any, error) {
		return fn(ctx, flow)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return raw, nil
}

// executeFanOut expands the step into sub-steps, dispatches them
// concurrently, and joins their results into a map keyed by sub-step key.
// Every sub-step runs to completion (success or retry exhaustion) even when
// a sibling fails, so succeeded records are preserved for later retries of
// the run. The joined aggregate is memoized under the parent step name.
func (r *Runner) executeFanOut(ctx context.Context, flow *Flow, step *Step, policy RetryPolicy) (json.RawMessage, *stepError) {
	if rec, ok, err := r.store.LatestSuccess(ctx, flow.runID, step.Name); err != nil {
		return nil, &stepError{step: step.Name, kind: KindStepFailure, err: err}
	} else if ok {
		return rec.Result, nil
	}

	subs, err := step.FanOut(flow)
	if err != nil {
		return nil, &stepError{step: step.Name, kind: KindTerminalStepFailure, err: fmt.Errorf("fan-out expansion: %w", err)}
	}

	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		if _, dup := seen[sub.Key]; dup {
			return nil, &stepError{step: step.Name, kind: KindTerminalStepFailure, err: fmt.Errorf("duplicate fan-out key %q", sub.Key)}
		}
		seen[sub.Key] = struct{}{}
	}

	results := make([]json.RawMessage, len(subs))
	serrs := make([]*stepError, len(subs))
	var g errgroup.Group
	for i := range subs {
		g.Go(func() error {
			sub := subs[i]
			raw, serr := r.runWithRetry(ctx, flow, step.Name+":"+sub.Key, sub.Run, policy, step.ExhaustedKind)
			if serr != nil {
				serrs[i] = serr
				return serr.err
			}
			results[i] = raw
			return nil
		})
	}
	_ = g.Wait() // join barrier: all sub-steps settle before the verdict

	for _, serr := range serrs {
		if serr != nil {
			return nil, serr
		}
	}

	join := make(map[string]json.RawMessage, len(subs))
	for i, sub := range subs {
		join[sub.Key] = results[i]
	}
	raw, err := json.Marshal(join)
	if err != nil {
		return nil, &stepError{step: step.Name, kind: KindTerminalStepFailure, err: fmt.Errorf("join results: %w", err)}
	}

	now := r.now()
	rec := StepRecord{
		RunID:      flow.runID,
		Step:       step.Name,
		Attempt:    1,
		Status:     StepSucceeded,
		Result:     raw,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return nil, &stepError{step: step.Name, kind: KindStepFailure, err: err}
	}
	return raw, nil
}

// failRun records the failing step and error kind on the run and makes it
// terminal. Already-succeeded step records remain valid in the ledger.
func (r *Runner) failRun(ctx context.Context, run *Run, span trace.Span, serr *stepError) (*Run, error) {
	run.Status = RunFailed
	run.FailedStep = serr.step
	run.ErrorKind = serr.kind
	run.Error = serr.err.Error()
	run.Attempts = serr.attempts
	completed := r.now()
	run.CompletedAt = &completed
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saga: persist run: %w", err)
	}
	r.countCompleted(ctx, run.Type, run.Status)
	span.SetStatus(codes.Error, serr.err.Error())
	r.logger.Error(ctx, "run failed",
		zap.String("run.id", run.ID),
		zap.String("saga", string(run.Type)),
		zap.String("step", serr.step),
		zap.String("error_kind", string(serr.kind)),
		zap.Int("attempts", serr.attempts),
		zap.Error(serr.err),
	)
	return run, &Error{Kind: serr.kind, Step: serr.step, Attempts: serr.attempts, Err: serr.err}
}

// finishInterrupted maps a dead run context onto the run: deadline expiry
// fails the run with KindTimeout, caller cancellation marks it Cancelled.
func (r *Runner) finishInterrupted(ctx context.Context, run *Run, span trace.Span, cause error) (*Run, error) {
	if errors.Is(cause, context.DeadlineExceeded) {
		return r.failRun(ctx, run, span, &stepError{
			kind: KindTimeout,
			err:  errors.New("run exceeded its overall deadline"),
		})
	}
	run.Status = RunCancelled
	completed := r.now()
	run.CompletedAt = &completed
	if err := r.store.PutRun(ctx, run); err != nil {
		return nil, fmt.Errorf("saga: persist run: %w", err)
	}
	r.countCompleted(ctx, run.Type, run.Status)
	span.SetStatus(codes.Error, "cancelled")
	r.logger.Warn(ctx, "run cancelled",
		zap.String("run.id", run.ID),
		zap.String("saga", string(run.Type)),
	)
	return run, cause
}

func marshalTrigger(trigger any) (json.RawMessage, error) {
	if raw, ok := trigger.(json.RawMessage); ok {
		return raw, nil
	}
	payload, err := json.Marshal(trigger)
	if err != nil {
		return nil, fmt.Errorf("saga: marshal trigger: %w", err)
	}
	return payload, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
