package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/ratelimit"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/saga/ledger"
)

const testType saga.Type = "test"

// newTestRunner builds a runner over an in-memory store with instant
// backoff sleeps. Recorded sleep durations are returned for assertions.
func newTestRunner(t *testing.T, cfg saga.RunnerConfig, limitCfg ratelimit.Config) (*saga.Runner, *[]time.Duration) {
	t.Helper()
	r, err := saga.NewRunner(cfg, ledger.NewMemoryStore(), ratelimit.NewLimiter(limitCfg), logging.NewNop())
	require.NoError(t, err)

	var slept []time.Duration
	r.SetSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})
	return r, &slept
}

func singleStepDef(fn saga.StepFunc) saga.Definition {
	return saga.Definition{
		Type:  testType,
		Steps: []saga.Step{{Name: "work", Run: fn}},
	}
}

func TestExecuteSucceeds(t *testing.T) {
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		return map[string]string{"status": "done"}, nil
	})))

	run, err := r.Execute(context.Background(), testType, "user-1", map[string]string{"repo": "acme/api"})
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.JSONEq(t, `{"status":"done"}`, string(run.Output))

	stored, err := r.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, stored.Status)
}

func TestExecuteUnregisteredType(t *testing.T) {
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	_, err := r.Execute(context.Background(), "nope", "user-1", nil)
	require.Error(t, err)
}

func TestStepMemoizedAcrossResume(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "effect", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				calls.Add(1)
				return "v1", nil
			}},
		},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// Re-entering a terminal run is a no-op.
	again, err := r.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResumeReplaysSucceededSteps(t *testing.T) {
	var first, second atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)

	r, _ := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "first", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				first.Add(1)
				return "one", nil
			}},
			{Name: "second", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				second.Add(1)
				if fail.Load() {
					return nil, errors.New("downstream outage")
				}
				return "two", nil
			}},
		},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	require.Equal(t, saga.RunFailed, run.Status)

	// Flip the run back to running, as a crash-recovery sweep would find
	// it, and resume. The first step replays from the ledger without a
	// second invocation.
	fail.Store(false)
	run.Status = saga.RunRunning
	run.CompletedAt = nil
	require.NoError(t, r.Store().PutRun(context.Background(), run))

	resumed, err := r.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, resumed.Status)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	var calls atomic.Int32
	r, slept := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Factor: 2, MaxDelay: time.Minute},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	var calls atomic.Int32
	r, slept := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Factor: 2, MaxDelay: time.Minute},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		calls.Add(1)
		return nil, errors.New("always broken")
	})))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, "work", run.FailedStep)
	assert.Equal(t, saga.KindStepFailure, run.ErrorKind)
	assert.Equal(t, 3, run.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	// Backoff between attempts only, never after the last one.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)

	var se *saga.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.KindStepFailure, se.Kind)
	assert.Equal(t, 3, se.Attempts)
}

func TestBackoffDelayCapped(t *testing.T) {
	r, slept := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Factor: 10, MaxDelay: 30 * time.Second},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		return nil, errors.New("always broken")
	})))

	_, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second,
	}, *slept)
}

func TestTerminalErrorBypassesRetry(t *testing.T) {
	var calls atomic.Int32
	r, slept := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		calls.Add(1)
		return nil, saga.Terminal(errors.New("malformed response"))
	})))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, saga.KindTerminalStepFailure, run.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *slept)
}

func TestStepRetryPolicyOverride(t *testing.T) {
	var calls atomic.Int32
	r, slept := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{{
			Name:  "work",
			Retry: &saga.RetryPolicy{MaxAttempts: 1},
			Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				calls.Add(1)
				return nil, errors.New("broken")
			},
		}},
	}))

	_, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, *slept)
}

func TestAdmissionRejectedFailsRunWithoutSteps(t *testing.T) {
	var calls atomic.Int32
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.Config{Limit: 1, Period: time.Minute})
	require.NoError(t, r.Register(singleStepDef(func(ctx context.Context, f *saga.Flow) (any, error) {
		calls.Add(1)
		return "ok", nil
	})))

	_, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, saga.KindRateLimited, run.ErrorKind)
	assert.Equal(t, int32(1), calls.Load())

	var se *saga.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, saga.KindRateLimited, se.Kind)
	assert.Greater(t, se.RetryAfter, time.Duration(0))

	// A different key is admitted independently.
	other, err := r.Execute(context.Background(), testType, "user-2", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, other.Status)
}

func TestConditionSkipsStep(t *testing.T) {
	var skipped atomic.Int32
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "count", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				return 0, nil
			}},
			{
				Name: "alert",
				Condition: func(f *saga.Flow) (bool, error) {
					var n int
					if err := f.Result("count", &n); err != nil {
						return false, err
					}
					return n > 0, nil
				},
				Run: func(ctx context.Context, f *saga.Flow) (any, error) {
					skipped.Add(1)
					return "sent", nil
				},
			},
		},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	assert.Equal(t, int32(0), skipped.Load())
	// With the final step skipped the last executed step's result is the output.
	assert.Equal(t, "0", string(run.Output))
}

func TestBestEffortStepFailureDoesNotFailRun(t *testing.T) {
	r, _ := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "main", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				return "done", nil
			}},
			{Name: "notify", BestEffort: true, Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				return nil, errors.New("webhook down")
			}},
		},
		Output: func(f *saga.Flow) (any, error) {
			var s string
			if err := f.Result("main", &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.RunSucceeded, run.Status)
	require.Len(t, run.StepErrors, 1)
	assert.Contains(t, run.StepErrors[0], "notify")
	assert.Equal(t, `"done"`, string(run.Output))
}

func TestFanOutJoinsResults(t *testing.T) {
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{{
			Name: "process",
			FanOut: func(f *saga.Flow) ([]saga.SubStep, error) {
				subs := make([]saga.SubStep, 3)
				for i := range subs {
					key := fmt.Sprintf("item-%d", i)
					subs[i] = saga.SubStep{Key: key, Run: func(ctx context.Context, f *saga.Flow) (any, error) {
						return key, nil
					}}
				}
				return subs, nil
			},
		}},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.NoError(t, err)

	var joined map[string]string
	require.NoError(t, json.Unmarshal(run.Output, &joined))
	assert.Equal(t, map[string]string{
		"item-0": "item-0",
		"item-1": "item-1",
		"item-2": "item-2",
	}, joined)

	var viaFlow map[string]string
	f := saga.NewFlow(run)
	f.SetResult("process", run.Output)
	require.NoError(t, f.Result("process", &viaFlow))
	assert.Equal(t, joined, viaFlow)
}

func TestFanOutSiblingSuccessPreservedOnFailure(t *testing.T) {
	r, _ := newTestRunner(t, saga.RunnerConfig{
		Retry: saga.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second},
	}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{{
			Name: "process",
			FanOut: func(f *saga.Flow) ([]saga.SubStep, error) {
				subs := make([]saga.SubStep, 5)
				for i := range subs {
					idx := i
					subs[i] = saga.SubStep{
						Key: fmt.Sprintf("item-%d", idx),
						Run: func(ctx context.Context, f *saga.Flow) (any, error) {
							if idx == 2 {
								return nil, errors.New("item 2 broken")
							}
							return idx, nil
						},
					}
				}
				return subs, nil
			},
		}},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, "process:item-2", run.FailedStep)

	// The four healthy siblings each left a success record behind.
	for _, key := range []string{"item-0", "item-1", "item-3", "item-4"} {
		_, ok, err := r.Store().LatestSuccess(context.Background(), run.ID, "process:"+key)
		require.NoError(t, err)
		assert.True(t, ok, "expected success record for %s", key)
	}
	_, ok, err := r.Store().LatestSuccess(context.Background(), run.ID, "process:item-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFanOutDuplicateKeyRejected(t *testing.T) {
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{{
			Name: "process",
			FanOut: func(f *saga.Flow) ([]saga.SubStep, error) {
				noop := func(ctx context.Context, f *saga.Flow) (any, error) { return nil, nil }
				return []saga.SubStep{{Key: "a", Run: noop}, {Key: "a", Run: noop}}, nil
			},
		}},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.KindTerminalStepFailure, run.ErrorKind)
}

func TestRunTimeoutFailsWithTimeoutKind(t *testing.T) {
	r, _ := newTestRunner(t, saga.RunnerConfig{DefaultTimeout: 20 * time.Millisecond}, ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "slow", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			{Name: "never", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				t.Fatal("step after deadline must not run")
				return nil, nil
			}},
		},
	}))

	run, err := r.Execute(context.Background(), testType, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, saga.RunFailed, run.Status)
	assert.Equal(t, saga.KindTimeout, run.ErrorKind)
}

func TestCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())
	require.NoError(t, r.Register(saga.Definition{
		Type: testType,
		Steps: []saga.Step{
			{Name: "first", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				cancel()
				// The in-flight step still completes.
				return "done", nil
			}},
			{Name: "second", Run: func(ctx context.Context, f *saga.Flow) (any, error) {
				t.Fatal("step after cancellation must not run")
				return nil, nil
			}},
		},
	}))

	run, err := r.Execute(ctx, testType, "user-1", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, saga.RunCancelled, run.Status)
	assert.NotNil(t, run.CompletedAt)

	// The completed first step's record survives cancellation.
	_, ok, lerr := r.Store().LatestSuccess(context.Background(), run.ID, "first")
	require.NoError(t, lerr)
	assert.True(t, ok)
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	r, _ := newTestRunner(t, saga.DefaultRunnerConfig(), ratelimit.DefaultConfig())

	assert.Error(t, r.Register(saga.Definition{Type: testType}))
	assert.Error(t, r.Register(saga.Definition{
		Type:  testType,
		Steps: []saga.Step{{Name: ""}},
	}))

	noop := func(ctx context.Context, f *saga.Flow) (any, error) { return nil, nil }
	assert.Error(t, r.Register(saga.Definition{
		Type:  testType,
		Steps: []saga.Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}},
	}))

	require.NoError(t, r.Register(singleStepDef(noop)))
	assert.Error(t, r.Register(singleStepDef(noop)), "duplicate type registration")
}
