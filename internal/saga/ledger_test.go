package saga_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/saga/ledger"
)

func TestGetOrRunMemoizes(t *testing.T) {
	l := saga.NewLedger(ledger.NewMemoryStore())
	ctx := context.Background()

	calls := 0
	attempt := func(ctx context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	first, err := l.GetOrRun(ctx, "run-1", "charge", attempt)
	require.NoError(t, err)
	second, err := l.GetOrRun(ctx, "run-1", "charge", attempt)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "side effect must execute at most once")
	assert.JSONEq(t, `{"n":1}`, string(first))
	assert.Equal(t, string(first), string(second))
}

func TestGetOrRunDistinctStepsAndRuns(t *testing.T) {
	l := saga.NewLedger(ledger.NewMemoryStore())
	ctx := context.Background()

	calls := 0
	attempt := func(ctx context.Context) (any, error) {
		calls++
		return calls, nil
	}

	_, err := l.GetOrRun(ctx, "run-1", "a", attempt)
	require.NoError(t, err)
	_, err = l.GetOrRun(ctx, "run-1", "b", attempt)
	require.NoError(t, err)
	_, err = l.GetOrRun(ctx, "run-2", "a", attempt)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
}

func TestGetOrRunRecordsFailures(t *testing.T) {
	store := ledger.NewMemoryStore()
	l := saga.NewLedger(store)
	ctx := context.Background()

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, err := l.GetOrRun(ctx, "run-1", "charge", func(ctx context.Context) (any, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)
	}

	attempts, err := l.Attempts(ctx, "run-1", "charge")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	rec, ok, err := l.LastFailure(ctx, "run-1", "charge")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "boom", rec.Error)
	assert.False(t, rec.Terminal)

	// A later success does not erase the failure history.
	_, err = l.GetOrRun(ctx, "run-1", "charge", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	history, err := store.History(ctx, "run-1", "charge")
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, saga.StepSucceeded, history[2].Status)
}

func TestGetOrRunMarksTerminalFailures(t *testing.T) {
	l := saga.NewLedger(ledger.NewMemoryStore())
	ctx := context.Background()

	_, err := l.GetOrRun(ctx, "run-1", "parse", func(ctx context.Context) (any, error) {
		return nil, saga.Terminal(errors.New("unparseable"))
	})
	require.Error(t, err)
	assert.True(t, saga.IsTerminal(err))

	rec, ok, err := l.LastFailure(ctx, "run-1", "parse")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Terminal)
}

func TestGetOrRunUnmarshalableResultIsTerminal(t *testing.T) {
	l := saga.NewLedger(ledger.NewMemoryStore())

	_, err := l.GetOrRun(context.Background(), "run-1", "bad", func(ctx context.Context) (any, error) {
		return make(chan int), nil
	})
	require.Error(t, err)
	assert.True(t, saga.IsTerminal(err))
}
