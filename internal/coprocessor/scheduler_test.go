package coprocessor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aura/internal/state"
	"aura/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noopDispatch(context.Context, types.Command) error { return nil }

func countingRule(id string, cooldown int64, fired *int) Rule {
	return Rule{
		ID:            id,
		Condition:     Always,
		CooldownTicks: cooldown,
		Action: func(context.Context, Dispatch, state.Tree) error {
			*fired++
			return nil
		},
	}
}

func TestCooldownCorrectness(t *testing.T) {
	s := New()
	fired := 0
	require.NoError(t, s.Register(countingRule("R", 10, &fired)))
	ctx := context.Background()

	assert.Equal(t, []string{"R"}, s.Evaluate(ctx, state.New(1), 5, noopDispatch))
	until, ok := s.CooldownUntil("R")
	require.True(t, ok)
	assert.Equal(t, int64(15), until)

	for tick := int64(6); tick < 15; tick++ {
		assert.Empty(t, s.Evaluate(ctx, state.New(1), tick, noopDispatch), "tick %d", tick)
	}
	assert.Equal(t, []string{"R"}, s.Evaluate(ctx, state.New(1), 15, noopDispatch))
	assert.Equal(t, 2, fired)
}

func TestConditionGatesFiring(t *testing.T) {
	s := New()
	fired := 0
	var open atomic.Bool
	r := countingRule("gated", 0, &fired)
	r.Condition = func(state.Tree) bool { return open.Load() }
	require.NoError(t, s.Register(r))

	ctx := context.Background()
	assert.Empty(t, s.Evaluate(ctx, state.New(1), 1, noopDispatch))
	_, ok := s.CooldownUntil("gated")
	assert.False(t, ok, "no cooldown when the condition is false")

	open.Store(true)
	assert.Equal(t, []string{"gated"}, s.Evaluate(ctx, state.New(1), 2, noopDispatch))
	assert.Equal(t, []string{"gated"}, s.Evaluate(ctx, state.New(1), 2, noopDispatch), "zero cooldown fires every pass")
}

func TestRegistrationOrderAndSimultaneousFiring(t *testing.T) {
	s := New()
	var order []string
	for _, id := range []string{"c", "a", "b"} {
		id := id
		require.NoError(t, s.Register(Rule{
			ID:        id,
			Condition: Always,
			Action: func(context.Context, Dispatch, state.Tree) error {
				order = append(order, id)
				return nil
			},
		}))
	}

	fired := s.Evaluate(context.Background(), state.New(1), 1, noopDispatch)
	assert.Equal(t, []string{"c", "a", "b"}, fired)
	assert.Equal(t, []string{"c", "a", "b"}, order)
	assert.Equal(t, []string{"c", "a", "b"}, s.Rules())
}

func TestActionErrorKeepsCooldownAndReports(t *testing.T) {
	var reported []string
	s := New(WithErrorHandler(func(id string, err error) {
		reported = append(reported, id+": "+err.Error())
	}))
	require.NoError(t, s.Register(Rule{
		ID:            "failing",
		Condition:     Always,
		CooldownTicks: 3,
		Action: func(context.Context, Dispatch, state.Tree) error {
			return errors.New("llm unavailable")
		},
	}))

	ctx := context.Background()
	assert.Equal(t, []string{"failing"}, s.Evaluate(ctx, state.New(1), 1, noopDispatch))
	assert.Empty(t, s.Evaluate(ctx, state.New(1), 2, noopDispatch), "no immediate retry")
	assert.Equal(t, []string{"failing: llm unavailable"}, reported)
}

func TestActionPanicIsReported(t *testing.T) {
	var got error
	s := New(WithErrorHandler(func(_ string, err error) { got = err }))
	require.NoError(t, s.Register(Rule{
		ID:        "panicky",
		Condition: Always,
		Action: func(context.Context, Dispatch, state.Tree) error {
			panic("nil pointer")
		},
	}))

	s.Evaluate(context.Background(), state.New(1), 1, noopDispatch)
	require.Error(t, got)
	assert.Contains(t, got.Error(), "nil pointer")
}

func TestConditionPanicIsFalse(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(Rule{
		ID:        "bad-condition",
		Condition: func(state.Tree) bool { panic("boom") },
		Action:    func(context.Context, Dispatch, state.Tree) error { return nil },
	}))
	assert.Empty(t, s.Evaluate(context.Background(), state.New(1), 1, noopDispatch))
}

func TestAsyncCooldownSetBeforeActionResolves(t *testing.T) {
	s := New()
	release := make(chan struct{})
	var calls atomic.Int32
	require.NoError(t, s.Register(Rule{
		ID:            "slow",
		Condition:     Always,
		CooldownTicks: 2,
		Async:         true,
		Action: func(context.Context, Dispatch, state.Tree) error {
			calls.Add(1)
			<-release
			return nil
		},
	}))

	ctx := context.Background()
	assert.Equal(t, []string{"slow"}, s.Evaluate(ctx, state.New(1), 1, noopDispatch))
	assert.Empty(t, s.Evaluate(ctx, state.New(1), 2, noopDispatch), "in-flight action does not re-fire")

	close(release)
	s.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestAsyncActionDispatches(t *testing.T) {
	var mu sync.Mutex
	var got []types.Command
	dispatch := func(_ context.Context, cmd types.Command) error {
		mu.Lock()
		got = append(got, cmd)
		mu.Unlock()
		return nil
	}

	s := New()
	require.NoError(t, s.Register(Rule{
		ID:        "async",
		Condition: Always,
		Async:     true,
		Action: func(ctx context.Context, d Dispatch, _ state.Tree) error {
			time.Sleep(5 * time.Millisecond)
			return d(ctx, types.NewCommand("SYNTH/RESULT", nil))
		},
	}))

	s.Evaluate(context.Background(), state.New(1), 1, dispatch)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "SYNTH/RESULT", got[0].Kind)
}

func TestRegisterValidation(t *testing.T) {
	s := New()
	fired := 0
	require.NoError(t, s.Register(countingRule("x", 1, &fired)))
	assert.ErrorIs(t, s.Register(countingRule("x", 1, &fired)), ErrDuplicateRule)
	assert.Error(t, s.Register(Rule{ID: "", Condition: Always}))
	assert.Error(t, s.Register(Rule{ID: "no-action", Condition: Always}))
	assert.Error(t, s.Register(countingRule("neg", -1, &fired)))
}

func TestUnregisterAndResetCooldowns(t *testing.T) {
	s := New()
	fired := 0
	require.NoError(t, s.Register(countingRule("a", 100, &fired)))
	require.NoError(t, s.Register(countingRule("b", 100, &fired)))

	ctx := context.Background()
	s.Evaluate(ctx, state.New(1), 1, noopDispatch)
	assert.Empty(t, s.Evaluate(ctx, state.New(1), 2, noopDispatch))

	s.ResetCooldowns()
	assert.Equal(t, []string{"a", "b"}, s.Evaluate(ctx, state.New(1), 3, noopDispatch))

	assert.True(t, s.Unregister("a"))
	assert.False(t, s.Unregister("a"))
	assert.Equal(t, []string{"b"}, s.Rules())
	_, ok := s.CooldownUntil("a")
	assert.False(t, ok)
}

func TestCombinators(t *testing.T) {
	yes := func(state.Tree) bool { return true }
	no := func(state.Tree) bool { return false }
	st := state.New(1)

	assert.True(t, All(yes, yes)(st))
	assert.False(t, All(yes, no)(st))
	assert.True(t, All()(st))
	assert.True(t, Any(no, yes)(st))
	assert.False(t, Any()(st))
	assert.True(t, Not(no)(st))
}
