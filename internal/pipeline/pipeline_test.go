package pipeline

import (
	"errors"
	"testing"

	"aura/internal/migration"
	"aura/internal/state"
	"aura/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

func defaults() state.Tree {
	t, _ := state.New(1).Set("count", counter{})
	return t
}

// increment adds 1 to the count slice on every command.
func increment(name string) Handler {
	return Func(name, func(s state.Tree, cmd types.Command) (state.Patch, error) {
		c, _, err := state.Decode[counter](s, "count")
		if err != nil {
			return nil, err
		}
		c.N++
		return state.PatchOf("count", c)
	})
}

// mirror copies the count slice into its own slice.
func mirror() Handler {
	return Func("mirror", func(s state.Tree, cmd types.Command) (state.Patch, error) {
		raw, _ := s.Slice("count")
		return state.Patch{"mirror": raw}, nil
	})
}

func count(t *testing.T, s state.Tree, key string) int {
	t.Helper()
	c, _, err := state.Decode[counter](s, key)
	require.NoError(t, err)
	return c.N
}

func TestDispatchSeesAccumulatedState(t *testing.T) {
	p, err := New(defaults, increment("a"), increment("b"), mirror())
	require.NoError(t, err)

	next, err := p.Dispatch(defaults(), types.NewCommand("X/Y", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, next, "count"))
	assert.Equal(t, 2, count(t, next, "mirror"), "later handler sees earlier patches")
}

func TestDispatchOrderIsContract(t *testing.T) {
	p, err := New(defaults, mirror(), increment("a"))
	require.NoError(t, err)

	next, err := p.Dispatch(defaults(), types.NewCommand("X/Y", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, count(t, next, "count"))
	assert.Equal(t, 0, count(t, next, "mirror"))
}

func TestDispatchIsAllOrNothing(t *testing.T) {
	boom := errors.New("boom")
	failing := Func("failing", func(state.Tree, types.Command) (state.Patch, error) {
		return nil, boom
	})
	p, err := New(defaults, increment("a"), failing)
	require.NoError(t, err)

	in := defaults()
	out, err := p.Dispatch(in, types.NewCommand("X/Y", nil))
	require.Error(t, err)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "failing", herr.Handler)
	assert.Equal(t, "X/Y", herr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.True(t, out.Equal(in), "no partial patch applied")
}

func TestDispatchRecoversPanics(t *testing.T) {
	panicky := Func("panicky", func(state.Tree, types.Command) (state.Patch, error) {
		panic("nil map")
	})
	p, err := New(defaults, increment("a"), panicky)
	require.NoError(t, err)

	in := defaults()
	out, err := p.Dispatch(in, types.NewCommand("X/Y", nil))
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.Panicked)
	assert.True(t, out.Equal(in))
}

func TestTrackersRunLast(t *testing.T) {
	p, err := New(defaults, increment("a"))
	require.NoError(t, err)
	require.NoError(t, p.WithTrackers(mirror()))
	require.NoError(t, p.Register(increment("b")))

	assert.Equal(t, []string{"a", "b", "mirror"}, p.Handlers())

	next, err := p.Dispatch(defaults(), types.NewCommand("X/Y", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, count(t, next, "mirror"))
}

func TestDuplicateHandler(t *testing.T) {
	_, err := New(defaults, increment("a"), increment("a"))
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	p, err := New(defaults, increment("a"))
	require.NoError(t, err)
	assert.ErrorIs(t, p.WithTrackers(increment("a")), ErrDuplicateHandler)
}

func TestResetBypassesHandlers(t *testing.T) {
	calls := 0
	spy := Func("spy", func(state.Tree, types.Command) (state.Patch, error) {
		calls++
		return nil, nil
	})
	p, err := New(defaults, spy)
	require.NoError(t, err)

	dirty, _ := defaults().Set("count", counter{N: 9})
	next, err := p.Dispatch(dirty, types.NewCommand(types.KindReset, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	assert.True(t, next.Equal(defaults()))
}

func TestImportState(t *testing.T) {
	p, err := New(defaults, increment("a"))
	require.NoError(t, err)

	imported, _ := state.New(1).Set("count", counter{N: 42})

	t.Run("tree", func(t *testing.T) {
		next, err := p.Dispatch(defaults(), ImportCommand(imported))
		require.NoError(t, err)
		assert.True(t, next.Equal(imported))
	})

	t.Run("document", func(t *testing.T) {
		cmd := types.NewCommand(types.KindImportState, map[string]any{
			"state": map[string]any{"version": float64(1), "count": map[string]any{"n": float64(42)}},
		})
		next, err := p.Dispatch(defaults(), cmd)
		require.NoError(t, err)
		assert.True(t, next.Equal(imported))
	})

	t.Run("json string", func(t *testing.T) {
		cmd := types.NewCommand(types.KindImportState, map[string]any{
			"state": `{"version":1,"count":{"n":42}}`,
		})
		next, err := p.Dispatch(defaults(), cmd)
		require.NoError(t, err)
		assert.True(t, next.Equal(imported))
	})

	t.Run("missing", func(t *testing.T) {
		in := defaults()
		out, err := p.Dispatch(in, types.NewCommand(types.KindImportState, nil))
		assert.ErrorIs(t, err, ErrInvalidImport)
		assert.True(t, out.Equal(in))
	})
}

func TestImportRejectsOtherVersions(t *testing.T) {
	newer := func() state.Tree {
		tree, _ := state.New(2).Set("count", counter{})
		return tree
	}
	p, err := New(newer, increment("a"))
	require.NoError(t, err)

	in := newer()

	future, _ := state.New(9).Set("count", counter{N: 7})
	out, err := p.Dispatch(in, ImportCommand(future))
	assert.ErrorIs(t, err, ErrInvalidImport)
	assert.ErrorIs(t, err, migration.ErrFutureVersion)
	assert.True(t, out.Equal(in))

	older, _ := state.New(1).Set("count", counter{N: 7})
	out, err = p.Dispatch(in, ImportCommand(older))
	assert.ErrorIs(t, err, ErrInvalidImport)
	assert.False(t, errors.Is(err, migration.ErrFutureVersion))
	assert.True(t, out.Equal(in))
}

func TestDispatchDeterminism(t *testing.T) {
	p, err := New(defaults, increment("a"), mirror())
	require.NoError(t, err)

	cmds := []types.Command{
		types.NewCommand("X/A", nil),
		types.NewCommand("Y/B", map[string]any{"k": 1}),
		types.NewCommand("X/C", nil),
	}
	run := func() state.Tree {
		s := defaults()
		for _, c := range cmds {
			s, err = p.Dispatch(s, c)
			require.NoError(t, err)
		}
		return s
	}
	assert.True(t, run().Equal(run()))
}
