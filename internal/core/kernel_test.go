package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"aura/internal/coprocessor"
	"aura/internal/migration"
	"aura/internal/pipeline"
	"aura/internal/resonance"
	"aura/internal/state"
	"aura/internal/store"
	"aura/internal/transparency"
	"aura/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

func newKernel(t *testing.T, opts Options) *Kernel {
	t.Helper()
	k, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func submit(t *testing.T, k *Kernel, cmd types.Command) state.Tree {
	t.Helper()
	tree, err := k.Submit(context.Background(), cmd)
	require.NoError(t, err)
	return tree
}

func fixedEnqueue(id, kind string) types.Command {
	return types.CognitiveTask{
		ID:        id,
		Kind:      kind,
		CreatedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}.EnqueueCommand()
}

// failingKV fails every write.
type failingKV struct{ *store.MemoryStore }

func (f *failingKV) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

// recordingHandler appends every LOG_ERROR it sees to the "seen" slice.
func recordingHandler() pipeline.Handler {
	return pipeline.Func("recorder", func(s state.Tree, cmd types.Command) (state.Patch, error) {
		if cmd.Kind != types.KindLogError {
			return nil, nil
		}
		seen, _, err := state.Decode[[]map[string]any](s, "seen")
		if err != nil {
			return nil, err
		}
		seen = append(seen, cmd.Args)
		return state.PatchOf("seen", seen)
	})
}

func failOn(kind string) pipeline.Handler {
	return pipeline.Func("boom", func(s state.Tree, cmd types.Command) (state.Patch, error) {
		if cmd.Kind == kind {
			return nil, errors.New("handler exploded")
		}
		return nil, nil
	})
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestDeterminism(t *testing.T) {
	cmds := []types.Command{
		{Kind: "INPUT/KEY", Args: map[string]any{"key": "a"}},
		fixedEnqueue("t1", "SYNTH"),
		{Kind: types.KindTick},
		{Kind: "INPUT/KEY", Args: map[string]any{"key": "b"}},
		fixedEnqueue("t2", "INDEX"),
		{Kind: types.KindTick},
		types.NewCommand(types.KindCompleteTask, map[string]any{"id": "t1"}),
		{Kind: types.KindTick},
	}

	run := func() state.Tree {
		k := newKernel(t, Options{})
		var last state.Tree
		for _, c := range cmds {
			last = submit(t, k, c)
		}
		return last
	}

	a, b := run(), run()
	assert.True(t, a.Equal(b), "same commands must settle identically:\n%s\n%s", a, b)
	assert.Equal(t, int64(3), CurrentTick(a))
	require.NotNil(t, RunningTask(a))
	assert.Equal(t, "t2", RunningTask(a).ID)
}

func TestIdempotentEnqueue(t *testing.T) {
	k := newKernel(t, Options{})
	submit(t, k, types.EnqueueTask("SYNTH", 0))
	tree := submit(t, k, types.EnqueueTask("SYNTH", 0))
	assert.Len(t, QueuedTasks(tree), 1)
}

func TestTickPromotesAndTracksResonance(t *testing.T) {
	k := newKernel(t, Options{})
	submit(t, k, fixedEnqueue("t1", "SYNTH"))
	submit(t, k, types.Command{Kind: "INPUT/KEY"})

	tree := submit(t, k, types.Command{Kind: types.KindTick})
	require.NotNil(t, RunningTask(tree))
	assert.Equal(t, "t1", RunningTask(tree).ID)

	// KERNEL/ENQUEUE_TASK counted once, decayed once; ticks not counted
	assert.InDelta(t, 0.9, resonance.Score(tree, "KERNEL"), 1e-9)
	assert.InDelta(t, 0.9, resonance.Score(tree, "INPUT"), 1e-9)
}

func TestDecayConvergence(t *testing.T) {
	k := newKernel(t, Options{})
	tree := submit(t, k, types.Command{Kind: "INPUT/KEY"})
	require.InDelta(t, 1.0, resonance.Score(tree, "INPUT"), 1e-9)

	n := resonance.TicksToSilence(1.0, resonance.DefaultConfig())
	for i := 0; i < n-1; i++ {
		tree = submit(t, k, types.Command{Kind: types.KindTick})
	}
	assert.Greater(t, resonance.Score(tree, "INPUT"), 0.0)

	tree = submit(t, k, types.Command{Kind: types.KindTick})
	assert.Zero(t, resonance.Score(tree, "INPUT"))
	_, present := resonance.Read(tree).Entries["INPUT"]
	assert.False(t, present, "entry is removed once below threshold")
}

func TestPartialResonanceConfigKeepsDefaults(t *testing.T) {
	k := newKernel(t, Options{Resonance: resonance.Config{Threshold: 0.5}})
	tree := submit(t, k, types.Command{Kind: "INPUT/KEY"})
	assert.InDelta(t, 1.0, resonance.Score(tree, "INPUT"), 1e-9, "max is not left at zero")

	tree = submit(t, k, types.Command{Kind: types.KindTick})
	assert.InDelta(t, 0.9, resonance.Score(tree, "INPUT"), 1e-9)
	for i := 0; i < 7; i++ {
		tree = submit(t, k, types.Command{Kind: types.KindTick})
	}
	// 0.9^7 < 0.5, so the custom threshold removed it
	assert.Zero(t, resonance.Score(tree, "INPUT"))
}

func TestHandlerErrorIsAllOrNothing(t *testing.T) {
	k := newKernel(t, Options{Handlers: []pipeline.Handler{recordingHandler(), failOn("TEST/FAIL")}})
	before := submit(t, k, types.Command{Kind: types.KindTick})

	tree, err := k.Submit(context.Background(), types.Command{Kind: "TEST/FAIL"})
	var herr *pipeline.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "boom", herr.Handler)

	assert.Equal(t, CurrentTick(before), CurrentTick(tree))
	assert.Zero(t, resonance.Score(tree, "TEST"), "tracker effects of a failed command are discarded")

	seen, ok, err := state.Decode[[]map[string]any](tree, "seen")
	require.NoError(t, err)
	require.True(t, ok, "failure is fed back as SYSTEM/LOG_ERROR")
	require.Len(t, seen, 1)
	assert.Equal(t, "handler:boom", seen[0]["source"])
	assert.Equal(t, "TEST/FAIL", seen[0]["kind"])
}

func TestFailingLogErrorDoesNotLoop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	counting := pipeline.Func("boom", func(s state.Tree, cmd types.Command) (state.Patch, error) {
		if cmd.Namespace() == "SYSTEM" || cmd.Kind == "TEST/FAIL" {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, errors.New("always fails")
		}
		return nil, nil
	})
	k := newKernel(t, Options{Handlers: []pipeline.Handler{counting}})

	_, err := k.Submit(context.Background(), types.Command{Kind: "TEST/FAIL"})
	require.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "the failing command plus one LOG_ERROR")
}

func TestInvalidPayloadRejected(t *testing.T) {
	k := newKernel(t, Options{})
	before := k.State()

	tree, err := k.Submit(context.Background(), types.Command{Kind: types.KindRemoveTask})
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
	assert.True(t, before.Equal(tree))
}

func TestReentrantDispatchIsQueued(t *testing.T) {
	k := newKernel(t, Options{})
	require.NoError(t, k.RegisterRule(coprocessor.Rule{
		ID:            "enqueue-on-tick",
		Condition:     coprocessor.Always,
		CooldownTicks: 100,
		Action: func(ctx context.Context, dispatch coprocessor.Dispatch, s state.Tree) error {
			// Processed after the tick settles, before Submit returns
			return dispatch(ctx, fixedEnqueue("t1", "SYNTH"))
		},
	}))

	tree := submit(t, k, types.Command{Kind: types.KindTick})
	assert.Equal(t, int64(1), CurrentTick(tree))
	assert.Nil(t, RunningTask(tree), "enqueue landed after the tick promoted")
	assert.Len(t, QueuedTasks(tree), 1)
}

// =============================================================================
// COPROCESSOR INTEGRATION
// =============================================================================

func TestRuleCooldownAcrossTicks(t *testing.T) {
	k := newKernel(t, Options{})
	var firedAt []int64
	require.NoError(t, k.RegisterRule(coprocessor.Rule{
		ID:            "r",
		CooldownTicks: 10,
		Condition:     func(s state.Tree) bool { return CurrentTick(s) >= 5 },
		Action: func(_ context.Context, _ coprocessor.Dispatch, s state.Tree) error {
			firedAt = append(firedAt, CurrentTick(s))
			return nil
		},
	}))

	for i := 0; i < 15; i++ {
		tree := submit(t, k, types.Command{Kind: types.KindTick})
		if CurrentTick(tree) == 12 {
			assert.Equal(t, []int64{5}, firedAt, "still cooling down at tick 12")
		}
	}
	assert.Equal(t, []int64{5, 15}, firedAt)
}

func TestResetClearsCooldowns(t *testing.T) {
	k := newKernel(t, Options{})
	fired := 0
	require.NoError(t, k.RegisterRule(coprocessor.Rule{
		ID:            "r",
		CooldownTicks: 100,
		Condition:     coprocessor.Always,
		Action: func(context.Context, coprocessor.Dispatch, state.Tree) error {
			fired++
			return nil
		},
	}))

	submit(t, k, types.Command{Kind: types.KindTick})
	submit(t, k, types.Command{Kind: types.KindTick})
	assert.Equal(t, 1, fired)

	_, err := k.Reset(context.Background())
	require.NoError(t, err)
	submit(t, k, types.Command{Kind: types.KindTick})
	assert.Equal(t, 2, fired)
}

func TestRuleErrorBecomesLogError(t *testing.T) {
	k := newKernel(t, Options{Handlers: []pipeline.Handler{recordingHandler()}})
	require.NoError(t, k.RegisterRule(coprocessor.Rule{
		ID:            "broken",
		CooldownTicks: 5,
		Condition:     coprocessor.Always,
		Action: func(context.Context, coprocessor.Dispatch, state.Tree) error {
			return errors.New("no model")
		},
	}))

	tree := submit(t, k, types.Command{Kind: types.KindTick})
	seen, _, err := state.Decode[[]map[string]any](tree, "seen")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "rule:broken", seen[0]["source"])
	assert.Equal(t, "no model", seen[0]["message"])

	cd, ok := k.Scheduler().CooldownUntil("broken")
	require.True(t, ok)
	assert.Equal(t, int64(6), cd, "failed action keeps its cooldown")
}

func TestAsyncRuleCompletesTask(t *testing.T) {
	k := newKernel(t, Options{})
	require.NoError(t, k.RegisterRule(coprocessor.Rule{
		ID:            "finish",
		Async:         true,
		CooldownTicks: 1,
		Condition:     TaskRunning("SYNTH"),
		Action: func(ctx context.Context, dispatch coprocessor.Dispatch, s state.Tree) error {
			running := RunningTask(s)
			return dispatch(ctx, types.NewCommand(types.KindCompleteTask, map[string]any{"id": running.ID}))
		},
	}))

	submit(t, k, fixedEnqueue("t1", "SYNTH"))
	submit(t, k, types.Command{Kind: types.KindTick})
	k.Scheduler().Wait()

	assert.True(t, Idle(k.State()))
	assert.Equal(t, types.TaskCompleted, TaskStatus(k.State(), "t1"))
}

// =============================================================================
// PERSISTENCE AND BOOT
// =============================================================================

func TestPersistsEverySettledMutation(t *testing.T) {
	kv := store.NewMemoryStore()
	snaps := store.NewSnapshots(kv, "")
	k := newKernel(t, Options{Snapshots: snaps})

	tree := submit(t, k, types.Command{Kind: types.KindTick})

	doc, ok, err := snaps.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	saved, err := state.FromDocument(doc)
	require.NoError(t, err)
	assert.True(t, tree.Equal(saved))
	assert.NoError(t, k.PersistErr())
}

func TestPersistErrorIsExposed(t *testing.T) {
	kv := &failingKV{MemoryStore: store.NewMemoryStore()}
	k := newKernel(t, Options{Snapshots: store.NewSnapshots(kv, "")})
	events := k.Subscribe()

	tree, err := k.Submit(context.Background(), types.Command{Kind: types.KindTick})
	require.NoError(t, err, "persistence failures do not fail dispatch")
	assert.Equal(t, int64(1), CurrentTick(tree))
	assert.ErrorContains(t, k.PersistErr(), "disk full")

	k.Bus().Flush()
	var sawPersistFailure bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == transparency.EventPersistFailed {
			sawPersistFailure = true
		}
	}
	assert.True(t, sawPersistFailure)
}

func TestBootFromOldSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	raw, err := json.Marshal(v1Document())
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, store.DefaultSnapshotKey, raw))

	snaps := store.NewSnapshots(kv, "")
	k := newKernel(t, Options{Snapshots: snaps})
	result, err := k.Boot(ctx)
	require.NoError(t, err)
	assert.Equal(t, BootFromSnapshot, result.Source)
	assert.Equal(t, 1, result.Migration.FromVersion)

	tree := k.State()
	assert.Equal(t, SchemaVersion, tree.Version())
	assert.Equal(t, int64(7), CurrentTick(tree))
	assert.False(t, tree.Has("legacy_ui"))

	doc, _, err := snaps.Load(ctx)
	require.NoError(t, err)
	v, err := doc.Version()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v, "migrated tree is persisted")
}

func TestBootRejectsFutureVersion(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	future := []byte(`{"version":99,"kernel":{"tick":500,"queue":[],"running":null}}`)
	require.NoError(t, kv.Put(ctx, store.DefaultSnapshotKey, future))

	k := newKernel(t, Options{Snapshots: store.NewSnapshots(kv, "")})
	result, err := k.Boot(ctx)
	assert.ErrorIs(t, err, migration.ErrFutureVersion)
	assert.Equal(t, BootFromDefault, result.Source)
	assert.True(t, NewSchema().Default().Equal(k.State()))

	stored, err := kv.Get(ctx, store.DefaultSnapshotKey)
	require.NoError(t, err)
	assert.JSONEq(t, string(future), string(stored), "rejected snapshot is not overwritten at boot")
}

func TestBootWithoutSnapshot(t *testing.T) {
	k := newKernel(t, Options{Snapshots: store.NewSnapshots(store.NewMemoryStore(), "")})
	result, err := k.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BootFromDefault, result.Source)
	assert.True(t, Quiescent(k.State()))
}

func TestImportFillsMissingSlices(t *testing.T) {
	k := newKernel(t, Options{})
	partial := state.New(SchemaVersion)
	partial, err := partial.Set(KernelSliceKey, KernelSlice{Tick: 42, Queue: []types.CognitiveTask{}})
	require.NoError(t, err)

	tree := submit(t, k, pipeline.ImportCommand(partial))
	assert.Equal(t, int64(42), CurrentTick(tree))
	assert.True(t, tree.Has(resonance.SliceKey))
	assert.True(t, tree.Has(ErrorsSliceKey))
}

func TestImportRejectsVersionSkew(t *testing.T) {
	snaps := store.NewSnapshots(store.NewMemoryStore(), "")
	k := newKernel(t, Options{Snapshots: snaps})
	before := submit(t, k, fixedEnqueue("t1", "SYNTH"))

	future, err := state.New(SchemaVersion+1).Set("legacy_ui", map[string]any{"theme": "dark"})
	require.NoError(t, err)
	_, err = k.Submit(context.Background(), pipeline.ImportCommand(future))
	require.ErrorIs(t, err, migration.ErrFutureVersion)

	old, err := state.New(1).Set("legacy_ui", map[string]any{"theme": "dark"})
	require.NoError(t, err)
	_, err = k.Submit(context.Background(), pipeline.ImportCommand(old))
	require.ErrorIs(t, err, pipeline.ErrInvalidImport)

	got := k.State()
	assert.Equal(t, SchemaVersion, got.Version())
	assert.False(t, got.Has("legacy_ui"))
	assert.Equal(t, QueuedTasks(before), QueuedTasks(got))

	doc, ok, err := snaps.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	saved, err := state.FromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, saved.Version())
	assert.False(t, saved.Has("legacy_ui"))
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestEventsOnSettle(t *testing.T) {
	k := newKernel(t, Options{})
	events := k.Subscribe()

	submit(t, k, types.Command{Kind: types.KindTick})
	k.Bus().Flush()

	select {
	case ev := <-events:
		assert.Equal(t, transparency.EventSettled, ev.Type)
		assert.Equal(t, types.KindTick, ev.Kind)
		assert.Equal(t, int64(1), ev.Tick)
		assert.Contains(t, ev.Changed, KernelSliceKey)
	case <-time.After(time.Second):
		t.Fatal("expected settled event")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	k := newKernel(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return CurrentTick(k.State()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCloseRejectsSubmit(t *testing.T) {
	k, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())

	_, err = k.Submit(context.Background(), types.Command{Kind: types.KindTick})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLogErrorCommandTruncates(t *testing.T) {
	long := make([]byte, maxErrorMessage+100)
	for i := range long {
		long[i] = 'x'
	}
	cmd := LogErrorCommand("kernel", "", errors.New(string(long)))
	assert.Len(t, cmd.Args["message"], maxErrorMessage)
	assert.NotContains(t, cmd.Args, "kind")
	assert.NoError(t, types.NewPayloadRegistry().Validate(cmd))
}

func TestLogErrorCommandTruncatesOnRuneBoundary(t *testing.T) {
	// One ASCII byte shifts every two-byte rune so the limit falls mid-rune
	msg := "x" + strings.Repeat("é", maxErrorMessage)
	cmd := LogErrorCommand("kernel", "", errors.New(msg))

	got, ok := cmd.Args["message"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxErrorMessage-1, len(got))
	assert.True(t, strings.HasPrefix(msg, got))
	assert.NoError(t, types.NewPayloadRegistry().Validate(cmd))
}
