package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"aura/internal/coprocessor"
	"aura/internal/logging"
	"aura/internal/migration"
	"aura/internal/pipeline"
	"aura/internal/resonance"
	"aura/internal/state"
	"aura/internal/store"
	"aura/internal/transparency"
	"aura/internal/types"
)

// =============================================================================
// KERNEL
// =============================================================================

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("kernel closed")

// maxErrorMessage bounds the message carried by SYSTEM/LOG_ERROR.
const maxErrorMessage = 4096

// Boot sources.
const (
	BootFromDefault  = "default"
	BootFromSnapshot = "snapshot"
)

// Options configures a Kernel. Zero fields take defaults.
type Options struct {
	Schema    *state.Schema          // Default: NewSchema()
	Chain     *migration.Chain       // Default: strict NewMigrationChain
	Snapshots *store.Snapshots       // nil disables persistence
	Resonance resonance.Config       // Unset fields take resonance.DefaultConfig values
	Payloads  *types.PayloadRegistry // Default: types.NewPayloadRegistry()
	Bus       *transparency.EventBus // Default: a new enabled bus
	Handlers  []pipeline.Handler     // Run after the kernel handler, in order
}

// BootResult describes where the initial tree came from.
type BootResult struct {
	Source    string
	Migration migration.Result
}

// Kernel owns the one state tree of the process. Commands enter through
// Submit and are processed strictly one at a time from an explicit FIFO work
// queue; commands issued while processing are appended, never recursed.
type Kernel struct {
	mu         sync.Mutex
	tree       state.Tree
	queue      []types.Command
	draining   bool
	closed     bool
	persistErr error

	schema    *state.Schema
	chain     *migration.Chain
	snapshots *store.Snapshots
	payloads  *types.PayloadRegistry
	bus       *transparency.EventBus
	pipeline  *pipeline.Pipeline
	scheduler *coprocessor.Scheduler

	// ctx bounds persistence and rule actions; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a kernel holding the default tree. Call Boot to load a
// persisted snapshot.
func New(opts Options) (*Kernel, error) {
	if opts.Schema == nil {
		opts.Schema = NewSchema()
	}
	if opts.Chain == nil {
		chain, err := NewMigrationChain(true)
		if err != nil {
			return nil, err
		}
		opts.Chain = chain
	}
	opts.Resonance = opts.Resonance.WithDefaults()
	if opts.Payloads == nil {
		opts.Payloads = types.NewPayloadRegistry()
	}
	if opts.Bus == nil {
		opts.Bus = transparency.NewEventBus()
	}

	handlers := append([]pipeline.Handler{KernelHandler{}}, opts.Handlers...)
	p, err := pipeline.New(opts.Schema.Default, handlers...)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := p.WithTrackers(resonance.NewTracker(opts.Resonance)); err != nil {
		return nil, fmt.Errorf("failed to register trackers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		tree:      opts.Schema.Default(),
		schema:    opts.Schema,
		chain:     opts.Chain,
		snapshots: opts.Snapshots,
		payloads:  opts.Payloads,
		bus:       opts.Bus,
		pipeline:  p,
		ctx:       ctx,
		cancel:    cancel,
	}
	k.scheduler = coprocessor.New(coprocessor.WithErrorHandler(k.ruleFailed))
	observeKernel(ReadKernel(k.tree))

	logging.Kernel("kernel created: schema v%d, handlers %v", opts.Schema.Version(), p.Handlers())
	return k, nil
}

// -----------------------------------------------------------------------------
// Boot
// -----------------------------------------------------------------------------

// Boot installs the initial tree. A persisted snapshot is loaded, migrated
// and bulk-imported; when there is none the default tree stays. On a load,
// migration or import failure the default tree is installed, nothing is
// persisted, and the error is returned so the caller can report it. The
// kernel is usable either way.
func (k *Kernel) Boot(ctx context.Context) (BootResult, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "Boot")
	defer timer.Stop()

	result := BootResult{Source: BootFromDefault}
	if k.snapshots == nil {
		k.install(k.schema.Default())
		return result, nil
	}

	doc, ok, err := k.snapshots.Load(ctx)
	if err != nil {
		logging.BootWarn("snapshot unreadable, starting from default: %v", err)
		k.install(k.schema.Default())
		return result, err
	}
	if !ok {
		logging.Boot("no snapshot under %q, starting from default", k.snapshots.Key())
		k.install(k.schema.Default())
		return result, nil
	}

	migrated, err := k.Import(ctx, doc)
	result.Migration = migrated
	if err != nil {
		logging.BootWarn("snapshot rejected, starting from default: %v", err)
		k.install(k.schema.Default())
		return result, err
	}

	result.Source = BootFromSnapshot
	logging.Boot("booted from snapshot v%d at tick %d", migrated.FromVersion, CurrentTick(k.State()))
	k.bus.EmitImmediate(transparency.Event{
		Type: transparency.EventBooted,
		Tick: CurrentTick(k.State()),
		Tree: k.State(),
	})
	return result, nil
}

// Import migrates doc to the current schema and bulk-imports it. Nothing is
// submitted when migration fails.
func (k *Kernel) Import(ctx context.Context, doc state.Document) (migration.Result, error) {
	migrated, result, err := k.chain.Migrate(doc)
	if err != nil {
		return result, err
	}
	tree, err := state.FromDocument(migrated)
	if err != nil {
		return result, fmt.Errorf("%w: %v", migration.ErrStepFailed, err)
	}
	if _, err := k.Submit(ctx, pipeline.ImportCommand(tree)); err != nil {
		return result, err
	}
	return result, nil
}

// install replaces the tree without dispatch or persistence.
func (k *Kernel) install(t state.Tree) {
	k.mu.Lock()
	k.tree = t
	k.mu.Unlock()
	k.scheduler.ResetCooldowns()
	observeKernel(ReadKernel(t))
	k.bus.EmitImmediate(transparency.Event{
		Type: transparency.EventBooted,
		Tick: CurrentTick(t),
		Tree: t,
	})
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// Submit validates cmd and appends it to the work queue. If no other
// goroutine is draining the queue, Submit drains it to completion and
// returns the settled tree together with the error of cmd itself. If another
// goroutine is draining, cmd is processed there and Submit returns the
// current tree immediately.
func (k *Kernel) Submit(ctx context.Context, cmd types.Command) (state.Tree, error) {
	if err := ctx.Err(); err != nil {
		return k.State(), err
	}
	if err := k.payloads.Validate(cmd); err != nil {
		logging.KernelWarn("rejected %s: %v", cmd.Kind, err)
		commandsTotal.WithLabelValues(metricNamespace(cmd.Namespace()), "invalid").Inc()
		return k.State(), err
	}

	k.mu.Lock()
	if k.closed {
		t := k.tree
		k.mu.Unlock()
		return t, ErrClosed
	}
	k.queue = append(k.queue, cmd)
	if k.draining {
		t := k.tree
		k.mu.Unlock()
		logging.KernelDebug("queued %s behind current command", cmd.Kind)
		return t, nil
	}
	k.draining = true
	k.mu.Unlock()

	return k.drain()
}

// drain processes queued commands until the queue is empty. The first
// command processed is the one the caller submitted.
func (k *Kernel) drain() (tree state.Tree, err error) {
	defer func() {
		if r := recover(); r != nil {
			k.mu.Lock()
			k.draining = false
			k.mu.Unlock()
			panic(r)
		}
	}()

	first := true
	for {
		k.mu.Lock()
		if len(k.queue) == 0 {
			k.draining = false
			tree = k.tree
			k.mu.Unlock()
			return tree, err
		}
		cmd := k.queue[0]
		k.queue = k.queue[1:]
		k.mu.Unlock()

		perr := k.process(cmd)
		if first {
			err = perr
			first = false
		}
	}
}

// process runs one command through the pipeline and the post-settle hooks.
func (k *Kernel) process(cmd types.Command) error {
	k.mu.Lock()
	prev := k.tree
	k.mu.Unlock()

	ns := metricNamespace(cmd.Namespace())
	start := time.Now()
	next, err := k.pipeline.Dispatch(prev, cmd)
	dispatchDuration.WithLabelValues(ns).Observe(time.Since(start).Seconds())
	if err == nil && cmd.Kind == types.KindImportState {
		next, err = k.schema.Fill(next)
	}
	if err != nil {
		commandsTotal.WithLabelValues(ns, "error").Inc()
		k.failed(prev, cmd, err)
		return err
	}
	commandsTotal.WithLabelValues(ns, "ok").Inc()

	k.mu.Lock()
	k.tree = next
	k.mu.Unlock()

	changed := state.Changed(prev, next)
	if len(changed) > 0 || cmd.IsReserved() {
		k.persist(next)
	}

	kern := ReadKernel(next)
	observeKernel(kern)

	eventType := transparency.EventSettled
	switch cmd.Kind {
	case types.KindReset:
		eventType = transparency.EventReset
	case types.KindImportState:
		eventType = transparency.EventImported
	}
	k.bus.Emit(transparency.Event{
		Type:    eventType,
		Kind:    cmd.Kind,
		Tick:    kern.Tick,
		Tree:    next,
		Changed: changed,
	})

	if cmd.IsReserved() {
		k.scheduler.ResetCooldowns()
		logging.Kernel("%s: tree replaced (tick %d)", cmd.Kind, kern.Tick)
	}

	if cmd.Kind == types.KindTick {
		for _, id := range k.scheduler.Evaluate(k.ctx, next, kern.Tick, k.dispatch) {
			rulesFired.WithLabelValues(id).Inc()
			k.bus.Emit(transparency.Event{
				Type:   transparency.EventRuleFired,
				Kind:   cmd.Kind,
				Tick:   kern.Tick,
				Tree:   next,
				RuleID: id,
			})
		}
	}
	return nil
}

// failed reports a dispatch failure and feeds it back as SYSTEM/LOG_ERROR.
// A failure of LOG_ERROR itself is only logged.
func (k *Kernel) failed(st state.Tree, cmd types.Command, err error) {
	logging.KernelError("command %s failed: %v", cmd.Kind, err)
	k.bus.Emit(transparency.Event{
		Type: transparency.EventHandlerFailed,
		Kind: cmd.Kind,
		Tick: CurrentTick(st),
		Tree: st,
		Err:  err.Error(),
	})
	if cmd.Kind == types.KindLogError {
		return
	}

	source := "kernel"
	var herr *pipeline.HandlerError
	if errors.As(err, &herr) {
		source = "handler:" + herr.Handler
	}
	k.mu.Lock()
	k.queue = append(k.queue, LogErrorCommand(source, cmd.Kind, err))
	k.mu.Unlock()
}

func (k *Kernel) persist(t state.Tree) {
	if k.snapshots == nil {
		return
	}
	err := k.snapshots.Save(k.ctx, t)
	k.mu.Lock()
	k.persistErr = err
	k.mu.Unlock()
	if err == nil {
		return
	}

	persistErrors.Inc()
	logging.KernelError("persist failed, in-memory state remains authoritative: %v", err)
	k.bus.Emit(transparency.Event{
		Type: transparency.EventPersistFailed,
		Tick: CurrentTick(t),
		Tree: t,
		Err:  err.Error(),
	})
}

// dispatch is the coprocessor's route back into the kernel.
func (k *Kernel) dispatch(ctx context.Context, cmd types.Command) error {
	_, err := k.Submit(ctx, cmd)
	return err
}

func (k *Kernel) ruleFailed(ruleID string, err error) {
	ruleErrors.WithLabelValues(ruleID).Inc()
	st := k.State()
	k.bus.Emit(transparency.Event{
		Type:   transparency.EventRuleFailed,
		Tick:   CurrentTick(st),
		Tree:   st,
		RuleID: ruleID,
		Err:    err.Error(),
	})
	if _, serr := k.Submit(k.ctx, LogErrorCommand("rule:"+ruleID, "", err)); serr != nil && !errors.Is(serr, ErrClosed) {
		logging.KernelError("could not record failure of rule %s: %v", ruleID, serr)
	}
}

// LogErrorCommand builds a SYSTEM/LOG_ERROR command for err.
func LogErrorCommand(source, kind string, err error) types.Command {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	args := map[string]any{"source": source, "message": msg}
	if kind != "" {
		args["kind"] = kind
	}
	return types.Command{Kind: types.KindLogError, Args: args}
}

// -----------------------------------------------------------------------------
// Convenience
// -----------------------------------------------------------------------------

// State returns the current settled tree.
func (k *Kernel) State() state.Tree {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tree
}

// Tick advances the logical clock by one.
func (k *Kernel) Tick(ctx context.Context) (state.Tree, error) {
	return k.Submit(ctx, types.Command{Kind: types.KindTick})
}

// Reset replaces the tree with the default.
func (k *Kernel) Reset(ctx context.Context) (state.Tree, error) {
	return k.Submit(ctx, types.Command{Kind: types.KindReset})
}

// Run ticks every interval until ctx is cancelled or the kernel is closed.
func (k *Kernel) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Kernel("tick loop started (interval %v)", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Kernel("tick loop stopped: %v", ctx.Err())
			return ctx.Err()
		case <-k.ctx.Done():
			return ErrClosed
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				logging.KernelWarn("tick failed: %v", err)
			}
		}
	}
}

// RegisterHandler appends a handler to the pipeline.
func (k *Kernel) RegisterHandler(h pipeline.Handler) error {
	return k.pipeline.Register(h)
}

// RegisterRule adds a coprocessor rule.
func (k *Kernel) RegisterRule(r coprocessor.Rule) error {
	return k.scheduler.Register(r)
}

// RegisterPayload registers a payload type for a command kind.
func (k *Kernel) RegisterPayload(kind string, proto any) {
	k.payloads.Register(kind, proto)
}

// Handlers returns the pipeline's handler and tracker names in order.
func (k *Kernel) Handlers() []string {
	return k.pipeline.Handlers()
}

// Scheduler exposes the coprocessor scheduler.
func (k *Kernel) Scheduler() *coprocessor.Scheduler {
	return k.scheduler
}

// Bus exposes the event bus.
func (k *Kernel) Bus() *transparency.EventBus {
	return k.bus
}

// Subscribe returns a channel receiving settled-state events.
func (k *Kernel) Subscribe() <-chan transparency.Event {
	return k.bus.Subscribe()
}

// Unsubscribe removes and closes a subscription.
func (k *Kernel) Unsubscribe(ch <-chan transparency.Event) {
	k.bus.Unsubscribe(ch)
}

// PersistErr returns the error of the most recent snapshot save, or nil
// once a later save succeeded.
func (k *Kernel) PersistErr() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.persistErr
}

// Close stops accepting commands, waits for in-flight async rule actions
// and closes the event bus. It is safe to call more than once.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.cancel()
	k.scheduler.Wait()
	k.bus.Close()
	logging.Kernel("kernel closed at tick %d", CurrentTick(k.State()))
	return nil
}
