// Package pipeline composes independently authored slice handlers into a
// single dispatch function over the state tree.
//
// Handlers run in registration order. Each sees the tree as left by the
// handlers before it for the same command, so a handler that depends on
// another handler's output must be registered after it. Trackers are handlers
// that run once all regular handlers have settled.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"aura/internal/logging"
	"aura/internal/migration"
	"aura/internal/state"
	"aura/internal/types"
)

// =============================================================================
// HANDLERS
// =============================================================================

// Handler maps (accumulated state, command) to a partial patch. Handlers must
// be pure: no mutation of shared memory and no I/O.
type Handler interface {
	Name() string
	Handle(s state.Tree, cmd types.Command) (state.Patch, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(s state.Tree, cmd types.Command) (state.Patch, error)

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(s state.Tree, cmd types.Command) (state.Patch, error) {
	return h.fn(s, cmd)
}

// Func names a HandlerFunc.
func Func(name string, fn HandlerFunc) Handler {
	return funcHandler{name: name, fn: fn}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrDuplicateHandler is returned when two handlers share a name.
var ErrDuplicateHandler = errors.New("duplicate handler")

// ErrInvalidImport is returned when a bulk-import carries no usable tree or
// a tree at another schema version.
var ErrInvalidImport = errors.New("invalid state import")

// HandlerError reports a handler that failed or panicked. The dispatch that
// produced it applied no patches.
type HandlerError struct {
	Handler  string
	Kind     string
	Panicked bool
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s panicked on %s: %v", e.Handler, e.Kind, e.Err)
	}
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline is an ordered list of handlers plus the reserved global commands.
type Pipeline struct {
	mu       sync.RWMutex
	defaults func() state.Tree
	handlers []Handler
	trackers []Handler
}

// New creates a pipeline. defaults builds the tree installed by SYSTEM/RESET.
func New(defaults func() state.Tree, handlers ...Handler) (*Pipeline, error) {
	p := &Pipeline{defaults: defaults}
	for _, h := range handlers {
		if err := p.Register(h); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register appends a handler. Order of registration is order of execution.
func (p *Pipeline) Register(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasLocked(h.Name()) {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
	}
	p.handlers = append(p.handlers, h)
	logging.PipelineDebug("registered handler %s at position %d", h.Name(), len(p.handlers)-1)
	return nil
}

// WithTrackers appends handlers that run after every regular handler has
// settled. Trackers observe the settled state and may only patch their own
// slices.
func (p *Pipeline) WithTrackers(trackers ...Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range trackers {
		if p.hasLocked(t.Name()) {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, t.Name())
		}
		p.trackers = append(p.trackers, t)
		logging.PipelineDebug("registered tracker %s", t.Name())
	}
	return nil
}

// Handlers returns handler then tracker names in execution order.
func (p *Pipeline) Handlers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.handlers)+len(p.trackers))
	for _, h := range p.handlers {
		names = append(names, h.Name())
	}
	for _, t := range p.trackers {
		names = append(names, t.Name())
	}
	return names
}

// Default returns a fresh default tree.
func (p *Pipeline) Default() state.Tree {
	return p.defaults()
}

// Dispatch applies cmd to s. It is all-or-nothing: on any handler error the
// input tree is returned unchanged together with a *HandlerError.
func (p *Pipeline) Dispatch(s state.Tree, cmd types.Command) (state.Tree, error) {
	switch cmd.Kind {
	case types.KindReset:
		logging.Pipeline("reset to default state")
		return p.defaults(), nil
	case types.KindImportState:
		next, err := importTree(cmd)
		if err != nil {
			return s, err
		}
		if err := p.checkVersion(next); err != nil {
			logging.PipelineWarn("import rejected: %v", err)
			return s, err
		}
		logging.Pipeline("imported state at version %d (%d slices)", next.Version(), next.Len())
		return next, nil
	}

	p.mu.RLock()
	handlers := p.handlers
	trackers := p.trackers
	p.mu.RUnlock()

	working := s
	for _, h := range handlers {
		next, err := apply(h, working, cmd)
		if err != nil {
			logging.PipelineError("%v", err)
			return s, err
		}
		working = next
	}
	for _, t := range trackers {
		next, err := apply(t, working, cmd)
		if err != nil {
			logging.PipelineError("%v", err)
			return s, err
		}
		working = next
	}
	return working, nil
}

func apply(h Handler, s state.Tree, cmd types.Command) (next state.Tree, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Handler: h.Name(), Kind: cmd.Kind, Panicked: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	patch, herr := h.Handle(s, cmd)
	if herr != nil {
		return s, &HandlerError{Handler: h.Name(), Kind: cmd.Kind, Err: herr}
	}
	return s.Apply(patch), nil
}

func (p *Pipeline) hasLocked(name string) bool {
	for _, h := range p.handlers {
		if h.Name() == name {
			return true
		}
	}
	for _, t := range p.trackers {
		if t.Name() == name {
			return true
		}
	}
	return false
}

// checkVersion accepts only trees at the default tree's version. Older
// trees must go through the migration chain first; newer ones are never
// loaded.
func (p *Pipeline) checkVersion(t state.Tree) error {
	want := p.defaults().Version()
	switch got := t.Version(); {
	case got > want:
		return fmt.Errorf("%w: %w: v%d > v%d", ErrInvalidImport, migration.ErrFutureVersion, got, want)
	case got < want:
		return fmt.Errorf("%w: v%d is not migrated to v%d", ErrInvalidImport, got, want)
	}
	return nil
}

// ImportCommand builds the bulk-import command for a tree.
func ImportCommand(t state.Tree) types.Command {
	return types.Command{Kind: types.KindImportState, Args: map[string]any{"state": t}}
}

func importTree(cmd types.Command) (state.Tree, error) {
	raw, ok := cmd.Args["state"]
	if !ok || raw == nil {
		return state.Tree{}, fmt.Errorf("%w: missing args.state", ErrInvalidImport)
	}
	switch v := raw.(type) {
	case state.Tree:
		return v, nil
	case *state.Tree:
		return *v, nil
	case state.Document:
		return fromDocument(v)
	case map[string]any:
		return fromDocument(state.Document(v))
	case json.RawMessage:
		return fromBytes(v)
	case []byte:
		return fromBytes(v)
	case string:
		return fromBytes([]byte(v))
	default:
		return state.Tree{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidImport, raw)
	}
}

func fromDocument(doc state.Document) (state.Tree, error) {
	t, err := state.FromDocument(doc)
	if err != nil {
		return state.Tree{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	return t, nil
}

func fromBytes(data []byte) (state.Tree, error) {
	doc, err := state.ParseDocument(data)
	if err != nil {
		return state.Tree{}, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	return fromDocument(doc)
}
