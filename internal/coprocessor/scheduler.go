// Package coprocessor evaluates condition/action rules against the state tree
// on every kernel tick, throttling each rule with its own cooldown.
package coprocessor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"aura/internal/logging"
	"aura/internal/state"
	"aura/internal/types"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// RULES
// =============================================================================

// ErrDuplicateRule is returned when a rule id is registered twice.
var ErrDuplicateRule = errors.New("duplicate rule id")

// Dispatch submits a command back into the kernel. It never recurses into
// the pipeline; the command is queued behind the current one.
type Dispatch func(ctx context.Context, cmd types.Command) error

// Condition decides whether a rule wants to fire for a state.
type Condition func(s state.Tree) bool

// Action is the work a rule performs when it fires.
type Action func(ctx context.Context, dispatch Dispatch, s state.Tree) error

// Rule pairs a condition with an action under a cooldown measured in ticks.
type Rule struct {
	ID            string
	Condition     Condition
	Action        Action
	CooldownTicks int64

	// Async runs the action on its own goroutine so a slow external call
	// does not hold up the kernel.
	Async bool
}

// ErrorHandler receives action failures. Cooldown has already been applied.
type ErrorHandler func(ruleID string, err error)

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler holds the rule registry and the cooldown arena.
type Scheduler struct {
	mu            sync.Mutex
	rules         []Rule
	cooldownUntil map[string]int64

	group   errgroup.Group
	onError ErrorHandler
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithErrorHandler sets the callback for failed actions.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) { s.onError = h }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{cooldownUntil: make(map[string]int64)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetErrorHandler replaces the failure callback.
func (s *Scheduler) SetErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

// Register appends a rule. Evaluation order is registration order.
func (s *Scheduler) Register(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if r.Condition == nil || r.Action == nil {
		return fmt.Errorf("rule %s: condition and action are required", r.ID)
	}
	if r.CooldownTicks < 0 {
		return fmt.Errorf("rule %s: negative cooldown %d", r.ID, r.CooldownTicks)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.ID == r.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
	}
	s.rules = append(s.rules, r)
	logging.SchedulerDebug("registered rule %s (cooldown=%d async=%v)", r.ID, r.CooldownTicks, r.Async)
	return nil
}

// Unregister removes a rule and its cooldown. It reports whether the rule
// existed.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == id {
			s.rules = append(s.rules[:i:i], s.rules[i+1:]...)
			delete(s.cooldownUntil, id)
			return true
		}
	}
	return false
}

// Rules returns rule ids in evaluation order.
func (s *Scheduler) Rules() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.ID
	}
	return ids
}

// CooldownUntil returns the first tick at which rule id may fire again.
func (s *Scheduler) CooldownUntil(id string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cooldownUntil[id]
	return t, ok
}

// ResetCooldowns clears the arena so every rule is immediately eligible.
func (s *Scheduler) ResetCooldowns() {
	s.mu.Lock()
	s.cooldownUntil = make(map[string]int64)
	s.mu.Unlock()
}

// Evaluate fires every eligible rule for the given state and tick and
// returns the ids that fired, in order. A rule is eligible when tick has
// reached its cooldown and its condition holds. The cooldown is set before
// the action runs, so an async action still in flight cannot re-fire.
func (s *Scheduler) Evaluate(ctx context.Context, st state.Tree, tick int64, dispatch Dispatch) []string {
	s.mu.Lock()
	rules := append([]Rule(nil), s.rules...)
	s.mu.Unlock()

	var fired []string
	for _, r := range rules {
		if !s.claim(r, st, tick) {
			continue
		}
		fired = append(fired, r.ID)
		logging.SchedulerDebug("rule %s fired at tick %d", r.ID, tick)

		if r.Async {
			rule := r
			s.group.Go(func() error {
				s.report(rule.ID, invoke(ctx, rule, dispatch, st))
				return nil
			})
			continue
		}
		s.report(r.ID, invoke(ctx, r, dispatch, st))
	}
	return fired
}

// Wait blocks until every in-flight async action has returned.
func (s *Scheduler) Wait() {
	_ = s.group.Wait()
}

// claim checks eligibility and, when eligible, sets the cooldown.
func (s *Scheduler) claim(r Rule, st state.Tree, tick int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.cooldownUntil[r.ID]; ok && tick < until {
		return false
	}
	if !holds(r, st) {
		return false
	}
	s.cooldownUntil[r.ID] = tick + r.CooldownTicks
	return true
}

func (s *Scheduler) report(ruleID string, err error) {
	if err == nil {
		return
	}
	logging.SchedulerError("rule %s failed: %v", ruleID, err)
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(ruleID, err)
	}
}

// holds evaluates a condition, treating a panic as false.
func holds(r Rule, st state.Tree) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logging.SchedulerError("rule %s condition panicked: %v", r.ID, p)
			ok = false
		}
	}()
	return r.Condition(st)
}

func invoke(ctx context.Context, r Rule, dispatch Dispatch, st state.Tree) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v", p)
		}
	}()
	return r.Action(ctx, dispatch, st)
}
