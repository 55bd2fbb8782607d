package cortex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"aura/internal/bridge"
	"aura/internal/coprocessor"
	"aura/internal/core"
	"aura/internal/logging"
	"aura/internal/pipeline"
	"aura/internal/resonance"
	"aura/internal/state"
	"aura/internal/types"
)

// Rule ids and the namespaces they watch.
const (
	SynthesisRuleID  = "synthesize-on-resonance"
	CompletionRuleID = "complete-running-task"

	InputNamespace = "INPUT"
	SynthKind      = "SYNTH"
)

const defaultSystemPrompt = "You are the background synthesis process of an interactive shell. " +
	"Summarize what the user has been doing in one short paragraph."

// Completer runs a prompt through the computation bridge.
type Completer interface {
	Complete(ctx context.Context, p bridge.Prompt) (string, error)
}

// RuleConfig tunes the built-in rules. Zero fields take defaults.
type RuleConfig struct {
	HotThreshold       float64 // Default 3
	SynthesisCooldown  int64   // Default 10 ticks
	CompletionCooldown int64   // Default 1 tick
	SystemPrompt       string
}

func (c RuleConfig) withDefaults() RuleConfig {
	if c.HotThreshold <= 0 {
		c.HotThreshold = 3
	}
	if c.SynthesisCooldown <= 0 {
		c.SynthesisCooldown = 10
	}
	if c.CompletionCooldown <= 0 {
		c.CompletionCooldown = 1
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	return c
}

// SynthesisRule enqueues a SYNTH task when INPUT is hot and the kernel has
// nothing queued or running.
func SynthesisRule(cfg RuleConfig) coprocessor.Rule {
	cfg = cfg.withDefaults()
	return coprocessor.Rule{
		ID:            SynthesisRuleID,
		CooldownTicks: cfg.SynthesisCooldown,
		Condition: coprocessor.All(
			resonance.HotCondition(InputNamespace, cfg.HotThreshold),
			core.Quiescent,
		),
		Action: func(ctx context.Context, dispatch coprocessor.Dispatch, s state.Tree) error {
			logging.SchedulerDebug("%s: INPUT at %.2f, enqueueing %s",
				SynthesisRuleID, resonance.Score(s, InputNamespace), SynthKind)
			return dispatch(ctx, types.EnqueueTask(SynthKind, 0))
		},
	}
}

// CompletionRule sends the running task through c and records the answer.
// On success it dispatches SYNTH/RESULT then KERNEL/COMPLETE_TASK. On
// failure it still completes the task so the slot frees, and returns the
// error for the kernel's error channel. A task is sent at most once: its
// claim holds until a settled state shows it no longer running, since the
// commands that complete it may still be waiting in the work queue.
func CompletionRule(c Completer, cfg RuleConfig) coprocessor.Rule {
	cfg = cfg.withDefaults()
	var (
		mu       sync.Mutex
		inFlight = make(map[string]bool)
	)

	return coprocessor.Rule{
		ID:            CompletionRuleID,
		CooldownTicks: cfg.CompletionCooldown,
		Async:         true,
		Condition: func(s state.Tree) bool {
			running := core.RunningTask(s)
			mu.Lock()
			defer mu.Unlock()
			for id := range inFlight {
				if running == nil || running.ID != id {
					delete(inFlight, id)
				}
			}
			if running == nil || inFlight[running.ID] {
				return false
			}
			// Firing is certain once the condition holds, so claim here
			inFlight[running.ID] = true
			return true
		},
		Action: func(ctx context.Context, dispatch coprocessor.Dispatch, s state.Tree) error {
			task := core.RunningTask(s)
			if task == nil {
				return nil
			}
			// Without a queued COMPLETE_TASK the slot never frees, so let a
			// later tick retry.
			release := func() {
				mu.Lock()
				delete(inFlight, task.ID)
				mu.Unlock()
			}

			complete := types.NewCommand(types.KindCompleteTask, map[string]any{"id": task.ID})
			text, err := c.Complete(ctx, bridge.Prompt{System: cfg.SystemPrompt, Prompt: PromptFor(*task, s)})
			if err != nil {
				err = fmt.Errorf("task %s (%s): %w", task.ID, task.Kind, err)
				if derr := dispatch(ctx, complete); derr != nil {
					release()
					return errors.Join(err, derr)
				}
				return err
			}

			result := types.NewCommand(types.KindSynthResult, map[string]any{
				"taskId": task.ID,
				"kind":   task.Kind,
				"text":   text,
			})
			if err := dispatch(ctx, result); err != nil {
				release()
				return err
			}
			if err := dispatch(ctx, complete); err != nil {
				release()
				return err
			}
			return nil
		},
	}
}

// PromptFor describes a task and the current activity for the model.
func PromptFor(task types.CognitiveTask, s state.Tree) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s of kind %s at tick %d.\n", task.ID, task.Kind, core.CurrentTick(s))
	top := resonance.Top(s, 5)
	if len(top) == 0 {
		b.WriteString("No recent activity.")
		return b.String()
	}
	b.WriteString("Recent activity by namespace:")
	for _, e := range top {
		fmt.Fprintf(&b, " %s=%.2f", e.Frequency, e.Score)
	}
	return b.String()
}

// Register wires the built-in handlers and rules into k. A nil completer
// skips the completion rule.
func Register(k *core.Kernel, c Completer, cfg RuleConfig) error {
	for _, h := range []pipeline.Handler{ErrorLogHandler{}, SynthesisHandler{}} {
		if err := k.RegisterHandler(h); err != nil {
			return err
		}
	}
	if err := k.RegisterRule(SynthesisRule(cfg)); err != nil {
		return err
	}
	if c != nil {
		if err := k.RegisterRule(CompletionRule(c, cfg)); err != nil {
			return err
		}
	}
	logging.Boot("cortex registered: handlers %v", k.Handlers())
	return nil
}
