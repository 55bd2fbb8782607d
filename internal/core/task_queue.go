package core

import (
	"fmt"
	"time"

	"aura/internal/logging"
	"aura/internal/state"
	"aura/internal/types"
)

// =============================================================================
// TASK QUEUE
// =============================================================================
//
// Queue operations are pure functions over KernelSlice. KernelHandler maps
// the KERNEL/* commands onto them; nothing else writes the slice.
//
//   created -> queued -> running -> {completed, removed}

func (k KernelSlice) hasKind(kind string) bool {
	if k.Running != nil && k.Running.Kind == kind {
		return true
	}
	for _, t := range k.Queue {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

func (k KernelSlice) clone() KernelSlice {
	out := KernelSlice{Tick: k.Tick, Queue: append([]types.CognitiveTask{}, k.Queue...)}
	if k.Running != nil {
		r := *k.Running
		out.Running = &r
	}
	return out
}

// Enqueue appends task unless a task of the same kind is already queued or
// running. It reports whether the slice changed.
func Enqueue(k KernelSlice, task types.CognitiveTask) (KernelSlice, bool) {
	if k.hasKind(task.Kind) {
		return k, false
	}
	out := k.clone()
	out.Queue = append(out.Queue, task)
	return out, true
}

// Promote moves the head of the queue into an empty running slot.
func Promote(k KernelSlice) (KernelSlice, bool) {
	if k.Running != nil || len(k.Queue) == 0 {
		return k, false
	}
	out := k.clone()
	head := out.Queue[0]
	out.Queue = out.Queue[1:]
	out.Running = &head
	return out, true
}

// Complete empties the running slot. A non-empty id must match the running
// task; a stale completion for an earlier task is a no-op.
func Complete(k KernelSlice, id string) (KernelSlice, bool) {
	if k.Running == nil || (id != "" && k.Running.ID != id) {
		return k, false
	}
	out := k.clone()
	out.Running = nil
	return out, true
}

// Remove drops the task with id from the queue or the running slot.
func Remove(k KernelSlice, id string) (KernelSlice, bool) {
	if k.Running != nil && k.Running.ID == id {
		out := k.clone()
		out.Running = nil
		return out, true
	}
	for i, t := range k.Queue {
		if t.ID == id {
			out := k.clone()
			out.Queue = append(out.Queue[:i], out.Queue[i+1:]...)
			return out, true
		}
	}
	return k, false
}

// AdvanceTick increments the clock, then promotes the next task when the
// running slot is free.
func AdvanceTick(k KernelSlice) KernelSlice {
	out := k.clone()
	out.Tick++
	out, _ = Promote(out)
	return out
}

// =============================================================================
// KERNEL HANDLER
// =============================================================================

// KernelHandler is the pipeline handler that owns the kernel slice.
type KernelHandler struct{}

// Name implements pipeline.Handler.
func (KernelHandler) Name() string { return "kernel" }

// Handle implements pipeline.Handler.
func (KernelHandler) Handle(s state.Tree, cmd types.Command) (state.Patch, error) {
	k := ReadKernel(s)
	var (
		next    KernelSlice
		changed bool
	)

	switch cmd.Kind {
	case types.KindTick:
		next, changed = AdvanceTick(k), true

	case types.KindEnqueueTask:
		task, err := taskFromCommand(cmd)
		if err != nil {
			return nil, err
		}
		next, changed = Enqueue(k, task)
		if !changed {
			logging.KernelDebug("enqueue %s ignored: kind already queued or running", task.Kind)
		}

	case types.KindPromoteTask:
		next, changed = Promote(k)

	case types.KindCompleteTask:
		p, err := types.DecodePayload[types.CompleteTaskPayload](cmd)
		if err != nil {
			return nil, err
		}
		next, changed = Complete(k, p.ID)

	case types.KindRemoveTask:
		p, err := types.DecodePayload[types.RemoveTaskPayload](cmd)
		if err != nil {
			return nil, err
		}
		next, changed = Remove(k, p.ID)

	default:
		return nil, nil
	}

	if !changed {
		return nil, nil
	}
	return state.PatchOf(KernelSliceKey, next)
}

// taskFromCommand rebuilds the task carried by an enqueue command. The id
// and creation time come from the command so replay stays deterministic.
func taskFromCommand(cmd types.Command) (types.CognitiveTask, error) {
	p, err := types.DecodePayload[types.EnqueueTaskPayload](cmd)
	if err != nil {
		return types.CognitiveTask{}, err
	}
	task := types.CognitiveTask{ID: p.ID, Kind: p.Kind, Priority: p.Priority}
	if p.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, p.CreatedAt)
		if err != nil {
			return types.CognitiveTask{}, fmt.Errorf("invalid createdAt %q: %w", p.CreatedAt, err)
		}
		task.CreatedAt = created.UTC()
	}
	return task, nil
}
