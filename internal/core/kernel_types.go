// Package core holds the aura kernel: the logical clock, the single-slot task
// queue and the runtime that threads the state tree through the pipeline,
// the coprocessor scheduler and persistence.
package core

import (
	"aura/internal/state"
	"aura/internal/types"
)

// =============================================================================
// KERNEL SLICE
// =============================================================================

// KernelSliceKey is the state slice owned by the kernel handler.
const KernelSliceKey = "kernel"

// KernelSlice is the logical clock and the task queue.
//
// Running holds at most one task, and no two tasks across Queue and Running
// share a Kind.
type KernelSlice struct {
	Tick    int64                 `json:"tick"`
	Queue   []types.CognitiveTask `json:"queue"`
	Running *types.CognitiveTask  `json:"running"`
}

// DefaultKernelSlice returns the kernel slice of a fresh tree.
func DefaultKernelSlice() KernelSlice {
	return KernelSlice{Queue: []types.CognitiveTask{}}
}

// ReadKernel decodes the kernel slice. A missing or unreadable slice yields
// the default.
func ReadKernel(t state.Tree) KernelSlice {
	k, ok, err := state.Decode[KernelSlice](t, KernelSliceKey)
	if !ok || err != nil {
		return DefaultKernelSlice()
	}
	if k.Queue == nil {
		k.Queue = []types.CognitiveTask{}
	}
	return k
}

// CurrentTick returns the kernel tick counter.
func CurrentTick(t state.Tree) int64 {
	return ReadKernel(t).Tick
}

// RunningTask returns the task in the running slot, or nil. Expensive
// external work consults it before starting.
func RunningTask(t state.Tree) *types.CognitiveTask {
	return ReadKernel(t).Running
}

// QueuedTasks returns the queued tasks in FIFO order.
func QueuedTasks(t state.Tree) []types.CognitiveTask {
	return ReadKernel(t).Queue
}

// Idle reports whether no task is running.
func Idle(t state.Tree) bool {
	return ReadKernel(t).Running == nil
}

// Quiescent reports whether no task is running and none is queued.
func Quiescent(t state.Tree) bool {
	k := ReadKernel(t)
	return k.Running == nil && len(k.Queue) == 0
}

// HasTask reports whether a task of kind is queued or running.
func HasTask(t state.Tree, kind string) bool {
	return ReadKernel(t).hasKind(kind)
}

// TaskRunning returns a condition that holds while a task of kind runs.
// An empty kind matches any running task.
func TaskRunning(kind string) func(state.Tree) bool {
	return func(t state.Tree) bool {
		r := RunningTask(t)
		return r != nil && (kind == "" || r.Kind == kind)
	}
}

// TaskStatus returns the lifecycle position of the task with id as far as
// the tree can tell. Ids no longer present report completed.
func TaskStatus(t state.Tree, id string) types.TaskStatus {
	k := ReadKernel(t)
	if k.Running != nil && k.Running.ID == id {
		return types.TaskRunning
	}
	for _, q := range k.Queue {
		if q.ID == id {
			return types.TaskQueued
		}
	}
	return types.TaskCompleted
}
