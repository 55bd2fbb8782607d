package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle position of a cognitive task.
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskRemoved   TaskStatus = "removed"
)

// CognitiveTask is a unit of expensive background work. At most one task runs
// at a time and no two tasks of the same kind are ever queued together.
type CognitiveTask struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewTask creates a task with a fresh id and creation time. Stamping happens
// here, outside dispatch, so replaying the resulting command is deterministic.
func NewTask(kind string, priority int) CognitiveTask {
	return CognitiveTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

// EnqueueCommand builds the KERNEL/ENQUEUE_TASK command for the task.
func (t CognitiveTask) EnqueueCommand() Command {
	return NewCommand(KindEnqueueTask, map[string]any{
		"id":        t.ID,
		"kind":      t.Kind,
		"priority":  t.Priority,
		"createdAt": t.CreatedAt.Format(time.RFC3339Nano),
	})
}

// EnqueueTask is shorthand for NewTask(kind, priority).EnqueueCommand().
func EnqueueTask(kind string, priority int) Command {
	return NewTask(kind, priority).EnqueueCommand()
}
