// Package types provides the shared value types that move through the aura
// kernel: commands, their namespaces, and cognitive tasks.
// Types in this package are foundational and must not import other aura
// packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// COMMANDS
// =============================================================================

// NamespaceSeparator splits a command kind into namespace and verb.
const NamespaceSeparator = "/"

// Reserved command kinds understood by the kernel itself.
const (
	// Global commands that bypass the handler pipeline.
	KindReset       = "SYSTEM/RESET"
	KindImportState = "SYSTEM/IMPORT_STATE"

	// Error channel.
	KindLogError    = "SYSTEM/LOG_ERROR"
	KindClearErrors = "SYSTEM/CLEAR_ERRORS"

	// Kernel clock and task queue.
	KindTick         = "KERNEL/TICK"
	KindEnqueueTask  = "KERNEL/ENQUEUE_TASK"
	KindPromoteTask  = "KERNEL/PROMOTE_TASK"
	KindCompleteTask = "KERNEL/COMPLETE_TASK"
	KindRemoveTask   = "KERNEL/REMOVE_TASK"

	// Results delivered back from the computation bridge.
	KindSynthResult = "SYNTH/RESULT"
)

// Command is a named, argument-carrying instruction. It is the only way state
// changes. Treat a Command as immutable once issued; use NewCommand so the
// args map is not shared with the caller.
type Command struct {
	Kind string         `json:"kind"`
	Args map[string]any `json:"args,omitempty"`
}

// NewCommand builds a command with a deep copy of args.
func NewCommand(kind string, args map[string]any) Command {
	return Command{Kind: kind, Args: copyMap(args)}
}

// Namespace returns the prefix before the first "/" or "" when the kind has
// no namespace.
func (c Command) Namespace() string {
	return Namespace(c.Kind)
}

// Verb returns the part of the kind after the namespace.
func (c Command) Verb() string {
	if i := strings.Index(c.Kind, NamespaceSeparator); i >= 0 {
		return c.Kind[i+1:]
	}
	return c.Kind
}

// Arg returns a raw argument value.
func (c Command) Arg(key string) (any, bool) {
	v, ok := c.Args[key]
	return v, ok
}

// IsReserved reports whether the kind is handled outside the pipeline.
func (c Command) IsReserved() bool {
	return c.Kind == KindReset || c.Kind == KindImportState
}

// String returns a compact representation for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Kind
	}
	data, err := json.Marshal(c.Args)
	if err != nil {
		return fmt.Sprintf("%s %v", c.Kind, c.Args)
	}
	return c.Kind + " " + string(data)
}

// Namespace returns the namespace of a command kind.
func Namespace(kind string) string {
	if i := strings.Index(kind, NamespaceSeparator); i > 0 {
		return kind[:i]
	}
	return ""
}

// ParseCommand decodes a JSON command line ({"kind": ..., "args": {...}}).
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("invalid command: %w", err)
	}
	if strings.TrimSpace(c.Kind) == "" {
		return Command{}, fmt.Errorf("invalid command: empty kind")
	}
	return NewCommand(c.Kind, c.Args), nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case json.RawMessage:
		return append(json.RawMessage(nil), x...)
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}
