package transparency

import (
	"time"

	"aura/internal/state"
)

// EventType classifies bus events.
type EventType string

const (
	EventBooted        EventType = "booted"         // Initial tree installed
	EventSettled       EventType = "settled"        // A command settled into a new tree
	EventReset         EventType = "reset"          // Tree replaced by the default
	EventImported      EventType = "imported"       // Tree replaced by bulk-import
	EventHandlerFailed EventType = "handler_failed" // Dispatch aborted, tree unchanged
	EventRuleFired     EventType = "rule_fired"     // Coprocessor rule fired
	EventRuleFailed    EventType = "rule_failed"    // Coprocessor action returned an error
	EventPersistFailed EventType = "persist_failed" // Snapshot save failed
)

// Event is one kernel observation.
type Event struct {
	ID        uint64    // Sequence number assigned by the bus
	Type      EventType
	Timestamp time.Time

	Kind    string     // Command kind, when the event came from a command
	Tick    int64      // Kernel tick at emission
	Tree    state.Tree // Settled tree after the event
	Changed []string   // Slice keys changed by the command
	RuleID  string     // For rule events
	Err     string     // For failure events
}

// BusStats holds event bus statistics.
type BusStats struct {
	Enabled         bool
	SubscriberCount int
	BufferedEvents  int
	TotalEmitted    uint64
	Dropped         uint64
	TypeCount       int
}
