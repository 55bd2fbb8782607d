package transparency

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EventBus collects kernel events and dispatches them to subscribers.
// Emit batches events to reduce churn for UIs; EmitImmediate bypasses the
// batch. Sequence numbers give subscribers a total order.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []chan<- Event
	enabled     atomic.Bool

	// Batching configuration
	batchWindow time.Duration
	batchLimit  int

	buffer     []Event
	bufferMu   sync.Mutex
	flushTimer *time.Timer

	sequence atomic.Uint64
	dropped  atomic.Uint64

	// Filtering; empty means all allowed
	types map[EventType]bool
}

// NewEventBus creates an enabled event bus with default settings.
func NewEventBus() *EventBus {
	b := &EventBus{
		batchWindow: 100 * time.Millisecond,
		batchLimit:  10,
		buffer:      make([]Event, 0, 20),
		types:       make(map[EventType]bool),
	}
	b.enabled.Store(true)
	return b
}

// Enable activates the event bus.
func (b *EventBus) Enable() {
	b.enabled.Store(true)
}

// Disable deactivates the event bus and flushes pending events.
func (b *EventBus) Disable() {
	b.enabled.Store(false)
	b.Flush()
}

// IsEnabled returns true if the event bus is active.
func (b *EventBus) IsEnabled() bool {
	return b.enabled.Load()
}

// SetTypes restricts delivery to the given types. Empty means all.
func (b *EventBus) SetTypes(types []EventType) {
	b.mu.Lock()
	b.types = make(map[EventType]bool)
	for _, t := range types {
		b.types[t] = true
	}
	b.mu.Unlock()
}

// Subscribe returns a buffered channel that receives events.
func (b *EventBus) Subscribe() <-chan Event {
	return b.SubscribeBuffered(50)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (b *EventBus) SubscribeBuffered(size int) <-chan Event {
	ch := make(chan Event, size)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Emit queues an event for batched delivery. Safe from any goroutine.
func (b *EventBus) Emit(event Event) {
	if !b.accept(&event) {
		return
	}

	b.bufferMu.Lock()
	b.buffer = append(b.buffer, event)
	if len(b.buffer) >= b.batchLimit {
		b.flushLocked()
	} else if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.batchWindow, func() {
			b.bufferMu.Lock()
			b.flushLocked()
			b.bufferMu.Unlock()
		})
	}
	b.bufferMu.Unlock()
}

// EmitImmediate delivers an event without batching.
func (b *EventBus) EmitImmediate(event Event) {
	if !b.accept(&event) {
		return
	}
	b.mu.RLock()
	for _, sub := range b.subscribers {
		b.send(sub, event)
	}
	b.mu.RUnlock()
}

// Flush dispatches all buffered events immediately.
func (b *EventBus) Flush() {
	b.bufferMu.Lock()
	b.flushLocked()
	b.bufferMu.Unlock()
}

func (b *EventBus) accept(event *Event) bool {
	if !b.enabled.Load() {
		return false
	}
	b.mu.RLock()
	filtered := len(b.types) > 0 && !b.types[event.Type]
	b.mu.RUnlock()
	if filtered {
		return false
	}
	event.ID = b.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return true
}

func (b *EventBus) send(sub chan<- Event, event Event) {
	select {
	case sub <- event:
	default: // Drop if channel full
		b.dropped.Add(1)
	}
}

// flushLocked sends buffered events (must hold bufferMu).
func (b *EventBus) flushLocked() {
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	if len(b.buffer) == 0 {
		return
	}

	sort.Slice(b.buffer, func(i, j int) bool {
		return b.buffer[i].ID < b.buffer[j].ID
	})

	b.mu.RLock()
	for _, sub := range b.subscribers {
		for _, event := range b.buffer {
			b.send(sub, event)
		}
	}
	b.mu.RUnlock()

	b.buffer = b.buffer[:0]
}

// Close shuts down the event bus and all subscriber channels.
func (b *EventBus) Close() {
	b.Disable()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = nil
}

// Stats returns current event bus statistics.
func (b *EventBus) Stats() BusStats {
	b.mu.RLock()
	b.bufferMu.Lock()
	defer b.bufferMu.Unlock()
	defer b.mu.RUnlock()

	return BusStats{
		Enabled:         b.enabled.Load(),
		SubscriberCount: len(b.subscribers),
		BufferedEvents:  len(b.buffer),
		TotalEmitted:    b.sequence.Load(),
		Dropped:         b.dropped.Load(),
		TypeCount:       len(b.types),
	}
}
