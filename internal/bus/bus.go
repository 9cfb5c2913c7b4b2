// Package bus implements the in-process event distribution hub: every broadcast gets
// a strictly increasing sequence number, lands in a bounded ring of history, and fans
// out to subscribers without ever blocking the broadcaster.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType identifies a domain event kind. The set is closed; ingress rejects
// anything else.
type EventType string

const (
	EventProjectCreated     EventType = "project.created"
	EventProjectPlanUpdated EventType = "project.plan_updated"
	EventProjectFinalized   EventType = "project.finalized"
	EventProjectReverted    EventType = "project.reverted"
	EventProjectExecuting   EventType = "project.executing"
	EventProjectCompleted   EventType = "project.completed"
	EventProjectDeleted     EventType = "project.deleted"
	EventTaskStarted        EventType = "task.started"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskFailed         EventType = "task.failed"
	EventTaskRequeued       EventType = "task.requeued"
	EventTaskDispatchFailed EventType = "task.dispatch_failed"
	EventStateSnapshot      EventType = "state.snapshot"
	// EventConnected is synthetic: the stream endpoint writes it as the first frame
	// to confirm the stream is flowing. It never passes through Broadcast.
	EventConnected EventType = "connected"
)

var knownTypes = map[EventType]bool{
	EventProjectCreated:     true,
	EventProjectPlanUpdated: true,
	EventProjectFinalized:   true,
	EventProjectReverted:    true,
	EventProjectExecuting:   true,
	EventProjectCompleted:   true,
	EventProjectDeleted:     true,
	EventTaskStarted:        true,
	EventTaskCompleted:      true,
	EventTaskFailed:         true,
	EventTaskRequeued:       true,
	EventTaskDispatchFailed: true,
	EventStateSnapshot:      true,
	EventConnected:          true,
}

// KnownType reports whether t belongs to the closed event kind set.
func KnownType(t EventType) bool { return knownTypes[t] }

// Event is a sequenced, immutable value. Data is opaque to the bus.
type Event struct {
	Type      EventType       `json:"type"`
	Sequence  int64           `json:"sequence"`
	Timestamp string          `json:"timestamp" format:"date-time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ProjectEventData is the payload for project lifecycle kinds.
type ProjectEventData struct {
	Project string `json:"project"`
	Status  string `json:"status,omitempty"`
}

// TaskEventData is the payload for task lifecycle kinds.
type TaskEventData struct {
	Project    string `json:"project"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ConnectedData is the payload of the synthetic connected frame.
type ConnectedData struct {
	Sequence int64 `json:"sequence"`
}

// Bus is constructed once per process and passed by reference; there is no package
// level instance.
type Bus struct {
	mu        sync.Mutex
	seq       int64
	history   []Event
	capacity  int
	subs      map[int]*subscriber
	nextSub   int
	lastState json.RawMessage
	now       func() time.Time
}

// subscriber owns its channel's close. Both the per-subscriber cancel and Bus.Close
// funnel through shutdown, so the channel can never be closed twice.
type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) shutdown() {
	s.once.Do(func() { close(s.ch) })
}

// New creates a bus retaining up to capacity events of history.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		capacity: capacity,
		subs:     map[int]*subscriber{},
		now:      time.Now,
	}
}

// SetClock overrides the timestamp source, for tests.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Broadcast stamps the event with the next sequence number and the current time,
// appends it to the ring, and delivers it to every subscriber. Sequence assignment
// and the ring append are atomic; delivery is non-blocking and a full subscriber
// buffer drops the event for that subscriber (it can catch up via EventsSince).
func (b *Bus) Broadcast(t EventType, data any) (Event, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Event{}, err
	}
	b.mu.Lock()
	b.seq++
	ev := Event{
		Type:      t,
		Sequence:  b.seq,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		Data:      raw,
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}
	// Sends stay under the lock so unsubscribe cannot close a channel mid-delivery.
	// They never block: a full buffer drops the event for that subscriber.
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return ev, nil
}

// SetFullState broadcasts a complete state snapshot and remembers it so that
// late-joining observers can resynchronize without replaying history.
func (b *Bus) SetFullState(state any) (Event, error) {
	raw, err := marshalData(state)
	if err != nil {
		return Event{}, err
	}
	b.mu.Lock()
	b.lastState = raw
	b.mu.Unlock()
	return b.Broadcast(EventStateSnapshot, json.RawMessage(raw))
}

// FullState returns the most recent snapshot payload (nil if none was ever set) and
// the current sequence number.
func (b *Bus) FullState() (json.RawMessage, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastState, b.seq
}

// EventsSince returns buffered events with sequence > since, ascending, plus the
// current sequence. A caller asking for a sequence older than the retained window
// gets whatever the ring still holds; it cannot tell silence from eviction and must
// resync on an implausible jump.
func (b *Bus) EventsSince(since int64) ([]Event, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, ev := range b.history {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, b.seq
}

// Subscribe registers a live listener. Delivery is best-effort: events published
// while the buffer is full are skipped for this subscriber. The returned cancel is
// idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.shutdown()
	}
	return sub.ch, cancel
}

// ListenerCount returns the number of live subscribers.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Sequence returns the last assigned sequence number.
func (b *Bus) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close drops and closes every subscriber channel. A subscriber's own cancel may
// still run afterwards; it becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	dropped := make([]*subscriber, 0, len(b.subs))
	for id, sub := range b.subs {
		delete(b.subs, id)
		dropped = append(dropped, sub)
	}
	b.mu.Unlock()
	for _, sub := range dropped {
		sub.shutdown()
	}
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return raw, nil
}
