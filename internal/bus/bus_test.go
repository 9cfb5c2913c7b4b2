package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestSequencesAreStrictlyIncreasing(t *testing.T) {
	b := New(100)
	b.SetClock(fixedClock())
	var last int64
	for i := 0; i < 10; i++ {
		ev, err := b.Broadcast(EventTaskStarted, TaskEventData{Project: "p", TaskID: "t1", Status: "running"})
		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}
		if ev.Sequence <= last {
			t.Fatalf("sequence %d not after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
	if got := b.Sequence(); got != last {
		t.Fatalf("Sequence() = %d, want %d", got, last)
	}
}

func TestHistoryEviction(t *testing.T) {
	b := New(5)
	b.SetClock(fixedClock())
	for i := 0; i < 12; i++ {
		if _, err := b.Broadcast(EventProjectCreated, ProjectEventData{Project: "p"}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	evs, seq := b.EventsSince(0)
	if seq != 12 {
		t.Fatalf("sequence = %d, want 12", seq)
	}
	if len(evs) != 5 {
		t.Fatalf("retained %d events, want 5", len(evs))
	}
	if evs[0].Sequence != 8 || evs[4].Sequence != 12 {
		t.Fatalf("retained window [%d..%d], want [8..12]", evs[0].Sequence, evs[4].Sequence)
	}
}

func TestEventsSinceReturnsOnlyNewer(t *testing.T) {
	b := New(100)
	b.SetClock(fixedClock())
	for i := 0; i < 6; i++ {
		b.Broadcast(EventTaskCompleted, TaskEventData{Project: "p", TaskID: "t", Status: "done"})
	}
	evs, seq := b.EventsSince(4)
	if seq != 6 {
		t.Fatalf("sequence = %d, want 6", seq)
	}
	if len(evs) != 2 || evs[0].Sequence != 5 || evs[1].Sequence != 6 {
		t.Fatalf("unexpected delta: %+v", evs)
	}
	evs, _ = b.EventsSince(6)
	if len(evs) != 0 {
		t.Fatalf("expected empty delta, got %d events", len(evs))
	}
}

func TestSubscribeDeliversAndCancelStops(t *testing.T) {
	b := New(100)
	b.SetClock(fixedClock())
	ch, cancel := b.Subscribe(8)
	if b.ListenerCount() != 1 {
		t.Fatalf("listener count = %d, want 1", b.ListenerCount())
	}
	b.Broadcast(EventTaskStarted, TaskEventData{Project: "p", TaskID: "a", Status: "running"})
	select {
	case ev := <-ch:
		if ev.Type != EventTaskStarted || ev.Sequence != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	cancel()
	cancel() // idempotent
	if b.ListenerCount() != 0 {
		t.Fatalf("listener count = %d after cancel, want 0", b.ListenerCount())
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := New(100)
	b.SetClock(fixedClock())
	ch, cancel := b.Subscribe(2)
	defer cancel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Broadcast(EventProjectExecuting, ProjectEventData{Project: "p"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	if n := len(ch); n != 2 {
		t.Fatalf("buffered %d events, want 2", n)
	}
}

func TestFullStateSnapshot(t *testing.T) {
	b := New(100)
	b.SetClock(fixedClock())
	if raw, seq := b.FullState(); raw != nil || seq != 0 {
		t.Fatalf("expected empty initial state, got %s at %d", raw, seq)
	}
	ev, err := b.SetFullState(map[string]any{"projects": []string{"alpha"}})
	if err != nil {
		t.Fatalf("set full state: %v", err)
	}
	if ev.Type != EventStateSnapshot {
		t.Fatalf("type = %s, want %s", ev.Type, EventStateSnapshot)
	}
	raw, seq := b.FullState()
	if seq != 1 {
		t.Fatalf("sequence = %d, want 1", seq)
	}
	var decoded struct {
		Projects []string `json:"projects"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(decoded.Projects) != 1 || decoded.Projects[0] != "alpha" {
		t.Fatalf("unexpected snapshot %s", raw)
	}
}

func TestCloseReleasesSubscribers(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Close")
	}
	if b.ListenerCount() != 0 {
		t.Fatalf("listener count = %d after Close", b.ListenerCount())
	}
	// A subscriber's deferred cancel commonly fires after shutdown.
	cancel()
	b.Close()
	// The bus still accepts broadcasts; only the subscribers are gone.
	if _, err := b.Broadcast(EventProjectCreated, nil); err != nil {
		t.Fatalf("broadcast after close: %v", err)
	}
}

func TestKnownType(t *testing.T) {
	if !KnownType(EventTaskDispatchFailed) {
		t.Fatal("task.dispatch_failed should be known")
	}
	if KnownType(EventType("task.exploded")) {
		t.Fatal("unknown kind accepted")
	}
}
