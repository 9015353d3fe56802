package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var received int32
	eb.On(EventTargetOpened, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventTargetOpened, Payload: map[string]any{"target": "tab-1"}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardAndOff(t *testing.T) {
	eb := NewEventBus(testLogger())

	var all, specific int32
	eb.On("*", func(e Event) { atomic.AddInt32(&all, 1) })
	id := eb.On(EventDispatchRetried, func(e Event) { atomic.AddInt32(&specific, 1) })

	eb.Emit(Event{Type: EventDispatchRetried})
	eb.Off(EventDispatchRetried, id)
	eb.Emit(Event{Type: EventDispatchRetried})

	if atomic.LoadInt32(&all) != 2 {
		t.Errorf("wildcard: expected 2, got %d", all)
	}
	if atomic.LoadInt32(&specific) != 1 {
		t.Errorf("specific after Off: expected 1, got %d", specific)
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.Emit(Event{Type: EventTargetClosed, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: EventTargetClosed})
	eb.Emit(Event{Type: EventTargetOpened})

	if got := eb.Replay(EventTargetClosed, threshold); len(got) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(got))
	}
	if got := eb.Replay("*", time.Time{}); len(got) != 3 {
		t.Errorf("expected 3 total events, got %d", len(got))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: EventSnapshotRefreshed})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.On(EventBackgroundFailed, func(e Event) {
		panic("handler blew up")
	})

	// Must not panic the caller.
	eb.Emit(Event{Type: EventBackgroundFailed})
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.Emit(Event{Type: EventBatchExecuted})

	events := eb.Replay(EventBatchExecuted, time.Time{})
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
