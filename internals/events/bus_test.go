package events

import "testing"

func TestBusPublishAndDrain(t *testing.T) {
	bus := NewBus(10)
	bus.Publish(Event{Type: TaskStart, SessionID: "a"})
	bus.Publish(Event{Type: TaskComplete, SessionID: "a"})

	drained := bus.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 events, got %d", len(drained))
	}
	if drained[0].Seq != 1 || drained[1].Seq != 2 {
		t.Fatalf("expected monotonic sequence, got %d, %d", drained[0].Seq, drained[1].Seq)
	}
	if drained[0].At.IsZero() {
		t.Fatalf("expected publish timestamp")
	}

	if got := bus.Drain(); len(got) != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", len(got))
	}
}

func TestBusOverflowDropsOldest(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: Progress, SessionID: "a"})
	}

	drained := bus.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 events, got %d", len(drained))
	}
	if drained[0].Seq != 3 {
		t.Fatalf("expected oldest entries dropped, first seq %d", drained[0].Seq)
	}
	if bus.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", bus.Dropped())
	}
}

func TestBusDrainSession(t *testing.T) {
	bus := NewBus(10)
	bus.Publish(Event{Type: TaskStart, SessionID: "a"})
	bus.Publish(Event{Type: TaskStart, SessionID: "b"})
	bus.Publish(Event{Type: TaskComplete, SessionID: "a"})

	got := bus.DrainSession("a")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for session a, got %d", len(got))
	}

	rest := bus.Drain()
	if len(rest) != 1 || rest[0].SessionID != "b" {
		t.Fatalf("expected session b event to remain, got %+v", rest)
	}
}
