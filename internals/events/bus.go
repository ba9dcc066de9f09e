// Package events is the outbound notification queue between engines and the
// transport layer. Publishing never blocks the publisher; the transport
// drains at its own pace and overflow drops the oldest entries.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TaskStart      Type = "task_start"
	TaskComplete   Type = "task_complete"
	TaskFail       Type = "task_fail"
	Progress       Type = "progress"
	ApprovalNeeded Type = "approval_needed"
)

type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Unit      int       `json:"unit,omitempty"`
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Passed    bool      `json:"passed,omitempty"`
	Issues    []string  `json:"issues,omitempty"`
	Message   string    `json:"message,omitempty"`
	Completed int       `json:"completed,omitempty"`
	Total     int       `json:"total,omitempty"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
}

const DefaultCapacity = 1024

// Bus is a bounded append buffer. It deliberately has no subscribers or
// delivery goroutines: delivery order and backpressure stay visible to the
// draining transport instead of hiding in a runtime scheduler.
type Bus struct {
	mu      sync.Mutex
	entries []Event
	seq     uint64
	max     int
	dropped uint64
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{max: capacity}
}

// Publish appends an event, stamping sequence and time. When the buffer is
// full the oldest entry is dropped and counted.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	evt.Seq = b.seq
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if len(b.entries) >= b.max {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
		b.dropped++
	}
	b.entries = append(b.entries, evt)
}

// Drain returns and clears all buffered events.
func (b *Bus) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.entries))
	copy(out, b.entries)
	b.entries = b.entries[:0]
	return out
}

// DrainSession returns and removes the buffered events for one session,
// leaving other sessions' events in place.
func (b *Bus) DrainSession(sessionID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	kept := b.entries[:0]
	for _, evt := range b.entries {
		if evt.SessionID == sessionID {
			out = append(out, evt)
		} else {
			kept = append(kept, evt)
		}
	}
	b.entries = kept
	return out
}

// Dropped reports how many events were discarded due to overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
