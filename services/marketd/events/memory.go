package events

import (
	"context"
	"sync"

	"gigvault/observability"
)

const defaultHistory = 256

// Memory retains the most recent events in process. It backs tests and the
// single-node deployment where no broker is configured.
type Memory struct {
	mu       sync.Mutex
	capacity int
	events   []Event
}

// NewMemory returns a queue retaining up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = defaultHistory
	}
	return &Memory{capacity: capacity}
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, evt Event) error {
	m.mu.Lock()
	m.events = append(m.events, evt)
	if over := len(m.events) - m.capacity; over > 0 {
		m.events = append(m.events[:0:0], m.events[over:]...)
	}
	m.mu.Unlock()
	observability.Events().RecordPublished(evt.Type, "memory")
	return nil
}

// Events returns a snapshot of retained events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types lists the retained event types in order.
func (m *Memory) Types() []string {
	evts := m.Events()
	out := make([]string, len(evts))
	for i, evt := range evts {
		out[i] = evt.Type
	}
	return out
}
