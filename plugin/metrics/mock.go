package metrics

import (
	"sync"
)

// MockSink records events for assertions in tests.
type MockSink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMockSink creates a new MockSink.
func NewMockSink() *MockSink {
	return &MockSink{events: make([]Event, 0)}
}

// Emit implements Sink.
func (m *MockSink) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of all recorded events.
func (m *MockSink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns the recorded events with the given name.
func (m *MockSink) Named(name string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, event := range m.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (m *MockSink) Count(name string) int {
	return len(m.Named(name))
}

// Clear forgets all recorded events.
func (m *MockSink) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = m.events[:0]
}
