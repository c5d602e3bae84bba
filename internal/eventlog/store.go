package eventlog

import "sync"

// Store persists the ordered event sequence. The Log serializes writes, so
// implementations only need to be safe for concurrent reads against a
// single writer. Positions are 0-based append order.
type Store interface {
	// Append persists the event at the next position.
	Append(ev Event) error
	// At returns the event at position i.
	At(i int) (Event, error)
	// Len returns the number of stored events.
	Len() int
	// ForEach visits events in append order until fn returns false.
	ForEach(fn func(i int, ev Event) bool) error
	// Replace swaps the full contents for the given sequence.
	Replace(events []Event) error
	// Clear removes all events.
	Clear() error
	// Close releases underlying resources.
	Close() error
}

// memStore is the reference in-memory store.
type memStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemStore returns the in-memory reference Store.
func NewMemStore() Store { return &memStore{} }

func (s *memStore) Append(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) At(i int) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.events) {
		return Event{}, ErrNotFound
	}
	return s.events[i], nil
}

func (s *memStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *memStore) ForEach(fn func(i int, ev Event) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, ev := range s.events {
		if !fn(i, ev) {
			return nil
		}
	}
	return nil
}

func (s *memStore) Replace(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]Event(nil), events...)
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	return nil
}

func (s *memStore) Close() error { return nil }
