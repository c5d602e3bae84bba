package cdc

import (
	"errors"
	"fmt"
	"sync"

	pebblestore "github.com/rzbill/chronicle/internal/storage/pebble"
)

// CursorStore persists per-consumer progress: the checkpoint cursor used to
// resume polling, and the set of individually acknowledged event ids.
type CursorStore interface {
	// SetCursor records the consumer's checkpoint event id.
	SetCursor(consumer, eventID string) error
	// Cursor returns the checkpoint, and whether one exists.
	Cursor(consumer string) (string, bool, error)
	// Ack marks an event id processed. Re-acking is a no-op.
	Ack(consumer, eventID string) error
	// IsAcked reports whether the event id was acknowledged.
	IsAcked(consumer, eventID string) (bool, error)
	// Close releases any underlying resources.
	Close() error
}

// memCursorStore keeps checkpoints and acks in process memory.
type memCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]string
	acked   map[string]map[string]bool
}

// NewMemCursorStore returns an in-memory CursorStore.
func NewMemCursorStore() CursorStore {
	return &memCursorStore{
		cursors: map[string]string{},
		acked:   map[string]map[string]bool{},
	}
}

func (s *memCursorStore) SetCursor(consumer, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[consumer] = eventID
	return nil
}

func (s *memCursorStore) Cursor(consumer string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cursors[consumer]
	return cur, ok, nil
}

func (s *memCursorStore) Ack(consumer, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.acked[consumer]
	if !ok {
		set = map[string]bool{}
		s.acked[consumer] = set
	}
	set[eventID] = true
	return nil
}

func (s *memCursorStore) IsAcked(consumer, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acked[consumer][eventID], nil
}

func (s *memCursorStore) Close() error { return nil }

// Pebble keyspace:
//
//	cdc/c/{consumer}            -> checkpoint event id
//	cdc/a/{consumer}/{eventID}  -> 1
type pebbleCursorStore struct {
	db *pebblestore.DB
}

// NewPebbleCursorStore returns a CursorStore backed by the given Pebble
// database. The store does not own the database; Close is a no-op.
func NewPebbleCursorStore(db *pebblestore.DB) CursorStore {
	return &pebbleCursorStore{db: db}
}

func cursorKey(consumer string) []byte {
	return []byte(fmt.Sprintf("cdc/c/%s", consumer))
}

func ackKey(consumer, eventID string) []byte {
	return []byte(fmt.Sprintf("cdc/a/%s/%s", consumer, eventID))
}

func (s *pebbleCursorStore) SetCursor(consumer, eventID string) error {
	return s.db.Set(cursorKey(consumer), []byte(eventID))
}

func (s *pebbleCursorStore) Cursor(consumer string) (string, bool, error) {
	val, err := s.db.Get(cursorKey(consumer))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

func (s *pebbleCursorStore) Ack(consumer, eventID string) error {
	return s.db.Set(ackKey(consumer, eventID), []byte{1})
}

func (s *pebbleCursorStore) IsAcked(consumer, eventID string) (bool, error) {
	_, err := s.db.Get(ackKey(consumer, eventID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *pebbleCursorStore) Close() error { return nil }
