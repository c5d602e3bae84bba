package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/chronicle/internal/storage/pebble"
)

// Keyspace (byte-wise, lexicographically sortable):
//   log/e/{pos_be8}  one JSON-encoded event per append position
//   log/m            count of stored events (8B BE)
var (
	entryPrefix = []byte("log/e/")
	metaKey     = []byte("log/m")
)

func entryKey(pos uint64) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], pos)
	return append(k, b[:]...)
}

// pebbleStore persists the event sequence in Pebble, satisfying the same
// contract as the in-memory reference store.
type pebbleStore struct {
	db    *pebblestore.DB
	count int
}

// OpenPebbleStore opens a durable Store backed by the given database.
func OpenPebbleStore(db *pebblestore.DB) (Store, error) {
	s := &pebbleStore{db: db}
	meta, err := db.Get(metaKey)
	switch {
	case err == nil && len(meta) >= 8:
		s.count = int(binary.BigEndian.Uint64(meta[:8]))
	case errors.Is(err, pebblestore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("eventlog: load meta: %w", err)
	}
	return s, nil
}

func (s *pebbleStore) Append(ev Event) error {
	val, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: encode event: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(uint64(s.count)), val, nil); err != nil {
		return err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(s.count)+1)
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *pebbleStore) At(i int) (Event, error) {
	if i < 0 || i >= s.count {
		return Event{}, ErrNotFound
	}
	val, err := s.db.Get(entryKey(uint64(i)))
	if err != nil {
		return Event{}, ErrNotFound
	}
	var ev Event
	if err := json.Unmarshal(val, &ev); err != nil {
		return Event{}, fmt.Errorf("eventlog: decode event: %w", err)
	}
	return ev, nil
}

func (s *pebbleStore) Len() int { return s.count }

func (s *pebbleStore) ForEach(fn func(i int, ev Event) bool) error {
	hi := append(append([]byte{}, entryPrefix...), 0xFF)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: entryPrefix, UpperBound: hi})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	i := 0
	for ok := it.First(); ok; ok = it.Next() {
		var ev Event
		if err := json.Unmarshal(it.Value(), &ev); err != nil {
			return fmt.Errorf("eventlog: decode event at %d: %w", i, err)
		}
		if !fn(i, ev) {
			return nil
		}
		i++
	}
	return nil
}

func (s *pebbleStore) Replace(events []Event) error {
	if err := s.Clear(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for i, ev := range events {
		val, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("eventlog: encode event: %w", err)
		}
		if err := b.Set(entryKey(uint64(i)), val, nil); err != nil {
			return err
		}
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], uint64(len(events)))
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	s.count = len(events)
	return nil
}

func (s *pebbleStore) Clear() error {
	hi := append(append([]byte{}, entryPrefix...), 0xFF)
	if err := s.db.DeleteRange(entryPrefix, hi); err != nil {
		return err
	}
	if err := s.db.Delete(metaKey); err != nil {
		return err
	}
	s.count = 0
	return nil
}

func (s *pebbleStore) Close() error { return nil }
