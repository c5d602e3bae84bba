package eventlog

import (
	"encoding/json"
	"fmt"
)

// ToJSON serializes every event, in order, as a JSON array. An empty log
// encodes as "[]".
func (l *Log) ToJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]Event, 0, l.store.Len())
	_ = l.store.ForEach(func(i int, ev Event) bool {
		events = append(events, ev)
		return true
	})
	b, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal: %w", err)
	}
	return b, nil
}

// FromJSON replaces the current contents entirely with the serialized
// events and restores per-entity sequence counters to the max seen, so
// later appends continue rather than restart. Subscriber registrations are
// untouched.
func (l *Log) FromJSON(blob []byte) error {
	var events []Event
	if err := json.Unmarshal(blob, &events); err != nil {
		return fmt.Errorf("eventlog: unmarshal: %w", err)
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Replace(events); err != nil {
		return fmt.Errorf("eventlog: replace: %w", err)
	}
	return l.reindex()
}
