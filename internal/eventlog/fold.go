package eventlog

// State is a reconstructed entity snapshot. Domain fields sit alongside the
// meta keys; it is transient and never persisted.
type State map[string]any

// Meta keys reserved in a State.
const (
	MetaID      = "id"
	MetaType    = "type"
	MetaVersion = "version"
	MetaDeleted = "deleted"
)

// Version returns the sequence of the last folded event.
func (s State) Version() uint64 {
	if v, ok := s[MetaVersion].(uint64); ok {
		return v
	}
	return 0
}

// Deleted reports whether a "deleted" event has been folded.
func (s State) Deleted() bool {
	v, _ := s[MetaDeleted].(bool)
	return v
}

// Clone returns a shallow copy.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Fields returns the non-meta field names.
func (s State) Fields() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		if isMetaField(k) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func isMetaField(k string) bool {
	return k == MetaID || k == MetaType || k == MetaVersion || k == MetaDeleted
}

// Fold replays events in the given order into a State. Folding zero events
// yields nil.
//
// Per event: a "deleted" event-form keeps folded fields, marks deleted, and
// advances the version without folding after; an event carrying after
// shallow-merges its fields over the running state; any other event only
// advances the version (the first one initializes minimal state). A later
// after does not clear the deleted marker.
func Fold(events []Event) State {
	var st State
	for _, ev := range events {
		if st == nil {
			st = State{}
		}
		deleted := ev.Conjugation.Event == "deleted"
		if deleted {
			st[MetaDeleted] = true
		} else if ev.After != nil {
			for k, v := range ev.After {
				st[k] = v
			}
		}
		st[MetaID] = ev.EntityID
		st[MetaType] = ev.EntityType
		st[MetaVersion] = ev.Sequence
	}
	return st
}

// Snapshot returns the current folded state for every entity key, keyed
// "entityType:entityId".
func (l *Log) Snapshot() map[string]State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]State, len(l.keyOrder))
	for _, key := range l.keyOrder {
		positions := l.byKey[key]
		events := make([]Event, 0, len(positions))
		for _, pos := range positions {
			ev, err := l.store.At(pos)
			if err != nil {
				continue
			}
			events = append(events, ev)
		}
		if st := Fold(events); st != nil {
			out[key] = st
		}
	}
	return out
}

// CompactResult is the outcome of Compact.
type CompactResult struct {
	// Event is the derived snapshot event. It is returned, not stored; the
	// original log is unchanged.
	Event Event
	// OriginalCount is the number of folded events.
	OriginalCount int
}

// Compact folds an entity's full history into one derived event with the
// shallow-merged union of all after payloads and the last folded sequence.
// Compaction never deletes originals.
func (l *Log) Compact(entityType, entityID string) (CompactResult, error) {
	l.mu.RLock()
	history := l.historyLocked(entityType, entityID)
	l.mu.RUnlock()
	if len(history) == 0 {
		return CompactResult{}, ErrNotFound
	}

	merged := map[string]any{}
	for _, ev := range history {
		for k, v := range ev.After {
			merged[k] = v
		}
	}
	last := history[len(history)-1]
	derived := Event{
		ID:          l.gen.NextString(),
		Type:        entityType + ".snapshot",
		EntityType:  entityType,
		EntityID:    entityID,
		Verb:        "snapshot",
		Conjugation: Conjugation{Action: "snapshot", Event: "snapshot"},
		After:       merged,
		Timestamp:   last.Timestamp,
		Sequence:    last.Sequence,
	}
	return CompactResult{Event: derived, OriginalCount: len(history)}, nil
}
