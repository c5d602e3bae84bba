package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	idpkg "github.com/rzbill/chronicle/pkg/id"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// Handler receives appended events during fan-out. A returned error (or a
// panic) is isolated and counted; it never affects the append or sibling
// handlers.
type Handler func(ctx context.Context, ev Event) error

// Log owns the ordered, immutable event sequence.
type Log struct {
	// appendMu serializes the whole append path (sequence assignment,
	// timestamp monotonicity, store write, fan-out order).
	appendMu sync.Mutex

	// mu guards the indexes below; reads run concurrently with appends and
	// always see a consistent prefix.
	mu       sync.RWMutex
	store    Store
	byID     map[string]int      // event id -> append position
	byKey    map[string][]int    // entity key -> positions in sequence order
	lastSeq  map[string]uint64   // entity key -> last assigned sequence
	keyOrder []string            // entity keys in first-appearance order
	lastTS   time.Time

	subs subscriberSet

	gen    *idpkg.Generator
	now    func() time.Time
	logger logpkg.Logger
}

// Option configures a Log under construction.
type Option func(*Log)

// WithLogger sets the structured logger.
func WithLogger(l logpkg.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithClock overrides the timestamp source; used in tests.
func WithClock(now func() time.Time) Option {
	return func(lg *Log) { lg.now = now }
}

// New returns a Log over the in-memory reference store.
func New(opts ...Option) *Log {
	l, _ := Open(NewMemStore(), opts...)
	return l
}

// Open returns a Log over the given store, rebuilding indexes from its
// contents so sequences continue where previous runs left off.
func Open(store Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:   store,
		byID:    map[string]int{},
		byKey:   map[string][]int{},
		lastSeq: map[string]uint64{},
		gen:     idpkg.NewGenerator(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = logpkg.NewLogger().With(logpkg.Component("eventlog"))
	}
	if err := l.reindex(); err != nil {
		return nil, err
	}
	return l, nil
}

// reindex rebuilds in-memory indexes from the store. Callers hold no locks
// (construction) or the write lock (FromJSON).
func (l *Log) reindex() error {
	l.byID = map[string]int{}
	l.byKey = map[string][]int{}
	l.lastSeq = map[string]uint64{}
	l.keyOrder = nil
	l.lastTS = time.Time{}
	return l.store.ForEach(func(i int, ev Event) bool {
		key := ev.EntityKey()
		l.byID[ev.ID] = i
		if _, seen := l.lastSeq[key]; !seen {
			l.keyOrder = append(l.keyOrder, key)
		}
		l.byKey[key] = append(l.byKey[key], i)
		if ev.Sequence > l.lastSeq[key] {
			l.lastSeq[key] = ev.Sequence
		}
		if ev.Timestamp.After(l.lastTS) {
			l.lastTS = ev.Timestamp
		}
		return true
	})
}

// Append validates the input, assigns id/sequence/timestamp, stores the
// event, and synchronously fans it out to matching subscribers. Handler
// failures are isolated per handler and never fail the append.
func (l *Log) Append(ctx context.Context, in AppendInput) (Event, error) {
	if in.EntityType == "" {
		return Event{}, ErrEmptyEntityType
	}
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	key := EntityKey(in.EntityType, in.EntityID)
	verbEvent := in.Conjugation.Event
	if verbEvent == "" {
		verbEvent = in.Verb
	}

	l.mu.Lock()
	// Round(0) strips the monotonic clock reading so stored timestamps
	// survive a JSON round trip byte for byte.
	ts := l.now().Round(0)
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	ev := Event{
		ID:          l.gen.NextString(),
		Type:        in.EntityType + "." + verbEvent,
		EntityType:  in.EntityType,
		EntityID:    in.EntityID,
		Verb:        in.Verb,
		Conjugation: in.Conjugation,
		Before:      cloneMap(in.Before),
		After:       cloneMap(in.After),
		Data:        cloneMap(in.Data),
		Actor:       in.Actor,
		Context:     cloneMap(in.Context),
		Timestamp:   ts,
		Sequence:    l.lastSeq[key] + 1,
	}
	if err := l.store.Append(ev); err != nil {
		l.mu.Unlock()
		return Event{}, fmt.Errorf("eventlog: append: %w", err)
	}
	pos := l.store.Len() - 1
	l.byID[ev.ID] = pos
	if _, seen := l.lastSeq[key]; !seen {
		l.keyOrder = append(l.keyOrder, key)
	}
	l.byKey[key] = append(l.byKey[key], pos)
	l.lastSeq[key] = ev.Sequence
	l.lastTS = ts
	handlers := l.subs.matching(ev.Type)
	l.mu.Unlock()

	// Storage happened above; fan-out cannot affect durability. appendMu is
	// still held so subscribers observe events in append order.
	l.fanOut(ctx, handlers, ev)
	return ev, nil
}

func (l *Log) fanOut(ctx context.Context, handlers []Handler, ev Event) {
	for _, h := range handlers {
		if err := invokeHandler(ctx, h, ev); err != nil {
			l.logger.Debug("eventlog.fanout_handler_failed",
				logpkg.Str("type", ev.Type),
				logpkg.Str("id", ev.ID),
				logpkg.Err(err))
		}
	}
}

// invokeHandler runs one handler, converting panics into errors so a fault
// never aborts iteration over the remaining handlers.
func invokeHandler(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Get is a point lookup by event id.
func (l *Log) Get(id string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.byID[id]
	if !ok {
		return Event{}, false
	}
	ev, err := l.store.At(pos)
	if err != nil {
		return Event{}, false
	}
	return ev, true
}

// Query returns matching events in append order. Limit/Offset bound the
// filtered set as a simple range.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var matched []Event
	_ = l.store.ForEach(func(i int, ev Event) bool {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
		return true
	})
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Count returns the cardinality of Query(f).
func (l *Log) Count(f Filter) int {
	return len(l.Query(f))
}

// EntityHistory returns the full history for one entity key in sequence
// order.
func (l *Log) EntityHistory(entityType, entityID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.historyLocked(entityType, entityID)
}

func (l *Log) historyLocked(entityType, entityID string) []Event {
	positions := l.byKey[EntityKey(entityType, entityID)]
	if len(positions) == 0 {
		return nil
	}
	out := make([]Event, 0, len(positions))
	for _, pos := range positions {
		ev, err := l.store.At(pos)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Batch returns events in requested-id order; unknown ids are silently
// omitted.
func (l *Log) Batch(ids []string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		pos, ok := l.byID[id]
		if !ok {
			continue
		}
		ev, err := l.store.At(pos)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// UniqueEntities returns the distinct entity keys ever appended, in
// first-appearance order.
func (l *Log) UniqueEntities() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.keyOrder...)
}

// Size returns the total number of stored events.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Len()
}

// Stream lazily produces matching events in append order. The channel is
// closed at exhaustion or when ctx is done. Events appended after the call
// are not included.
func (l *Log) Stream(ctx context.Context, f Filter) <-chan Event {
	ch := make(chan Event)
	l.mu.RLock()
	end := l.store.Len()
	l.mu.RUnlock()

	go func() {
		defer close(ch)
		const chunk = 256
		emitted, skipped := 0, 0
		for pos := 0; pos < end; pos += chunk {
			l.mu.RLock()
			hi := pos + chunk
			if hi > end {
				hi = end
			}
			var batch []Event
			for i := pos; i < hi; i++ {
				ev, err := l.store.At(i)
				if err != nil {
					break
				}
				if !f.matches(ev) {
					continue
				}
				batch = append(batch, ev)
			}
			l.mu.RUnlock()
			for _, ev := range batch {
				if skipped < f.Offset {
					skipped++
					continue
				}
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
				select {
				case ch <- ev:
					emitted++
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

// Clear removes all events, all per-entity counters, and all subscriber
// registrations.
func (l *Log) Clear() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Clear(); err != nil {
		return fmt.Errorf("eventlog: clear: %w", err)
	}
	l.byID = map[string]int{}
	l.byKey = map[string][]int{}
	l.lastSeq = map[string]uint64{}
	l.keyOrder = nil
	l.lastTS = time.Time{}
	l.subs.clear()
	return nil
}

// Close releases the backing store. The log must not be used afterwards.
func (l *Log) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.store.Close()
}
