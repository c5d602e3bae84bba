// Package timetravel reconstructs entity state from event history: state at
// any point, diffs between points, and immutable rollback via compensating
// events.
package timetravel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rzbill/chronicle/internal/eventlog"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// ErrNothingToRollBackTo is returned when a rollback target resolves to no
// state.
var ErrNothingToRollBackTo = errors.New("timetravel: nothing to roll back to")

// Traveler derives point-in-time views from an event log. It is pull-only
// and holds no state of its own.
type Traveler struct {
	log    *eventlog.Log
	logger logpkg.Logger
}

// New returns a Traveler over the given log.
func New(log *eventlog.Log) *Traveler {
	return &Traveler{log: log, logger: logpkg.NewTestLogger()}
}

// NewWithLogger returns a Traveler with an injected logger.
func NewWithLogger(log *eventlog.Log, logger logpkg.Logger) *Traveler {
	if logger == nil {
		return New(log)
	}
	return &Traveler{log: log, logger: logger}
}

// Window is an inclusive timestamp range.
type Window struct {
	From time.Time
	To   time.Time
}

// Query selects the events folded by AsOf: a sequence ceiling (Version), a
// timestamp ceiling (AsOf), an inclusive window (Between), or nothing for
// latest. Version wins when several are set.
type Query struct {
	Version uint64
	AsOf    *time.Time
	Between *Window
}

func (q Query) selectEvents(history []eventlog.Event) []eventlog.Event {
	switch {
	case q.Version > 0:
		out := history[:0:0]
		for _, ev := range history {
			if ev.Sequence <= q.Version {
				out = append(out, ev)
			}
		}
		return out
	case q.AsOf != nil:
		out := history[:0:0]
		for _, ev := range history {
			if !ev.Timestamp.After(*q.AsOf) {
				out = append(out, ev)
			}
		}
		return out
	case q.Between != nil:
		out := history[:0:0]
		for _, ev := range history {
			if ev.Timestamp.Before(q.Between.From) || ev.Timestamp.After(q.Between.To) {
				continue
			}
			out = append(out, ev)
		}
		return out
	}
	return history
}

// AsOf reconstructs the entity's state at the queried point. Returns nil
// when no history (or no selected events) exists.
func (t *Traveler) AsOf(entityType, entityID string, q Query) eventlog.State {
	history := t.log.EntityHistory(entityType, entityID)
	if len(history) == 0 {
		return nil
	}
	return eventlog.Fold(q.selectEvents(history))
}

// FieldChange reports one field differing between two states.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// Diff compares the entity's state at two points.
type Diff struct {
	From eventlog.State `json:"from"`
	To   eventlog.State `json:"to"`
	// Events are the literal events between the two resolved sequence
	// ceilings, i.e. the ones whose folding turns From into To.
	Events  []eventlog.Event `json:"events"`
	Changes []FieldChange    `json:"changes"`
}

// Diff computes the change set between two points in the entity's history.
// Unchanged fields are omitted.
func (t *Traveler) Diff(entityType, entityID string, from, to Query) Diff {
	d := Diff{
		From: t.AsOf(entityType, entityID, from),
		To:   t.AsOf(entityType, entityID, to),
	}
	fromV, toV := d.From.Version(), d.To.Version()
	for _, ev := range t.log.EntityHistory(entityType, entityID) {
		if ev.Sequence > fromV && ev.Sequence <= toV {
			d.Events = append(d.Events, ev)
		}
	}

	names := map[string]struct{}{}
	for _, f := range d.From.Fields() {
		names[f] = struct{}{}
	}
	for _, f := range d.To.Fields() {
		names[f] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for f := range names {
		ordered = append(ordered, f)
	}
	sort.Strings(ordered)
	for _, f := range ordered {
		fromVal, toVal := d.From[f], d.To[f]
		if !reflect.DeepEqual(fromVal, toVal) {
			d.Changes = append(d.Changes, FieldChange{Field: f, From: fromVal, To: toVal})
		}
	}
	return d
}

// Rollback appends a compensating event restoring the state resolved by
// the query. Purely additive: the event count only grows and no existing
// event changes.
func (t *Traveler) Rollback(ctx context.Context, entityType, entityID string, to Query) (eventlog.Event, eventlog.State, error) {
	st := t.AsOf(entityType, entityID, to)
	if st == nil {
		return eventlog.Event{}, nil, ErrNothingToRollBackTo
	}
	after := map[string]any{}
	for _, f := range st.Fields() {
		after[f] = st[f]
	}
	ev, err := t.log.Append(ctx, eventlog.AppendInput{
		EntityType:  entityType,
		EntityID:    entityID,
		Verb:        "rollback",
		Conjugation: eventlog.Conjugation{Action: "rollback", Activity: "rollingBack", Event: "rolledBack"},
		After:       after,
		Data:        map[string]any{"rolledBackToVersion": st.Version()},
	})
	if err != nil {
		return eventlog.Event{}, nil, fmt.Errorf("timetravel: rollback append: %w", err)
	}
	t.logger.Debug("timetravel.rollback",
		logpkg.Str("entity", eventlog.EntityKey(entityType, entityID)),
		logpkg.Int64("to_version", int64(st.Version())),
		logpkg.Int64("seq", int64(ev.Sequence)))
	return ev, st, nil
}

// TimelineEntry pairs a historical event with the state folded as of that
// event.
type TimelineEntry struct {
	Event     eventlog.Event `json:"event"`
	State     eventlog.State `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// Timeline returns one entry per historical event, folding incrementally.
func (t *Traveler) Timeline(entityType, entityID string) []TimelineEntry {
	history := t.log.EntityHistory(entityType, entityID)
	if len(history) == 0 {
		return nil
	}
	out := make([]TimelineEntry, 0, len(history))
	for i := range history {
		out = append(out, TimelineEntry{
			Event:     history[i],
			State:     eventlog.Fold(history[:i+1]),
			Timestamp: history[i].Timestamp,
		})
	}
	return out
}

// Projection folds the latest state and returns only the requested fields.
// Absent fields are omitted; an unknown entity yields an empty result.
func (t *Traveler) Projection(entityType, entityID string, fields []string) map[string]any {
	out := map[string]any{}
	st := t.AsOf(entityType, entityID, Query{})
	if st == nil {
		return out
	}
	for _, f := range fields {
		if v, ok := st[f]; ok {
			out[f] = v
		}
	}
	return out
}

// SnapshotAll returns the latest folded state for every known entity key.
func (t *Traveler) SnapshotAll() map[string]eventlog.State {
	return t.log.Snapshot()
}

// CausedBy finds the first event (sequence order) whose after set field to
// a value equal to value. The second return is false when there is no such
// event or no history.
func (t *Traveler) CausedBy(entityType, entityID, field string, value any) (eventlog.Event, bool) {
	for _, ev := range t.log.EntityHistory(entityType, entityID) {
		if ev.After == nil {
			continue
		}
		if v, ok := ev.After[field]; ok && reflect.DeepEqual(v, value) {
			return ev, true
		}
	}
	return eventlog.Event{}, false
}
