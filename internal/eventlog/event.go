package eventlog

import (
	"errors"
	"time"
)

// Conjugation holds the three word-forms of a verb. The event form names
// the committed fact ("created") and is used for typing and fan-out
// matching; the action and activity forms ("create", "creating") travel
// with the event for naming conventions downstream.
type Conjugation struct {
	Action   string `json:"action,omitempty"`
	Activity string `json:"activity,omitempty"`
	Event    string `json:"event,omitempty"`
}

// Event is the sole persisted unit. Events are immutable once appended.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Verb        string         `json:"verb"`
	Conjugation Conjugation    `json:"conjugation"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    uint64         `json:"sequence"`
}

// EntityKey returns the event's entity key.
func (e Event) EntityKey() string { return EntityKey(e.EntityType, e.EntityID) }

// EntityKey builds the canonical "entityType:entityId" key.
func EntityKey(entityType, entityID string) string { return entityType + ":" + entityID }

// AppendInput is the caller-supplied portion of an event. ID, Type,
// Timestamp, and Sequence are assigned at append.
type AppendInput struct {
	EntityType  string
	EntityID    string
	Verb        string
	Conjugation Conjugation
	Before      map[string]any
	After       map[string]any
	Data        map[string]any
	Actor       string
	Context     map[string]any
}

// Filter selects events for Query, Count, and Stream. Timestamp bounds are
// inclusive. Limit/Offset apply as a simple range over the filtered set.
type Filter struct {
	EntityType string
	EntityID   string
	Verb       string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (f Filter) matches(ev Event) bool {
	if f.EntityType != "" && ev.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && ev.EntityID != f.EntityID {
		return false
	}
	if f.Verb != "" && ev.Verb != f.Verb {
		return false
	}
	if f.Since != nil && ev.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && ev.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

var (
	// ErrNotFound is returned for point lookups of unknown event ids.
	ErrNotFound = errors.New("eventlog: event not found")
	// ErrEmptyEntityType rejects appends without an entity type. The log is
	// unchanged when it is returned.
	ErrEmptyEntityType = errors.New("eventlog: entityType is required")
)

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
