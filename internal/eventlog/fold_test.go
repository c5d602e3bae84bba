package eventlog

import (
	"context"
	"testing"
)

func TestFoldShallowMerge(t *testing.T) {
	l := newLogForTest(t)
	appendSimple(t, l, "Contact", "c1", "create", map[string]any{"name": "Alice", "stage": "Lead"})
	appendSimple(t, l, "Contact", "c1", "update", map[string]any{"stage": "Qualified"})

	st := Fold(l.EntityHistory("Contact", "c1"))
	if st["name"] != "Alice" || st["stage"] != "Qualified" {
		t.Fatalf("folded state: %v", st)
	}
	if st.Version() != 2 {
		t.Fatalf("version: %d", st.Version())
	}
	if st[MetaID] != "c1" || st[MetaType] != "Contact" {
		t.Fatalf("meta: %v", st)
	}
}

func TestFoldZeroEventsYieldsNil(t *testing.T) {
	if st := Fold(nil); st != nil {
		t.Fatalf("expected nil, got %v", st)
	}
}

func TestFoldDeletedKeepsFieldsAndMarker(t *testing.T) {
	l := newLogForTest(t)
	appendSimple(t, l, "Contact", "c1", "create", map[string]any{"name": "Alice"})
	_, err := l.Append(context.Background(), AppendInput{
		EntityType:  "Contact",
		EntityID:    "c1",
		Verb:        "delete",
		Conjugation: Conjugation{Action: "delete", Event: "deleted"},
		After:       map[string]any{"name": "ignored"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	st := Fold(l.EntityHistory("Contact", "c1"))
	if !st.Deleted() {
		t.Fatal("deleted marker not set")
	}
	if st["name"] != "Alice" {
		t.Fatalf("deleted event folded after: %v", st)
	}
	if st.Version() != 2 {
		t.Fatalf("version not advanced: %d", st.Version())
	}

	// A later after keeps folding without clearing the marker.
	appendSimple(t, l, "Contact", "c1", "update", map[string]any{"name": "Bob"})
	st = Fold(l.EntityHistory("Contact", "c1"))
	if st["name"] != "Bob" || !st.Deleted() {
		t.Fatalf("post-delete fold: %v", st)
	}
}

func TestFoldFirstEventWithoutAfter(t *testing.T) {
	l := newLogForTest(t)
	appendSimple(t, l, "Contact", "c1", "touch", nil)
	st := Fold(l.EntityHistory("Contact", "c1"))
	if st == nil {
		t.Fatal("expected minimal state")
	}
	if len(st.Fields()) != 0 {
		t.Fatalf("unexpected fields: %v", st.Fields())
	}
	if st.Version() != 1 || st[MetaID] != "c1" || st[MetaType] != "Contact" {
		t.Fatalf("minimal state: %v", st)
	}
}

func TestSnapshotAllKeys(t *testing.T) {
	l := newLogForTest(t)
	appendSimple(t, l, "Contact", "c1", "create", map[string]any{"name": "Alice"})
	appendSimple(t, l, "Deal", "d1", "create", map[string]any{"amount": 100})

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot keys: %d", len(snap))
	}
	if snap["Contact:c1"]["name"] != "Alice" {
		t.Fatalf("contact snapshot: %v", snap["Contact:c1"])
	}
	if snap["Deal:d1"]["amount"] != 100 {
		t.Fatalf("deal snapshot: %v", snap["Deal:d1"])
	}
}

func TestCompactMergesAftersLogUnchanged(t *testing.T) {
	l := newLogForTest(t)
	appendSimple(t, l, "Contact", "c1", "update", map[string]any{"a": 1})
	appendSimple(t, l, "Contact", "c1", "update", map[string]any{"b": 2})
	appendSimple(t, l, "Contact", "c1", "update", map[string]any{"a": 3})
	sizeBefore := l.Size()

	res, err := l.Compact("Contact", "c1")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.OriginalCount != 3 {
		t.Fatalf("original count: %d", res.OriginalCount)
	}
	if res.Event.Verb != "snapshot" || res.Event.Type != "Contact.snapshot" {
		t.Fatalf("derived event: %s %s", res.Event.Verb, res.Event.Type)
	}
	if res.Event.After["a"] != 3 || res.Event.After["b"] != 2 {
		t.Fatalf("merged after: %v", res.Event.After)
	}
	if res.Event.Sequence != 3 {
		t.Fatalf("derived sequence: %d", res.Event.Sequence)
	}
	if l.Size() != sizeBefore {
		t.Fatalf("compact mutated the log: %d != %d", l.Size(), sizeBefore)
	}
}

func TestCompactUnknownEntity(t *testing.T) {
	l := newLogForTest(t)
	if _, err := l.Compact("Contact", "missing"); err == nil {
		t.Fatal("expected error for unknown entity")
	}
}
