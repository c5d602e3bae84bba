package cdc

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/rzbill/chronicle/internal/eventlog"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

func readFrame(t *testing.T, s *SSEStream) []byte {
	t.Helper()
	select {
	case frame, ok := <-s.Lines():
		if !ok {
			t.Fatalf("stream closed while waiting for frame")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func TestSSEReplayFraming(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	ev := appendEv(t, log, "Contact", "c1", "create", map[string]any{"name": "Alice"})

	// buffered events replay without any opt-in
	s, err := NewSSEStream(log, SSEOptions{})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	frame := readFrame(t, s)
	want := fmt.Sprintf("id: %s\nevent: Contact.created\ndata: ", ev.ID)
	if !bytes.HasPrefix(frame, []byte(want)) {
		t.Fatalf("frame prefix:\n%s", frame)
	}
	if !bytes.HasSuffix(frame, []byte("\n\n")) {
		t.Fatalf("frame missing blank terminator:\n%q", frame)
	}
	if !bytes.Contains(frame, []byte(`"name":"Alice"`)) {
		t.Fatalf("frame missing payload:\n%s", frame)
	}
}

func TestSSEReplayPrecedesLive(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	replayed := appendEv(t, log, "Contact", "c1", "create", nil)

	s, err := NewSSEStream(log, SSEOptions{})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	live := appendEv(t, log, "Contact", "c1", "update", nil)

	frame := readFrame(t, s)
	if !bytes.Contains(frame, []byte("id: "+replayed.ID)) {
		t.Fatalf("replayed event must come first:\n%s", frame)
	}
	frame = readFrame(t, s)
	if !bytes.Contains(frame, []byte("id: "+live.ID)) {
		t.Fatalf("live event must follow replay:\n%s", frame)
	}
}

func TestSSELiveForwarding(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	s, err := NewSSEStream(log, SSEOptions{})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	ev := appendEv(t, log, "Order", "o1", "create", nil)
	frame := readFrame(t, s)
	if !bytes.Contains(frame, []byte("id: "+ev.ID)) {
		t.Fatalf("frame for wrong event:\n%s", frame)
	}
}

func TestSSEAllowListFilters(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	s, err := NewSSEStream(log, SSEOptions{Types: []string{"Order"}, Verbs: []string{"create"}})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	appendEv(t, log, "Contact", "c1", "create", nil)
	appendEv(t, log, "Order", "o1", "update", nil)
	want := appendEv(t, log, "Order", "o2", "create", nil)

	frame := readFrame(t, s)
	if !bytes.Contains(frame, []byte("id: "+want.ID)) {
		t.Fatalf("filter let the wrong event through:\n%s", frame)
	}
}

func TestSSECELFilter(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	s, err := NewSSEStream(log, SSEOptions{Filter: `after.stage == "Qualified"`})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	appendEv(t, log, "Contact", "c1", "create", map[string]any{"stage": "Lead"})
	want := appendEv(t, log, "Contact", "c1", "update", map[string]any{"stage": "Qualified"})

	frame := readFrame(t, s)
	if !bytes.Contains(frame, []byte("id: "+want.ID)) {
		t.Fatalf("cel filter let the wrong event through:\n%s", frame)
	}
}

func TestSSEBadFilterRejected(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	if _, err := NewSSEStream(log, SSEOptions{Filter: "verb =="}); err == nil {
		t.Fatalf("expected error for malformed filter")
	}
}

func TestSSEKeepAlive(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	s, err := NewSSEStream(log, SSEOptions{KeepAlive: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	frame := readFrame(t, s)
	if !bytes.Equal(frame, []byte(": keep-alive\n\n")) {
		t.Fatalf("expected keep-alive comment, got:\n%q", frame)
	}
}

func TestSSECloseIdempotent(t *testing.T) {
	log := eventlog.New(eventlog.WithLogger(logpkg.NewTestLogger()))
	s, err := NewSSEStream(log, SSEOptions{})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	s.Close()
	s.Close()

	select {
	case _, ok := <-s.Lines():
		if ok {
			t.Fatalf("unexpected frame after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lines channel not closed")
	}

	// appends after close must not reach the stream or panic
	appendEv(t, log, "Contact", "c1", "create", nil)
}

func TestCELFilterDisabledAndErrors(t *testing.T) {
	f, err := newCELFilter("   ")
	if err != nil {
		t.Fatalf("empty filter: %v", err)
	}
	if !f.Eval(eventlog.Event{}) {
		t.Fatalf("disabled filter must pass everything")
	}

	f, err = newCELFilter(`verb == "create" && sequence >= 2`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.Eval(eventlog.Event{Verb: "create", Sequence: 1}) {
		t.Fatalf("sequence guard ignored")
	}
	if !f.Eval(eventlog.Event{Verb: "create", Sequence: 2}) {
		t.Fatalf("matching event rejected")
	}

	// the derived event type binds as event_type; every declared variable
	// must survive env construction
	f, err = newCELFilter(`event_type == "Contact.created" && entity_id == "c1" && actor == ""`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !f.Eval(eventlog.Event{Type: "Contact.created", EntityID: "c1"}) {
		t.Fatalf("event_type binding broken")
	}

	// evaluation errors count as non-matches
	f, err = newCELFilter(`data.missing == 1`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if f.Eval(eventlog.Event{}) {
		t.Fatalf("errored evaluation must not match")
	}
}
