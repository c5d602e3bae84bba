package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/chronicle/internal/eventlog"
)

const defaultKeepAlive = 30 * time.Second

// SSEOptions selects which events a push stream carries.
type SSEOptions struct {
	// Types is an entity-type allow-list; empty allows all.
	Types []string
	// Verbs is a verb allow-list; empty allows all.
	Verbs []string
	// Filter is an optional CEL expression evaluated per event.
	Filter string
	// KeepAlive is the comment heartbeat interval. Zero means 30s.
	KeepAlive time.Duration
}

// SSEStream formats matching events as server-sent-event frames. On start
// it emits every event already in the log that matches, then live ones.
// Frames are read from Lines; Close tears the stream down and closes the
// channel.
type SSEStream struct {
	log        *eventlog.Log
	token      int
	filter     celFilter
	allowTypes map[string]bool
	allowVerbs map[string]bool

	mu sync.Mutex
	// replaying gates live events into backlog until the snapshot frames
	// are queued, so replay output always precedes them.
	replaying bool
	backlog   []eventlog.Event
	queue     [][]byte

	wake  chan struct{}
	lines chan []byte
	done  chan struct{}
	once  sync.Once

	ticker *time.Ticker
}

// NewSSEStream attaches a push stream to the log.
func NewSSEStream(log *eventlog.Log, opts SSEOptions) (*SSEStream, error) {
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("cdc: sse filter: %w", err)
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	s := &SSEStream{
		log:        log,
		filter:     filter,
		allowTypes: toSet(opts.Types),
		allowVerbs: toSet(opts.Verbs),
		replaying:  true,
		wake:       make(chan struct{}, 1),
		lines:      make(chan []byte, 16),
		done:       make(chan struct{}),
		ticker:     time.NewTicker(keepAlive),
	}

	snapshot, token := log.SubscribeWithSnapshot("*", s.onEvent)
	s.token = token

	s.mu.Lock()
	for _, ev := range snapshot {
		if s.matches(ev) {
			s.queue = append(s.queue, formatSSE(ev))
		}
	}
	// Events appended between registration and here are strictly newer
	// than the snapshot; flush them after it, in arrival order.
	for _, ev := range s.backlog {
		if s.matches(ev) {
			s.queue = append(s.queue, formatSSE(ev))
		}
	}
	s.backlog = nil
	s.replaying = false
	s.mu.Unlock()
	s.signal()

	go s.pump()
	go s.heartbeat()
	return s, nil
}

func (s *SSEStream) onEvent(_ context.Context, ev eventlog.Event) error {
	s.mu.Lock()
	if s.replaying {
		s.backlog = append(s.backlog, ev)
		s.mu.Unlock()
		return nil
	}
	if s.matches(ev) {
		s.queue = append(s.queue, formatSSE(ev))
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

// Lines returns the frame channel. It is closed after Close.
func (s *SSEStream) Lines() <-chan []byte { return s.lines }

// Close detaches from the log and stops the heartbeat. Safe to call more
// than once.
func (s *SSEStream) Close() {
	s.once.Do(func() {
		s.log.Unsubscribe(s.token)
		s.ticker.Stop()
		close(s.done)
	})
}

func (s *SSEStream) matches(ev eventlog.Event) bool {
	if s.allowTypes != nil && !s.allowTypes[ev.EntityType] {
		return false
	}
	if s.allowVerbs != nil && !s.allowVerbs[ev.Verb] {
		return false
	}
	return s.filter.Eval(ev)
}

func (s *SSEStream) enqueue(frame []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	s.mu.Unlock()
	s.signal()
}

func (s *SSEStream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SSEStream) pump() {
	defer close(s.lines)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, frame := range pending {
			select {
			case s.lines <- frame:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *SSEStream) heartbeat() {
	for {
		select {
		case <-s.ticker.C:
			s.enqueue([]byte(": keep-alive\n\n"))
		case <-s.done:
			return
		}
	}
}

// formatSSE frames one event: id and event fields, the JSON payload, and a
// blank terminator line.
func formatSSE(ev eventlog.Event) []byte {
	payload, _ := json.Marshal(ev)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, payload))
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
