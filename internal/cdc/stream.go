// Package cdc layers change-data-capture over the event log: polling with
// durable per-consumer checkpoints, acknowledgement tracking, lag
// accounting, and a server-sent-events push stream.
package cdc

import (
	"fmt"
	"sync"

	"github.com/rzbill/chronicle/internal/eventlog"
	"github.com/rzbill/chronicle/internal/idgen"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// Stream exposes the log as a pollable change feed.
type Stream struct {
	log     *eventlog.Log
	cursors CursorStore
	logger  logpkg.Logger
}

// Option configures a Stream.
type Option func(*Stream)

// WithCursorStore sets the checkpoint backend. Defaults to in-memory.
func WithCursorStore(cs CursorStore) Option {
	return func(s *Stream) { s.cursors = cs }
}

// WithLogger sets the structured logger.
func WithLogger(l logpkg.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// NewStream wraps the log in a change feed.
func NewStream(log *eventlog.Log, opts ...Option) *Stream {
	s := &Stream{log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.cursors == nil {
		s.cursors = NewMemCursorStore()
	}
	if s.logger == nil {
		s.logger = logpkg.NewLogger().With(logpkg.Component("cdc"))
	}
	return s
}

// PollOptions extends the log's CDC options with an optional CEL filter.
type PollOptions struct {
	eventlog.CDCOptions
	// Filter is a CEL expression applied to candidates before batching,
	// alongside the type/verb allow-lists. Empty means no filtering.
	Filter string
}

// Poll returns the next batch of changes after the cursor.
func (s *Stream) Poll(opts PollOptions) (eventlog.CDCResult, error) {
	f, err := newCELFilter(opts.Filter)
	if err != nil {
		return eventlog.CDCResult{}, fmt.Errorf("cdc: poll filter: %w", err)
	}
	cdcOpts := opts.CDCOptions
	if f.enabled {
		cdcOpts.Match = f.Eval
	}
	return s.log.CDC(cdcOpts), nil
}

// Checkpoint persists the cursor for a consumer.
func (s *Stream) Checkpoint(consumer, cursor string) error {
	if err := s.cursors.SetCursor(consumer, cursor); err != nil {
		return fmt.Errorf("cdc: checkpoint %s: %w", consumer, err)
	}
	s.logger.Debug("cdc.checkpoint", logpkg.Str("consumer", consumer), logpkg.Str("cursor", cursor))
	return nil
}

// GetCursor returns the persisted cursor for a consumer.
func (s *Stream) GetCursor(consumer string) (string, bool, error) {
	return s.cursors.Cursor(consumer)
}

// Acknowledge marks events processed by the consumer. Acking an already
// acked event is a no-op.
func (s *Stream) Acknowledge(consumer string, eventIDs ...string) error {
	for _, id := range eventIDs {
		if err := s.cursors.Ack(consumer, id); err != nil {
			return fmt.Errorf("cdc: ack %s: %w", consumer, err)
		}
	}
	return nil
}

// Pending returns every event the consumer has not acknowledged, in log
// order. Pending is independent of the consumer's cursor: checkpointing
// does not acknowledge.
func (s *Stream) Pending(consumer string) ([]eventlog.Event, error) {
	all := s.log.Query(eventlog.Filter{})
	out := make([]eventlog.Event, 0, len(all))
	for _, ev := range all {
		acked, err := s.cursors.IsAcked(consumer, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("cdc: pending %s: %w", consumer, err)
		}
		if !acked {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Lag counts events past the consumer's checkpoint, paging the feed rather
// than loading it whole.
func (s *Stream) Lag(consumer string) (int, error) {
	cursor, _, err := s.cursors.Cursor(consumer)
	if err != nil {
		return 0, fmt.Errorf("cdc: lag %s: %w", consumer, err)
	}
	const page = 256
	total := 0
	for {
		res := s.log.CDC(eventlog.CDCOptions{After: cursor, BatchSize: page})
		total += len(res.Events)
		if !res.HasMore {
			return total, nil
		}
		cursor = res.Cursor
	}
}

// Consumer is a named, cursor-tracking view over the stream. Poll resumes
// from its in-memory cursor; Checkpoint persists that cursor.
type Consumer struct {
	ID     string
	Name   string
	stream *Stream

	mu     sync.Mutex
	cursor string
}

// CreateConsumer returns a consumer resuming from its persisted checkpoint,
// if one exists.
func (s *Stream) CreateConsumer(name string) (*Consumer, error) {
	id, err := idgen.Consumer()
	if err != nil {
		return nil, fmt.Errorf("cdc: create consumer: %w", err)
	}
	c := &Consumer{ID: id, Name: name, stream: s}
	if cur, ok, err := s.cursors.Cursor(name); err != nil {
		return nil, fmt.Errorf("cdc: create consumer %s: %w", name, err)
	} else if ok {
		c.cursor = cur
	}
	s.logger.Debug("cdc.consumer_created", logpkg.Str("consumer", name), logpkg.Str("id", id))
	return c, nil
}

// Poll fetches the next batch from the consumer's cursor and advances it.
// The After option is supplied by the consumer and must be left unset.
func (c *Consumer) Poll(opts PollOptions) (eventlog.CDCResult, error) {
	c.mu.Lock()
	opts.After = c.cursor
	c.mu.Unlock()

	res, err := c.stream.Poll(opts)
	if err != nil {
		return res, err
	}
	if len(res.Events) > 0 {
		c.mu.Lock()
		c.cursor = res.Cursor
		c.mu.Unlock()
	}
	return res, nil
}

// Checkpoint persists the consumer's current cursor under its name.
func (c *Consumer) Checkpoint() error {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()
	return c.stream.Checkpoint(c.Name, cursor)
}

// Cursor returns the consumer's current in-memory cursor.
func (c *Consumer) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}
