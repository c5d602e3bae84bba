package relay

import (
	"context"
	"strings"

	"github.com/rzbill/chronicle/internal/eventlog"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// SubjectPrefix roots every published subject. Event type segments are
// appended, e.g. "chronicle.events.Contact.created".
const SubjectPrefix = "chronicle.events"

// Relay subscribes to the log and forwards each appended event to a
// Publisher. Publish failures are logged and never fail the append.
type Relay struct {
	log    *eventlog.Log
	pub    Publisher
	token  int
	logger logpkg.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the structured logger.
func WithLogger(l logpkg.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// Attach wires a relay onto the log.
func Attach(log *eventlog.Log, pub Publisher, opts ...Option) *Relay {
	r := &Relay{log: log, pub: pub}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logpkg.NewLogger().With(logpkg.Component("relay"))
	}
	r.token = log.Subscribe("*", r.forward)
	return r
}

func (r *Relay) forward(ctx context.Context, ev eventlog.Event) error {
	if err := r.pub.Publish(ctx, Subject(ev.Type), ev); err != nil {
		r.logger.Warn("relay.publish_failed",
			logpkg.Str("subject", Subject(ev.Type)),
			logpkg.Str("event_id", ev.ID),
			logpkg.Err(err))
	}
	return nil
}

// Close detaches from the log and closes the publisher.
func (r *Relay) Close() error {
	r.log.Unsubscribe(r.token)
	return r.pub.Close()
}

// Subject maps an event type to its broker subject. NATS treats spaces as
// token separators, so they are replaced.
func Subject(eventType string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(eventType, " ", "_")
}
