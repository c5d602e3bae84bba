// Package subscription implements the named-subscription registry layered
// over the event log's raw pattern primitive: registration by delivery
// mode, activation toggling, and dispatch with accounted partial failure.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/chronicle/internal/eventlog"
	"github.com/rzbill/chronicle/internal/idgen"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// Mode classifies how a subscription is delivered.
type Mode string

const (
	// ModeCode invokes an in-process handler.
	ModeCode Mode = "code"
	// ModeWebSocket marks a push subscription delivered over a websocket by
	// an external transport.
	ModeWebSocket Mode = "websocket"
	// ModeWebhook marks a push subscription delivered to an HTTP endpoint
	// by an external transport.
	ModeWebhook Mode = "webhook"
)

// Handler is the code-mode delivery target.
type Handler func(ctx context.Context, ev eventlog.Event) error

// Subscription is a named registration against an event-type pattern.
type Subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Mode      Mode      `json:"mode"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`

	handler Handler
}

// Filter narrows List. Pattern compares for stored-pattern equality, not a
// match against an event type.
type Filter struct {
	Mode    Mode
	Active  *bool
	Pattern string
}

// DispatchResult accounts one dispatch round.
type DispatchResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Manager stores subscriptions and dispatches events to them. Optionally
// attach it to a log so every future append auto-dispatches.
type Manager struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	order  []string // subscription ids in registration order
	logger logpkg.Logger

	attached    *eventlog.Log
	attachToken int
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l logpkg.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the CreatedAt source; used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{subs: map[string]*Subscription{}, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logpkg.NewLogger().With(logpkg.Component("subscription"))
	}
	return m
}

// RegisterCode stores an in-process subscription and returns its id.
func (m *Manager) RegisterCode(pattern string, h Handler) (string, error) {
	return m.register(&Subscription{Pattern: pattern, Mode: ModeCode, handler: h})
}

// RegisterWebSocket stores a websocket push subscription.
func (m *Manager) RegisterWebSocket(pattern, endpoint string) (string, error) {
	return m.register(&Subscription{Pattern: pattern, Mode: ModeWebSocket, Endpoint: endpoint})
}

// RegisterWebhook stores a webhook push subscription with an optional
// signing secret.
func (m *Manager) RegisterWebhook(pattern, endpoint, secret string) (string, error) {
	return m.register(&Subscription{Pattern: pattern, Mode: ModeWebhook, Endpoint: endpoint, Secret: secret})
}

func (m *Manager) register(sub *Subscription) (string, error) {
	id, err := idgen.Subscription()
	if err != nil {
		return "", fmt.Errorf("subscription: %w", err)
	}
	sub.ID = id
	sub.Active = true
	sub.CreatedAt = m.now()

	m.mu.Lock()
	m.subs[id] = sub
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Debug("subscription.registered",
		logpkg.Str("id", id),
		logpkg.Str("pattern", sub.Pattern),
		logpkg.Str("mode", string(sub.Mode)))
	return id, nil
}

// Get returns a copy of the subscription, if present.
func (m *Manager) Get(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// List returns subscriptions matching the filter, in registration order.
func (m *Manager) List(f Filter) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, id := range m.order {
		sub, ok := m.subs[id]
		if !ok {
			continue
		}
		if f.Mode != "" && sub.Mode != f.Mode {
			continue
		}
		if f.Active != nil && sub.Active != *f.Active {
			continue
		}
		if f.Pattern != "" && sub.Pattern != f.Pattern {
			continue
		}
		out = append(out, *sub)
	}
	return out
}

// Activate marks the subscription active. Unknown ids return false.
func (m *Manager) Activate(id string) bool { return m.setActive(id, true) }

// Deactivate marks the subscription inactive. Unknown ids return false.
func (m *Manager) Deactivate(id string) bool { return m.setActive(id, false) }

func (m *Manager) setActive(id string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	sub.Active = active
	return true
}

// Unsubscribe permanently removes the subscription. Unknown ids return
// false.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	m.maybeCompact()
	return true
}

// maybeCompact drops stale order entries once they dominate the slice, so
// churny register/unsubscribe cycles do not grow it without bound.
func (m *Manager) maybeCompact() {
	if len(m.order) < 16 || len(m.order) < 2*len(m.subs) {
		return
	}
	live := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.subs[id]; ok {
			live = append(live, id)
		}
	}
	m.order = live
}

// Clear removes all subscriptions.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = map[string]*Subscription{}
	m.order = nil
}

// Dispatch delivers the event to every active subscription whose pattern
// matches its type. Code handlers run synchronously with isolated failure;
// push modes resolve as immediate successes here, since actual transport
// belongs to an external collaborator. One subscription's failure never
// blocks dispatch to the rest.
func (m *Manager) Dispatch(ctx context.Context, ev eventlog.Event) DispatchResult {
	m.mu.Lock()
	var targets []*Subscription
	for _, id := range m.order {
		sub, ok := m.subs[id]
		if !ok || !sub.Active {
			continue
		}
		if eventlog.MatchPattern(sub.Pattern, ev.Type) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	var res DispatchResult
	for _, sub := range targets {
		if sub.Mode != ModeCode {
			res.Delivered++
			continue
		}
		if err := invoke(ctx, sub.handler, ev); err != nil {
			res.Failed++
			m.logger.Debug("subscription.dispatch_failed",
				logpkg.Str("id", sub.ID),
				logpkg.Str("type", ev.Type),
				logpkg.Err(err))
			continue
		}
		res.Delivered++
	}
	return res
}

func invoke(ctx context.Context, h Handler, ev eventlog.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if h == nil {
		return nil
	}
	return h(ctx, ev)
}

// Attach wires Dispatch as a "*" subscriber on the log so every future
// append auto-dispatches. Attaching replaces any prior attachment.
func (m *Manager) Attach(log *eventlog.Log) {
	m.Detach()
	tok := log.Subscribe("*", func(ctx context.Context, ev eventlog.Event) error {
		m.Dispatch(ctx, ev)
		return nil
	})
	m.mu.Lock()
	m.attached = log
	m.attachToken = tok
	m.mu.Unlock()
}

// Detach removes the log wiring; registered subscriptions are untouched.
func (m *Manager) Detach() {
	m.mu.Lock()
	log, tok := m.attached, m.attachToken
	m.attached = nil
	m.attachToken = 0
	m.mu.Unlock()
	if log != nil {
		log.Unsubscribe(tok)
	}
}
