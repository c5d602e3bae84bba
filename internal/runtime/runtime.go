// Package runtime wires storage, the event log, and its facades into a
// single-node instance.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/chronicle/internal/cdc"
	cfgpkg "github.com/rzbill/chronicle/internal/config"
	"github.com/rzbill/chronicle/internal/eventlog"
	"github.com/rzbill/chronicle/internal/relay"
	pebblestore "github.com/rzbill/chronicle/internal/storage/pebble"
	"github.com/rzbill/chronicle/internal/subscription"
	"github.com/rzbill/chronicle/internal/timetravel"
	logpkg "github.com/rzbill/chronicle/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	// DataDir holds the Pebble database. Empty means in-memory only.
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
	Logger  logpkg.Logger
	// Publisher relays appended events to a broker. Nil means no relay.
	Publisher relay.Publisher
}

// Runtime owns the log and the facades layered over it.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger logpkg.Logger

	log      *eventlog.Log
	traveler *timetravel.Traveler
	subs     *subscription.Manager
	stream   *cdc.Stream
	relay    *relay.Relay
}

// Open initializes storage and wires the facades.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	rt := &Runtime{config: opts.Config, logger: logger}

	var store eventlog.Store
	if opts.DataDir == "" {
		store = eventlog.NewMemStore()
	} else {
		db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
		if err != nil {
			return nil, fmt.Errorf("runtime: open storage: %w", err)
		}
		rt.db = db
		store, err = eventlog.OpenPebbleStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runtime: open log store: %w", err)
		}
	}

	log, err := eventlog.Open(store, eventlog.WithLogger(logger.With(logpkg.Component("eventlog"))))
	if err != nil {
		if rt.db != nil {
			_ = rt.db.Close()
		}
		return nil, fmt.Errorf("runtime: open log: %w", err)
	}
	rt.log = log
	rt.traveler = timetravel.NewWithLogger(log, logger.With(logpkg.Component("timetravel")))

	rt.subs = subscription.NewManager(subscription.WithLogger(logger.With(logpkg.Component("subscription"))))
	rt.subs.Attach(log)

	cursors := cdc.NewMemCursorStore()
	if rt.db != nil {
		cursors = cdc.NewPebbleCursorStore(rt.db)
	}
	rt.stream = cdc.NewStream(log,
		cdc.WithCursorStore(cursors),
		cdc.WithLogger(logger.With(logpkg.Component("cdc"))))

	if opts.Publisher != nil {
		rt.relay = relay.Attach(log, opts.Publisher,
			relay.WithLogger(logger.With(logpkg.Component("relay"))))
	}
	return rt, nil
}

// Close tears down the facades and underlying storage.
func (r *Runtime) Close() error {
	if r.relay != nil {
		if err := r.relay.Close(); err != nil {
			r.logger.Warn("runtime.relay_close_failed", logpkg.Err(err))
		}
	}
	r.subs.Detach()
	if err := r.log.Close(); err != nil {
		return err
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.log == nil {
		return errors.New("log not open")
	}
	if r.db != nil {
		it, err := r.db.NewIter(nil)
		if err != nil {
			return err
		}
		it.Close()
	}
	return nil
}

// Log returns the event log.
func (r *Runtime) Log() *eventlog.Log { return r.log }

// Traveler returns the historical-state facade.
func (r *Runtime) Traveler() *timetravel.Traveler { return r.traveler }

// Subscriptions returns the subscription registry.
func (r *Runtime) Subscriptions() *subscription.Manager { return r.subs }

// CDC returns the change feed.
func (r *Runtime) CDC() *cdc.Stream { return r.stream }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
