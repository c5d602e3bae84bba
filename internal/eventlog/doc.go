// Package eventlog implements chronicle's append-only event log.
//
// # Overview
//
// The log is the system of record: an ordered, immutable sequence of domain
// events. Every other view (current state, historical state, CDC batches,
// push streams) is derived from it. Events are sequenced per entity key
// (entityType:entityId) starting at 1 with no gaps, and carry timestamps
// that never decrease across appends.
//
// API surface (internal)
//
//	l := eventlog.New()
//	ev, _ := l.Append(ctx, eventlog.AppendInput{
//		EntityType: "Contact", EntityID: "c1", Verb: "create",
//		Conjugation: eventlog.Conjugation{Event: "created"},
//		After:       map[string]any{"name": "Alice"},
//	})
//
//	// Pattern fan-out: handlers run synchronously after the store write.
//	tok := l.Subscribe("Contact.*", func(ctx context.Context, ev eventlog.Event) error { ... })
//	defer l.Unsubscribe(tok)
//
//	// Cursor-based CDC paging
//	res := l.CDC(eventlog.CDCOptions{BatchSize: 100})
//	_ = res.Cursor // resume position for the next poll
//
// Durability is a store concern: the in-memory store is the reference, and
// the Pebble-backed store satisfies the same contract for on-disk logs.
package eventlog
