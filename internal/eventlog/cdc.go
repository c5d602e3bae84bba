package eventlog

import "time"

// CDCOptions selects a change-data-capture batch.
type CDCOptions struct {
	// After is an event id: the exclusive resume point. Unknown ids start
	// from the beginning.
	After string
	// Since is an inclusive timestamp lower bound. When both After and
	// Since are set, the later of the two starting points wins.
	Since *time.Time
	// Types is an entity-type allow-list; empty allows all.
	Types []string
	// Verbs is a verb allow-list; empty allows all.
	Verbs []string
	// Match is an extra predicate applied to candidates alongside the
	// allow-lists, before batching. Nil matches everything.
	Match func(Event) bool
	// BatchSize caps the batch. Zero means all remaining.
	BatchSize int
}

// CDCResult is one page of changes.
type CDCResult struct {
	Events []Event
	// Cursor is the id of the last returned event, or the unchanged input
	// After when the batch is empty.
	Cursor string
	// HasMore reports whether filtered candidates exceeded BatchSize.
	HasMore bool
}

// CDC returns the next batch of events after the cursor, applying the
// allow-list filters to the remaining candidates.
func (l *Log) CDC(opts CDCOptions) CDCResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if opts.After != "" {
		if pos, ok := l.byID[opts.After]; ok {
			start = pos + 1
		}
	}
	if opts.Since != nil {
		since := *opts.Since
		sinceStart := l.store.Len()
		_ = l.store.ForEach(func(i int, ev Event) bool {
			if i < start {
				return true
			}
			if !ev.Timestamp.Before(since) {
				sinceStart = i
				return false
			}
			return true
		})
		if sinceStart > start {
			start = sinceStart
		}
	}

	typeAllow := allowSet(opts.Types)
	verbAllow := allowSet(opts.Verbs)

	res := CDCResult{Cursor: opts.After}
	_ = l.store.ForEach(func(i int, ev Event) bool {
		if i < start {
			return true
		}
		if typeAllow != nil && !typeAllow[ev.EntityType] {
			return true
		}
		if verbAllow != nil && !verbAllow[ev.Verb] {
			return true
		}
		if opts.Match != nil && !opts.Match(ev) {
			return true
		}
		if opts.BatchSize > 0 && len(res.Events) >= opts.BatchSize {
			res.HasMore = true
			return false
		}
		res.Events = append(res.Events, ev)
		return true
	})
	if n := len(res.Events); n > 0 {
		res.Cursor = res.Events[n-1].ID
	}
	return res
}

func allowSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
