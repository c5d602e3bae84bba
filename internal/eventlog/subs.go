package eventlog

// subscriberSet is the pattern-keyed registry behind Subscribe. Iteration
// follows registration order; removal by token is O(1).
type subscriberSet struct {
	next  int
	byTok map[int]*patternSub
	order []int // tokens in registration order; stale entries skipped
}

type patternSub struct {
	pattern string
	handler Handler
}

// Subscribe registers a handler for events whose type matches pattern.
// The returned token is the unsubscribe handle. Multiple handlers may share
// a pattern.
func (l *Log) Subscribe(pattern string, h Handler) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs.add(pattern, h)
}

// SubscribeWithSnapshot registers the handler and returns the log's current
// contents as one atomic step. Appends are serialized against this call, so
// every event lands in exactly one of the two: the returned snapshot or a
// later handler invocation.
func (l *Log) SubscribeWithSnapshot(pattern string, h Handler) ([]Event, int) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := make([]Event, 0, l.store.Len())
	_ = l.store.ForEach(func(_ int, ev Event) bool {
		snapshot = append(snapshot, ev)
		return true
	})
	return snapshot, l.subs.add(pattern, h)
}

// Unsubscribe removes the handler registered under token. Unknown tokens
// return false.
func (l *Log) Unsubscribe(token int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs.remove(token)
}

func (s *subscriberSet) add(pattern string, h Handler) int {
	if s.byTok == nil {
		s.byTok = map[int]*patternSub{}
	}
	s.next++
	tok := s.next
	s.byTok[tok] = &patternSub{pattern: pattern, handler: h}
	s.order = append(s.order, tok)
	return tok
}

func (s *subscriberSet) remove(token int) bool {
	if _, ok := s.byTok[token]; !ok {
		return false
	}
	delete(s.byTok, token)
	s.maybeCompact()
	return true
}

// maybeCompact drops stale order entries once they dominate the slice, so
// churny subscribe/unsubscribe cycles do not grow it without bound.
func (s *subscriberSet) maybeCompact() {
	if len(s.order) < 16 || len(s.order) < 2*len(s.byTok) {
		return
	}
	live := s.order[:0]
	for _, tok := range s.order {
		if _, ok := s.byTok[tok]; ok {
			live = append(live, tok)
		}
	}
	s.order = live
}

// matching snapshots the handlers whose pattern matches typ, in
// registration order.
func (s *subscriberSet) matching(typ string) []Handler {
	var out []Handler
	for _, tok := range s.order {
		sub, ok := s.byTok[tok]
		if !ok {
			continue
		}
		if MatchPattern(sub.pattern, typ) {
			out = append(out, sub.handler)
		}
	}
	return out
}

func (s *subscriberSet) clear() {
	s.byTok = map[int]*patternSub{}
	s.order = nil
}
