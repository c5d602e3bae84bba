package eventlog

import "strings"

// MatchPattern reports whether pattern matches the event type.
//
// Pattern language, most specific first:
//   - "*" matches everything
//   - "Entity.**" matches any type beginning with "Entity."
//   - "Entity.*" matches any verb-event for that entity
//   - "*.verbEvent" matches that verb-event for any entity
//   - "Entity.verbEvent" is an exact match
//   - a leading "!" negates the rest of the sub-pattern
//   - comma-separated sub-patterns combine with OR, left to right,
//     first match wins, whitespace trimmed
//   - the empty pattern matches nothing
func MatchPattern(pattern, typ string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if strings.Contains(pattern, ",") {
		for _, sub := range strings.Split(pattern, ",") {
			sub = strings.TrimSpace(sub)
			if sub == "" {
				continue
			}
			if MatchPattern(sub, typ) {
				return true
			}
		}
		return false
	}
	if strings.HasPrefix(pattern, "!") {
		return !MatchPattern(pattern[1:], typ)
	}
	return matchSingle(pattern, typ)
}

func matchSingle(pattern, typ string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".**") {
		return strings.HasPrefix(typ, strings.TrimSuffix(pattern, "**"))
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(typ, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != ts[i] {
			return false
		}
	}
	return true
}
