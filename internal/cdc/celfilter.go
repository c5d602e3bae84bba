package cdc

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/chronicle/internal/eventlog"
)

// celFilter wraps a compiled CEL program evaluated per event. When the
// expression is empty the filter is disabled and Eval always returns true.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("verb", cel.StringType),
		// "type" would collide with CEL's standard type() declaration, so
		// the derived event type goes by event_type.
		cel.Variable("event_type", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		// Parsed event payloads for field-level filtering
		cel.Variable("data", cel.DynType),
		cel.Variable("after", cel.DynType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against the event. Evaluation errors count
// as non-matches.
func (f celFilter) Eval(ev eventlog.Event) bool {
	if !f.enabled {
		return true
	}
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	after := ev.After
	if after == nil {
		after = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
		"verb":        ev.Verb,
		"event_type":  ev.Type,
		"actor":       ev.Actor,
		"sequence":    int64(ev.Sequence),
		"ts_ms":       ev.Timestamp.UnixMilli(),
		"data":        data,
		"after":       after,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
