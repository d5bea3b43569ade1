package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/openstream/internal/durable"
)

// Filter is a compiled CEL predicate over persisted events. The zero Filter
// matches everything.
//
// Variables: event_type (string), partition_key (string), partition (int),
// timestamp_ms (int), id (string), payload (dyn, the decoded JSON object).
type Filter struct {
	prog cel.Program
}

// CompileFilter parses and type-checks expr. An empty expression yields the
// match-all filter.
func CompileFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("partition_key", cel.StringType),
		cel.Variable("partition", cel.IntType),
		cel.Variable("timestamp_ms", cel.IntType),
		cel.Variable("id", cel.StringType),
		cel.Variable("payload", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return Filter{}, fmt.Errorf("filter must evaluate to bool, got %s", t)
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog}, nil
}

// Match evaluates the filter. A payload that is not valid JSON is an error;
// evaluation errors count as no match.
func (f Filter) Match(ev durable.Event) (bool, error) {
	if f.prog == nil {
		return true, nil
	}
	var payload any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false, fmt.Errorf("decode payload of %d/%s: %w", ev.Partition, ev.ID, err)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"event_type":    ev.EventType,
		"partition_key": ev.PartitionKey,
		"partition":     int64(ev.Partition),
		"timestamp_ms":  ev.TimestampMs,
		"id":            ev.ID.String(),
		"payload":       payload,
	})
	if err != nil {
		return false, nil
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}
