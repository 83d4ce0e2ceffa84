package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relvohq/automation/pkg/schema"
)

// Scope holds the data available to config interpolation.
type Scope struct {
	Entity  map[string]any // snapshot fields, under "entity."
	Trigger map[string]any // trigger metadata (entity_id, trigger_type, ...), under "trigger."
}

// Interpolator resolves ${{...}} references in action config JSON. The text
// between the braces is an expr expression evaluated against the scope, so
// both plain references (${{entity.priority}}) and computed values
// (${{entity.amount * 1.1}}) work.
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator with a fresh program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{engine: NewExprEngine()}
}

// Resolve scans raw config JSON for ${{...}} tokens and replaces each with
// the evaluated value. Returns the interpolated JSON bytes. Unresolvable
// references produce an INTERPOLATION_ERROR; the caller treats that as a
// permanent action failure (a config bug, not a transient fault).
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 || !HasInterpolation(raw) {
		return raw, nil
	}

	env := map[string]any{
		"entity":  scope.Entity,
		"trigger": scope.Trigger,
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expression := strings.TrimSpace(input[start:end])
		if expression == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expression, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.engine.Evaluate(expression, env)
		if err != nil {
			return nil, err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}".
	}

	return json.RawMessage(result.String()), nil
}

// HasInterpolation checks if a JSON blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// marshalInline converts a resolved value into its inline JSON representation.
// Strings are embedded without the surrounding quotes so references inside
// JSON string values splice cleanly, but their content is still JSON-escaped
// so quotes, backslashes, and control characters cannot corrupt the document.
// Complex types are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b[1 : len(b)-1]) // strip the quotes json.Marshal adds
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
