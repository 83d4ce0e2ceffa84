// Package conditions evaluates a rule's flat field-condition set against an
// immutable entity snapshot. Evaluation is pure: it never touches the store
// and never mutates the snapshot.
package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/relvohq/automation/pkg/schema"
)

// Evaluate returns whether the condition set matches the snapshot under the
// given logic. An empty condition list always matches. A missing field or a
// type mismatch yields a CONDITION_ERROR; the caller treats the owning rule
// as non-matching rather than failing the engine.
func Evaluate(snapshot map[string]any, conds []schema.FieldCondition, logic schema.ConditionLogic) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	if logic != schema.LogicAnd && logic != schema.LogicOr {
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition logic %q", logic)
	}

	for _, c := range conds {
		ok, err := evalOne(snapshot, c)
		if err != nil {
			return false, err
		}
		if logic == schema.LogicAnd && !ok {
			return false, nil
		}
		if logic == schema.LogicOr && ok {
			return true, nil
		}
	}
	// And: no condition failed. Or: no condition matched.
	return logic == schema.LogicAnd, nil
}

func evalOne(snapshot map[string]any, c schema.FieldCondition) (bool, error) {
	val, present := snapshot[c.Field]

	// Null checks are the only operators defined on absent fields.
	switch c.Operator {
	case schema.OpIsNull:
		return !present || val == nil, nil
	case schema.OpIsNotNull:
		return present && val != nil, nil
	}

	if !present {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"field %q not present in snapshot", c.Field)
	}

	switch c.Operator {
	case schema.OpEquals:
		return equal(c.Field, val, c.Value)
	case schema.OpNotEquals:
		ok, err := equal(c.Field, val, c.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case schema.OpGreater:
		return compareNumbers(c.Field, val, c.Value, func(a, b float64) bool { return a > b })
	case schema.OpLess:
		return compareNumbers(c.Field, val, c.Value, func(a, b float64) bool { return a < b })
	case schema.OpContains:
		return contains(c.Field, val, c.Value)
	case schema.OpIn:
		return in(c.Field, val, c.Value)
	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"unknown operator %q on field %q", c.Operator, c.Field)
	}
}

// equal compares two snapshot values, treating all numeric types as float64
// so that a JSON-decoded 5.0 equals an int 5. Arrays and objects are not
// comparable; interface equality on two values of the same non-comparable
// dynamic type panics, so they are rejected as a type mismatch instead.
func equal(field string, a, b any) (bool, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf, nil
		}
		return false, nil
	}
	if !isComparable(a) {
		return false, typeMismatch(field, "a comparable value", a)
	}
	if !isComparable(b) {
		return false, typeMismatch(field, "a comparable value", b)
	}
	return a == b, nil
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func compareNumbers(field string, val, want any, cmp func(a, b float64) bool) (bool, error) {
	vf, ok := toFloat(val)
	if !ok {
		return false, typeMismatch(field, "number", val)
	}
	wf, ok := toFloat(want)
	if !ok {
		return false, typeMismatch(field, "number", want)
	}
	return cmp(vf, wf), nil
}

func contains(field string, val, want any) (bool, error) {
	switch v := val.(type) {
	case string:
		w, ok := want.(string)
		if !ok {
			return false, typeMismatch(field, "string", want)
		}
		return strings.Contains(v, w), nil
	case []any:
		for _, item := range v {
			ok, err := equal(field, item, want)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, typeMismatch(field, "string or array", val)
	}
}

func in(field string, val, want any) (bool, error) {
	set, ok := want.([]any)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"operator %q on field %q requires an array value, got %T", schema.OpIn, field, want)
	}
	for _, item := range set {
		ok, err := equal(field, val, item)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func typeMismatch(field, want string, got any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeCondition,
		"field %q: expected %s, got %s", field, want, fmt.Sprintf("%T", got))
}
