package conditions

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/spf13/cast"
)

func builtinOperators() map[schema.Operator]OperatorFunc {
	return map[schema.Operator]OperatorFunc{
		schema.OpEquals:             opEquals,
		schema.OpNotEquals:          opNotEquals,
		schema.OpGreaterThan:        numeric(func(a, b float64) bool { return a > b }),
		schema.OpLessThan:           numeric(func(a, b float64) bool { return a < b }),
		schema.OpGreaterThanOrEqual: numeric(func(a, b float64) bool { return a >= b }),
		schema.OpLessThanOrEqual:    numeric(func(a, b float64) bool { return a <= b }),
		schema.OpContains:           opContains,
		schema.OpContainsAny:        opContainsAny,
		schema.OpIn:                 opIn,
		schema.OpNotIn:              opNotIn,
		schema.OpIsEmpty:            func(o Operand) bool { return isEmpty(o.Actual) },
		schema.OpIsNotEmpty:         func(o Operand) bool { return !isEmpty(o.Actual) },
		schema.OpChangedTo:          opChangedTo,
		schema.OpChangedFrom:        opChangedFrom,
		schema.OpBetween:            opBetween,
	}
}

func opEquals(o Operand) bool {
	if o.Actual == nil {
		return false
	}
	return looseEqual(o.Actual, o.Expected)
}

func opNotEquals(o Operand) bool {
	if !o.Present || o.Actual == nil {
		return false
	}
	return !looseEqual(o.Actual, o.Expected)
}

func numeric(cmp func(actual, expected float64) bool) OperatorFunc {
	return func(o Operand) bool {
		a, ok := toNumber(o.Actual)
		if !ok {
			return false
		}
		b, ok := toNumber(o.Expected)
		if !ok {
			return false
		}
		return cmp(a, b)
	}
}

func opContains(o Operand) bool {
	switch actual := o.Actual.(type) {
	case nil:
		return false
	case string:
		needle, err := cast.ToStringE(o.Expected)
		if err != nil || o.Expected == nil {
			return false
		}
		return strings.Contains(actual, needle)
	default:
		items, ok := toSlice(actual)
		if !ok {
			return false
		}
		return containsValue(items, o.Expected)
	}
}

func opContainsAny(o Operand) bool {
	if o.Actual == nil {
		return false
	}
	actual, ok := toSlice(o.Actual)
	if !ok {
		actual = []any{o.Actual}
	}
	expected, ok := toSlice(o.Expected)
	if !ok {
		if o.Expected == nil {
			return false
		}
		expected = []any{o.Expected}
	}
	for _, e := range expected {
		if containsValue(actual, e) {
			return true
		}
	}
	return false
}

func opIn(o Operand) bool {
	if o.Actual == nil {
		return false
	}
	return containsValue(expectedList(o.Expected), o.Actual)
}

func opNotIn(o Operand) bool {
	if !o.Present || o.Actual == nil {
		return false
	}
	return !containsValue(expectedList(o.Expected), o.Actual)
}

func opChangedTo(o Operand) bool {
	if !o.PreviousKnown || o.Actual == nil {
		return false
	}
	if !looseEqual(o.Actual, o.Expected) {
		return false
	}
	return !o.HasPrevious || o.Previous == nil || !looseEqual(o.Previous, o.Actual)
}

func opChangedFrom(o Operand) bool {
	if !o.PreviousKnown || o.Actual == nil || !o.HasPrevious || o.Previous == nil {
		return false
	}
	return looseEqual(o.Previous, o.Expected) && !looseEqual(o.Actual, o.Expected)
}

func opBetween(o Operand) bool {
	a, ok := toNumber(o.Actual)
	if !ok {
		return false
	}
	bounds, ok := toSlice(o.Expected)
	if !ok || len(bounds) != 2 {
		return false
	}
	low, ok := toNumber(bounds[0])
	if !ok {
		return false
	}
	high, ok := toNumber(bounds[1])
	if !ok {
		return false
	}
	return a >= low && a <= high
}

// looseEqual compares numbers numerically (numeric strings included), bools
// against "true"/"false" strings, strings case-sensitively and anything else
// structurally.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}

	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		ab, ok := toBool(a)
		if !ok {
			return false
		}
		bb, ok := toBool(b)
		return ok && ab == bb
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	if aStr || bStr {
		return false
	}

	if al, ok := toSlice(a); ok {
		bl, ok := toSlice(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !looseEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// toBool accepts bools, numbers and strconv.ParseBool strings.
func toBool(v any) (bool, bool) {
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	b, err := cast.ToBoolE(v)
	return b, err == nil
}

// toNumber converts numeric values and numeric strings. Bools, nil and
// non-numeric strings are rejected.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		f, err := cast.ToFloat64E(val)
		return f, err == nil
	default:
		return 0, false
	}
}

// toSlice converts any slice or array to []any.
func toSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte is a string in disguise, not a list.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// expectedList treats a scalar expected value as a one-element list.
func expectedList(v any) []any {
	if items, ok := toSlice(v); ok {
		return items
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

func containsValue(items []any, target any) bool {
	for _, item := range items {
		if looseEqual(item, target) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	}
	if items, ok := toSlice(v); ok {
		return len(items) == 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map {
		return rv.Len() == 0
	}
	return false
}
