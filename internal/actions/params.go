package actions

import "github.com/spf13/cast"

// Params arrive as decoded JSON or YAML, so numbers may be float64, int or
// json.Number and flags may be strings. Unconvertible values fall back to def.

func stringParam(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch v.(type) {
	case map[string]any, []any:
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

func boolParam(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

func intParam(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

func mapParam(m map[string]any, key string) map[string]any {
	sub, _ := m[key].(map[string]any)
	return sub
}
