// Package signals models the facts known about one tracked entity as a flat
// map of dotted keys.
package signals

import (
	"context"
	"strings"

	"github.com/rendis/pulse/internal/expressions"
)

// Map is a flattened signal snapshot: dotted keys to scalar or array values.
type Map map[string]any

// Source supplies signal snapshots. Implementations are read-only.
type Source interface {
	Snapshot(ctx context.Context, entityType, entityID string) (Map, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, entityType, entityID string) (Map, error)

func (f SourceFunc) Snapshot(ctx context.Context, entityType, entityID string) (Map, error) {
	return f(ctx, entityType, entityID)
}

// Flatten recurses into nested maps, joining keys with ".". Slices are leaves.
// Where a literal dotted key collides with a flattened path the
// lexicographically later source key wins, so the result does not depend on
// map iteration order.
func Flatten(nested map[string]any) Map {
	out := make(Map, len(nested))
	origin := make(map[string]string, len(nested))
	flattenInto(out, origin, "", nested)
	return out
}

func flattenInto(out Map, origin map[string]string, prefix string, nested map[string]any) {
	for k, v := range nested {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(Map); ok {
			v = map[string]any(m)
		}
		switch val := v.(type) {
		case map[string]any:
			// An empty object stays visible as a leaf.
			if len(val) == 0 {
				set(out, origin, key, sourcePath(prefix, k), val)
				continue
			}
			flattenInto(out, origin, key, val)
		default:
			set(out, origin, key, sourcePath(prefix, k), v)
		}
	}
}

func sourcePath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "\x00" + key
}

func set(out Map, origin map[string]string, key, src string, v any) {
	if prev, ok := origin[key]; ok && prev > src {
		return
	}
	origin[key] = src
	out[key] = v
}

// Lookup returns the value for path. An exact flat key wins; otherwise nested
// maps are walked so callers may pass either a flat or a nested snapshot.
func (m Map) Lookup(path string) (any, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	if v, ok := m[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	return expressions.Lookup(map[string]any(m), path)
}

// Clone returns a shallow copy.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
