package expressions

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render replaces every {{dotted.path}} placeholder in template with the value
// found at that path in ctx. Placeholders whose path is missing are left
// untouched, as is an unterminated "{{".
func Render(template string, ctx map[string]any) string {
	if !strings.Contains(template, openDelim) {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start == -1 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end == -1 {
			out.WriteString(rest)
			break
		}
		end += start + len(openDelim)

		out.WriteString(rest[:start])
		placeholder := rest[start : end+len(closeDelim)]
		path := strings.TrimSpace(rest[start+len(openDelim) : end])

		if val, ok := Lookup(ctx, path); ok && path != "" {
			out.WriteString(FormatValue(val))
		} else {
			out.WriteString(placeholder)
		}
		rest = rest[end+len(closeDelim):]
	}

	return out.String()
}

// RenderDeep renders every string found in value, recursing into maps and
// slices. Non-string leaves are returned as they are. The result never shares
// containers with the input.
func RenderDeep(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = RenderDeep(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RenderDeep(item, ctx)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, ctx)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Render(item, ctx)
		}
		return out
	default:
		return v
	}
}

// Placeholders returns the distinct paths referenced by template, in order of
// first appearance.
func Placeholders(template string) []string {
	var paths []string
	seen := make(map[string]bool)

	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start == -1 {
			return paths
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end == -1 {
			return paths
		}
		end += start + len(openDelim)

		path := strings.TrimSpace(rest[start+len(openDelim) : end])
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
		rest = rest[end+len(closeDelim):]
	}
}

// PlaceholdersDeep collects placeholders from every string in value.
func PlaceholdersDeep(value any) []string {
	var paths []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, p := range Placeholders(val) {
				if !seen[p] {
					seen[p] = true
					paths = append(paths, p)
				}
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(value)
	return paths
}

// Lookup resolves a dotted path against nested maps. At each level the
// longest matching key wins, so flat keys such as "attendance.rate" resolve
// as well as nested ones. Numeric segments index into slices.
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	return lookupParts(root, strings.Split(path, "."))
}

func lookupParts(node any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return node, true
	}

	switch v := node.(type) {
	case map[string]any:
		for i := len(parts); i > 0; i-- {
			key := strings.Join(parts[:i], ".")
			child, ok := v[key]
			if !ok {
				continue
			}
			if val, found := lookupParts(child, parts[i:]); found {
				return val, true
			}
		}
		return nil, false
	case []any:
		idx, err := strconv.Atoi(parts[0])
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return lookupParts(v[idx], parts[1:])
	default:
		return nil, false
	}
}

// FormatValue renders a context value for inclusion in a string. Numbers
// drop trailing zeros, maps and slices are JSON-encoded and nil renders empty.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
