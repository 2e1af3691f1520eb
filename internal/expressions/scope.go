package expressions

import "encoding/json"

// TriggerKey is the context key holding the data an execution was started with.
const TriggerKey = "trigger"

// NewContext builds the initial execution context: the caller's initial
// values plus trigger data under TriggerKey. Both inputs are deep-copied.
func NewContext(triggerData, initial map[string]any) map[string]any {
	ctx := DeepCopyMap(initial)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	trigger := DeepCopyMap(triggerData)
	if trigger == nil {
		trigger = map[string]any{}
	}
	ctx[TriggerKey] = trigger
	return ctx
}

// MergeOutput returns a copy of ctx with output stored under key. Existing
// keys are kept; a node visited again replaces its own earlier output.
func MergeOutput(ctx map[string]any, key string, output any) map[string]any {
	merged := DeepCopyMap(ctx)
	if merged == nil {
		merged = make(map[string]any)
	}
	if key == "" {
		return merged
	}
	merged[key] = DeepCopy(output)
	return merged
}

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopy(v)
	}
	return cp
}

// DeepCopy recursively copies maps and slices. Other values are returned as
// they are.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// Normalize round-trips v through JSON so every number becomes float64 and
// every object map[string]any, matching what a persisted context decodes to.
// Values that cannot be encoded are returned unchanged.
func Normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
