package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContext(t *testing.T) {
	trigger := map[string]any{"entity_id": "e-1"}
	initial := map[string]any{"attendance": map[string]any{"rate": float64(72)}}

	ctx := NewContext(trigger, initial)
	assert.Equal(t, map[string]any{"entity_id": "e-1"}, ctx[TriggerKey])
	assert.Equal(t, float64(72), ctx["attendance"].(map[string]any)["rate"])

	// Inputs are copied.
	initial["attendance"].(map[string]any)["rate"] = float64(10)
	trigger["entity_id"] = "changed"
	assert.Equal(t, float64(72), ctx["attendance"].(map[string]any)["rate"])
	assert.Equal(t, "e-1", ctx[TriggerKey].(map[string]any)["entity_id"])
}

func TestNewContext_NilInputs(t *testing.T) {
	ctx := NewContext(nil, nil)
	require.NotNil(t, ctx)
	assert.Equal(t, map[string]any{}, ctx[TriggerKey])
}

func TestMergeOutput_Monotonic(t *testing.T) {
	ctx := map[string]any{"a": 1}
	merged := MergeOutput(ctx, "b", map[string]any{"x": 1})

	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, map[string]any{"x": 1}, merged["b"])
	_, leaked := ctx["b"]
	assert.False(t, leaked, "input context must not be mutated")

	again := MergeOutput(merged, "b", "second")
	assert.Equal(t, "second", again["b"])
	assert.Equal(t, 1, again["a"])

	unchanged := MergeOutput(ctx, "", "ignored")
	assert.Equal(t, ctx, unchanged)
}

func TestDeepCopy_Independent(t *testing.T) {
	orig := map[string]any{
		"list": []any{map[string]any{"k": "v"}},
		"strs": []string{"a"},
	}
	cp := DeepCopyMap(orig)
	cp["list"].([]any)[0].(map[string]any)["k"] = "changed"
	cp["strs"].([]string)[0] = "b"

	assert.Equal(t, "v", orig["list"].([]any)[0].(map[string]any)["k"])
	assert.Equal(t, "a", orig["strs"].([]string)[0])
	assert.Nil(t, DeepCopyMap(nil))
}

func TestNormalize(t *testing.T) {
	out := Normalize(map[string]any{"n": 3, "nested": map[string]int{"x": 1}})
	assert.Equal(t, map[string]any{"n": float64(3), "nested": map[string]any{"x": float64(1)}}, out)

	ch := make(chan int)
	assert.Equal(t, ch, Normalize(ch))
}
