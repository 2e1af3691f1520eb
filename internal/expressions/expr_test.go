package expressions

import (
	"context"
	"testing"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"attendance": map[string]any{"rate": 72.5},
		"scores":     []any{1, 2, 3},
		"name":       "Ava",
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"arithmetic", "attendance.rate * 2", 145.0},
		{"comparison", "attendance.rate < 80", true},
		{"count", "count(scores, # > 1)", 2},
		{"filter", "len(filter(scores, # > 1))", 2},
		{"nil coalescing", "missing ?? 'fallback'", "fallback"},
		{"string concat", `"Hi " + name`, "Hi Ava"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_EvaluateAll(t *testing.T) {
	e := NewExprEngine()
	out, err := e.EvaluateAll(context.Background(), map[string]string{
		"double": "n * 2",
		"flag":   "n > 1",
	}, map[string]any{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"double": 4, "flag": true}, out)

	_, err = e.EvaluateAll(context.Background(), map[string]string{"bad": "1 +"}, nil)
	assert.Error(t, err)
}

func TestExpr_Pct(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "pct(present, total)", map[string]any{"present": 18, "total": 20})
	require.NoError(t, err)
	assert.Equal(t, 90.0, out)

	out, err = e.Evaluate(context.Background(), "pct(present, total)", map[string]any{"present": 3, "total": 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out)

	// the cached program is reused for data of another shape
	out, err = e.Evaluate(context.Background(), "pct(present, total)", map[string]any{"present": "5", "total": 10.0})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out)
}
