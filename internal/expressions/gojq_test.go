package expressions

import (
	"context"
	"testing"

	"github.com/rendis/pulse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"students": []any{
			map[string]any{"name": "Ava", "rate": 72},
			map[string]any{"name": "Lee", "rate": 95},
		},
	}

	out, err := e.Evaluate(context.Background(), `[.students[] | select(.rate < 80) | .name]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"Ava"}, out)

	out, err = e.Evaluate(context.Background(), `.students[].name`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"Ava", "Lee"}, out)

	out, err = e.Evaluate(context.Background(), `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), ".[", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_EvaluateAll(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.EvaluateAll(context.Background(), `.a`, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1)}, out)
}

func TestGoJQ_EvaluateWith(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"rates": []any{60, 85, 72}}

	out, err := e.EvaluateWith(context.Background(), `[.rates[] | select(. < $floor)]`, data, map[string]any{"floor": 80})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(60), float64(72)}, out)

	// the cached program is reused with a new value
	out, err = e.EvaluateWith(context.Background(), `[.rates[] | select(. < $floor)]`, data, map[string]any{"floor": 70})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(60)}, out)

	_, err = e.Evaluate(context.Background(), `[.rates[] | select(. < $floor)]`, data)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "undefined variable fails to compile")
}
