package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/pkg/schema"
)

func newComputeAction() Action {
	return ExprActions()[0]
}

func TestCompute_Validate(t *testing.T) {
	a := newComputeAction()
	assert.Equal(t, "compute", a.Name())

	tests := []struct {
		name    string
		input   map[string]any
		wantErr bool
	}{
		{"single expression", map[string]any{"expression": "1 + 1"}, false},
		{"named expressions", map[string]any{"expressions": map[string]any{"a": "1", "b": "2"}}, false},
		{"empty expression", map[string]any{"expression": ""}, true},
		{"missing", map[string]any{}, true},
		{"not a string", map[string]any{"expression": 123}, true},
		{"empty named expression", map[string]any{"expressions": map[string]any{"a": ""}}, true},
		{"empty expressions object", map[string]any{"expressions": map[string]any{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Validate(tt.input)
			if tt.wantErr {
				assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompute_ExpressionOverContext(t *testing.T) {
	out, err := newComputeAction().Execute(context.Background(), ActionInput{
		Params: map[string]any{"expression": "trigger.absences * 2"},
		Context: map[string]any{
			"trigger": map[string]any{"absences": 3},
		},
	})
	require.NoError(t, err)
	result := out.Data.(map[string]any)
	assert.EqualValues(t, 6, result["result"])
}

func TestCompute_NamedExpressions(t *testing.T) {
	out, err := newComputeAction().Execute(context.Background(), ActionInput{
		Params: map[string]any{
			"expressions": map[string]any{
				"total":   "sum(data)",
				"over":    "len(filter(data, # > 2))",
				"label":   "name ?? 'unknown'",
				"doubled": "map(data, # * 2)",
			},
			"data": []any{1, 2, 3, 4},
		},
		Context: map[string]any{},
	})
	require.NoError(t, err)
	result := out.Data.(map[string]any)
	assert.EqualValues(t, 10, result["total"])
	assert.EqualValues(t, 2, result["over"])
	assert.Equal(t, "unknown", result["label"])
	assert.Len(t, result["doubled"], 4)
}

func TestCompute_DataOverridesContextKey(t *testing.T) {
	out, err := newComputeAction().Execute(context.Background(), ActionInput{
		Params:  map[string]any{"expression": "data", "data": "explicit"},
		Context: map[string]any{"data": "from-context"},
	})
	require.NoError(t, err)
	assert.Equal(t, "explicit", out.Data.(map[string]any)["result"])
}

func TestCompute_Errors(t *testing.T) {
	_, err := newComputeAction().Execute(context.Background(), ActionInput{
		Params: map[string]any{"expression": "1 +"},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = newComputeAction().Execute(context.Background(), ActionInput{
		Params:  map[string]any{"expression": "a / b"},
		Context: map[string]any{"a": 1, "b": "x"},
	})
	assert.Error(t, err)
}

func TestTransform_QueryOverInput(t *testing.T) {
	a := TransformActions()[0]
	assert.Equal(t, "transform", a.Name())
	assert.Error(t, a.Validate(map[string]any{}))

	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"query": "[.students[] | select(.absences >= 3) | .name]",
		"input": map[string]any{
			"students": []any{
				map[string]any{"name": "Ava", "absences": 3},
				map[string]any{"name": "Ben", "absences": 1},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ava"}, out.Data.(map[string]any)["result"])
}

func TestTransform_DefaultsToContext(t *testing.T) {
	a := TransformActions()[0]

	out, err := a.Execute(context.Background(), ActionInput{
		Params:  map[string]any{"query": ".trigger.entity_id"},
		Context: map[string]any{"trigger": map[string]any{"entity_id": "student-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "student-1", out.Data.(map[string]any)["result"])

	// scalar input is wrapped
	out, err = a.Execute(context.Background(), ActionInput{
		Params: map[string]any{"query": ".input + 1", "input": 41},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, out.Data.(map[string]any)["result"])
}

func TestTransform_Errors(t *testing.T) {
	a := TransformActions()[0]
	_, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"query": ".["}})
	assert.Error(t, err)

	_, err = a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"query": "error(\"boom\")",
		"input": map[string]any{},
	}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestTransform_Vars(t *testing.T) {
	a := TransformActions()[0]
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{
		"query": "[.students[] | select(.absences >= $limit) | .name]",
		"vars":  map[string]any{"limit": 2},
		"input": map[string]any{
			"students": []any{
				map[string]any{"name": "Ava", "absences": 3},
				map[string]any{"name": "Ben", "absences": 2},
				map[string]any{"name": "Cy", "absences": 0},
			},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ava", "Ben"}, out.Data.(map[string]any)["result"])
}
