package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/pkg/schema"
)

const attendanceDef = `{
	"id": "attendance-alert",
	"trigger_type": "metric_threshold",
	"trigger_config": {"entity_type": "student", "conditions": {"field": "attendance.rate", "operator": "less_than", "value": 80}},
	"nodes": [
		{"id": "A", "type": "condition"},
		{"id": "B", "type": "action", "config": {"action": "send_alert", "payload": {"message": "Alert: {{trigger.name}}"}}},
		{"id": "C", "type": "checkpoint"}
	],
	"edges": [
		{"source": "A", "target": "B", "condition": {"field": "trigger.attendance.rate", "operator": "less_than", "value": 80}},
		{"source": "A", "target": "C", "default": true}
	]
}`

func TestWorkflowValidator_Interfaces(t *testing.T) {
	var _ engine.DefinitionValidator = (*WorkflowValidator)(nil)
}

func TestWorkflowValidator_Valid(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup("send_alert"))
	require.NoError(t, err)

	result := wv.Validate(defFromJSON(t, attendanceDef))
	assert.True(t, result.Valid(), messages(result.Errors))
	assert.Empty(t, result.Warnings)
	assert.NoError(t, wv.ValidateDefinition(defFromJSON(t, attendanceDef)))
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	result := wv.Validate(defFromJSON(t, `{"id": "w", "trigger_type": "manual", "nodes": [
		{"id": "A", "type": "action", "config": {"action": "missing"}},
		{"id": "B", "type": "parallel"}]}`))
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeActionUnavailable, e.Code)
	}
	assert.Equal(t, "nodes[1].type", result.Errors[0].Path)
}

func TestWorkflowValidator_AggregatesSemanticAndGraph(t *testing.T) {
	wv, err := NewWorkflowValidator(newMockLookup())
	require.NoError(t, err)

	result := wv.Validate(defFromJSON(t, `{"id": "w", "trigger_type": "manual", "nodes": [
		{"id": "A", "type": "action", "config": {"action": "missing"}},
		{"id": "B", "type": "checkpoint"}
	]}`))
	require.Len(t, result.Errors, 2)
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
	assert.Contains(t, result.Errors[1].Message, "2 entry nodes")

	err = wv.ValidateDefinition(defFromJSON(t, `{"id": "w", "trigger_type": "manual", "nodes": [
		{"id": "A", "type": "action", "config": {"action": "missing"}},
		{"id": "B", "type": "checkpoint"}
	]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 validation errors, first:")
}

func TestWorkflowValidator_NodeConfigErrors(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(defFromJSON(t, `{"id": "w", "trigger_type": "manual", "nodes": [
		{"id": "A", "type": "wait", "config": {"delay": "1h", "event": "reply"}}
	]}`))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes[A]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "exactly one of delay, until or event")
}

func TestWorkflowValidator_ValidateInput(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	s := []byte(`{"type": "object", "required": ["student"]}`)
	assert.NoError(t, wv.ValidateInput(map[string]any{"student": "s-1"}, s))
	assert.Error(t, wv.ValidateInput(map[string]any{}, s))
}
