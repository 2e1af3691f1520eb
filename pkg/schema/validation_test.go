package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Severity(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("edges[1].condition", ErrCodeValidation, "condition on a default edge is ignored")
	assert.True(t, r.Valid(), "warnings do not reject a definition")

	r.AddError("nodes[0].config.action", ErrCodeActionUnavailable, `action "send_sms" not registered`)
	assert.False(t, r.Valid())

	require.Len(t, r.Errors, 1)
	assert.Equal(t, ValidationIssue{
		Path:     "nodes[0].config.action",
		Code:     ErrCodeActionUnavailable,
		Message:  `action "send_sms" not registered`,
		Severity: SeverityError,
	}, r.Errors[0])
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "nodes[2]: no outgoing edge",
		ValidationIssue{Path: "nodes[2]", Message: "no outgoing edge"}.String())
	assert.Equal(t, "workflow definition is nil",
		ValidationIssue{Path: "/", Message: "workflow definition is nil"}.String())
}

func TestValidationResult_Merge(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "missing id")

	other := &ValidationResult{}
	other.AddError("nodes[notify]", ErrCodeDefinition, "unknown channel")
	other.AddWarning("nodes[pause]", ErrCodeValidation, "zero delay")

	r.Merge(other)
	r.Merge(nil)

	assert.Len(t, r.Errors, 2)
	assert.Len(t, r.Warnings, 1)
}

func TestValidationResult_Summary(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[pause].config.delay", ErrCodeValidation, "zero delay")
	r.AddError("edges[0]", ErrCodeDefinition, "unknown target")

	assert.Equal(t,
		"error   edges[0]: unknown target\nwarning nodes[pause].config.delay: zero delay\n",
		r.Summary())
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("warnings only", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddWarning("/", ErrCodeValidation, "no conditions")
		assert.Nil(t, r.ToError())
	})

	t.Run("single error", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("nodes[0].config", ErrCodeValidation, "action is required")

		var pErr *PulseError
		require.ErrorAs(t, r.ToError(), &pErr)
		assert.Equal(t, ErrCodeValidation, pErr.Code)
		assert.Equal(t, "nodes[0].config: action is required", pErr.Message)
		assert.Equal(t, 1, pErr.Details["error_count"])
	})

	t.Run("several errors", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("edges[0]", ErrCodeDefinition, "unknown target")
		r.AddError("edges[1]", ErrCodeDefinition, "unknown source")
		r.AddWarning("/", ErrCodeValidation, "no entity_type")

		var pErr *PulseError
		require.ErrorAs(t, r.ToError(), &pErr)
		assert.Equal(t, "2 validation errors, first: edges[0]: unknown target", pErr.Message)
		assert.Equal(t, 2, pErr.Details["error_count"])
		assert.Equal(t, 1, pErr.Details["warning_count"])
	})
}
