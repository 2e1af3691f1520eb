package validation

import (
	"errors"

	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/pkg/schema"
)

// WorkflowValidator checks a definition in stages. Schema violations stop
// the run; semantic and graph checks both report; the engine's graph parser
// runs last and only on an otherwise clean definition.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator builds a validator. A nil lookup skips the check that
// action nodes name registered actions.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
	}, nil
}

func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.actions, wv.jsonSchema))
	result.Merge(validateGraph(def))

	if !result.Valid() {
		return result
	}
	if _, err := engine.ParseGraph(def); err != nil {
		path := "/"
		var pe *schema.PulseError
		if errors.As(err, &pe) && pe.NodeID != "" {
			path = "nodes[" + pe.NodeID + "]"
		}
		result.AddError(path, schema.ErrCodeDefinition, schema.MessageOf(err))
	}
	return result
}

// ValidateDefinition satisfies Validator and engine.DefinitionValidator.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural turns schema violations into issues located at the
// offending field.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	vs, err := v.DefinitionViolations(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is not JSON-encodable: "+err.Error())
		return result
	}
	for _, x := range vs {
		path := x.Path
		if path == "" {
			path = "/"
		}
		result.AddError(path, schema.ErrCodeValidation, x.Message)
	}
	return result
}

var _ engine.DefinitionValidator = (*WorkflowValidator)(nil)
