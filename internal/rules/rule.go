// Package rules decides when a trigger rule fires for an entity and keeps
// the registry of rules grouped by entity type.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/pulse/internal/conditions"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// OutputType is what a rule does when it fires.
type OutputType string

const (
	OutputStartWorkflow OutputType = "start_workflow"
	OutputDispatch      OutputType = "dispatch"
)

// OutputAction is the effect of a fired rule: start a workflow execution or
// dispatch a single action. Payload is rendered against the signal snapshot.
type OutputAction struct {
	Type       OutputType `json:"type" validate:"required,oneof=start_workflow dispatch"`
	WorkflowID string     `json:"workflow_id,omitempty" validate:"required_if=Type start_workflow"`
	Action     string     `json:"action,omitempty" validate:"required_if=Type dispatch"`
	Payload    any        `json:"payload,omitempty"`
}

// Rule is a parsed trigger rule.
type Rule struct {
	ID               string           `validate:"required"`
	EntityType       string           `validate:"required"`
	Name             string
	Conditions       schema.Condition `validate:"required"`
	Cooldown         time.Duration    `validate:"gte=0"`
	Output           OutputAction
	RequiresApproval bool
	Enabled          bool
	Derived          []signals.Derived `validate:"dive"`

	// LastFiredAt is the last fire for the entity being evaluated. The
	// registry fills it from the store on each evaluation.
	LastFiredAt *time.Time
}

// Definition is the document form of a rule, as stored and as read from
// definition files.
type Definition struct {
	ID               string            `json:"id"`
	EntityType       string            `json:"entity_type"`
	Name             string            `json:"name,omitempty"`
	Conditions       json.RawMessage   `json:"conditions"`
	Cooldown         string            `json:"cooldown,omitempty"`
	Output           OutputAction      `json:"output"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
	Derived          []signals.Derived `json:"derived,omitempty"`
}

// Parse converts a definition into a validated Rule. Enabled defaults to true.
func Parse(def Definition) (*Rule, error) {
	cond, err := schema.ParseCondition(def.Conditions)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule %q: %s", def.ID, err.Error()).WithCause(err)
	}
	cooldown, err := schema.ParseDuration(def.Cooldown)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "rule %q cooldown: %s", def.ID, err.Error()).WithCause(err)
	}

	r := &Rule{
		ID:               def.ID,
		EntityType:       def.EntityType,
		Name:             def.Name,
		Conditions:       cond,
		Cooldown:         cooldown,
		Output:           def.Output,
		RequiresApproval: def.RequiresApproval,
		Enabled:          def.Enabled == nil || *def.Enabled,
		Derived:          def.Derived,
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseJSON decodes and parses a rule document.
func ParseJSON(data []byte) (*Rule, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "decode rule: %s", err.Error()).WithCause(err)
	}
	return Parse(def)
}

// FromRecord parses a stored rule. The record's identity columns win over
// the document.
func FromRecord(rec *store.RuleRecord) (*Rule, error) {
	var def Definition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "decode rule %q: %s", rec.ID, err.Error()).WithCause(err)
	}
	def.ID = rec.ID
	def.EntityType = rec.EntityType
	if rec.Name != "" {
		def.Name = rec.Name
	}
	enabled := rec.Enabled
	def.Enabled = &enabled
	return Parse(def)
}

// Definition converts the rule back to its document form.
func (r *Rule) Definition() (Definition, error) {
	cond, err := schema.MarshalCondition(r.Conditions)
	if err != nil {
		return Definition{}, err
	}
	def := Definition{
		ID:               r.ID,
		EntityType:       r.EntityType,
		Name:             r.Name,
		Conditions:       cond,
		Output:           r.Output,
		RequiresApproval: r.RequiresApproval,
		Enabled:          &r.Enabled,
		Derived:          r.Derived,
	}
	if r.Cooldown > 0 {
		def.Cooldown = r.Cooldown.String()
	}
	return def, nil
}

// Record converts the rule into a store record.
func (r *Rule) Record() (*store.RuleRecord, error) {
	def, err := r.Definition()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	return &store.RuleRecord{
		ID:         r.ID,
		EntityType: r.EntityType,
		Name:       r.Name,
		Definition: data,
		Enabled:    r.Enabled,
	}, nil
}

// Validate checks the rule's struct constraints and condition tree.
func Validate(r *Rule) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
			return schema.NewErrorf(schema.ErrCodeValidation, "rule %q is invalid: %s", r.ID, verrs.Error()).
				WithDetails(details).WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "rule %q is invalid: %s", r.ID, err.Error()).WithCause(err)
	}
	if r.Conditions.Leaves() == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "rule %q has no criteria", r.ID)
	}
	return nil
}

// Decision is the verdict of ShouldFire.
type Decision string

const (
	DecisionFire       Decision = "fire"
	DecisionNotMatched Decision = "not_matched"
	DecisionSuppressed Decision = "suppressed"
)

// Reasons attached to suppressed decisions.
const (
	ReasonCooldown       = "cooldown"
	ReasonApprovalDenied = "approval_denied"
	ReasonStoreError     = "store_error"
)

// FireDecision is a decision plus, for suppressed ones, why.
type FireDecision struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

func (d FireDecision) String() string {
	if d.Reason == "" {
		return string(d.Decision)
	}
	return fmt.Sprintf("%s(%s)", d.Decision, d.Reason)
}

// ShouldFire applies cooldown, then conditions, then approval. A nil
// approval counts as approved. The function is pure.
func ShouldFire(rule *Rule, sig signals.Map, now time.Time, previous signals.Map, approval *bool) FireDecision {
	if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < rule.Cooldown {
		return FireDecision{Decision: DecisionSuppressed, Reason: ReasonCooldown}
	}
	if !conditions.EvaluateWithPrevious(rule.Conditions, sig, previous) {
		return FireDecision{Decision: DecisionNotMatched}
	}
	if rule.RequiresApproval && approval != nil && !*approval {
		return FireDecision{Decision: DecisionSuppressed, Reason: ReasonApprovalDenied}
	}
	return FireDecision{Decision: DecisionFire}
}
