package rules

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

func lowAttendance() *Rule {
	return &Rule{
		ID:         "low-attendance",
		EntityType: "student",
		Conditions: &schema.Criterion{Field: "attendance.rate", Operator: schema.OpLessThan, Value: 80},
		Cooldown:   2 * time.Hour,
		Output:     OutputAction{Type: OutputStartWorkflow, WorkflowID: "attendance-outreach"},
		Enabled:    true,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestShouldFire_Cooldown(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sig := signals.Map{"attendance.rate": 72}

	rule := lowAttendance()
	recent := now.Add(-30 * time.Minute)
	rule.LastFiredAt = &recent
	assert.Equal(t, FireDecision{Decision: DecisionSuppressed, Reason: ReasonCooldown}, ShouldFire(rule, sig, now, nil, nil))

	old := now.Add(-3 * time.Hour)
	rule.LastFiredAt = &old
	assert.Equal(t, FireDecision{Decision: DecisionFire}, ShouldFire(rule, sig, now, nil, nil))

	boundary := now.Add(-2 * time.Hour)
	rule.LastFiredAt = &boundary
	assert.Equal(t, DecisionFire, ShouldFire(rule, sig, now, nil, nil).Decision, "a full window has elapsed")

	rule.LastFiredAt = nil
	assert.Equal(t, DecisionFire, ShouldFire(rule, sig, now, nil, nil).Decision)
}

func TestShouldFire_Order(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rule := lowAttendance()
	rule.RequiresApproval = true
	recent := now.Add(-time.Minute)

	tests := []struct {
		name     string
		last     *time.Time
		sig      signals.Map
		approval *bool
		want     FireDecision
	}{
		{"cooldown wins over unmatched conditions", &recent, signals.Map{"attendance.rate": 95}, nil, FireDecision{DecisionSuppressed, ReasonCooldown}},
		{"cooldown wins over denial", &recent, signals.Map{"attendance.rate": 72}, boolPtr(false), FireDecision{DecisionSuppressed, ReasonCooldown}},
		{"conditions before approval", nil, signals.Map{"attendance.rate": 95}, boolPtr(false), FireDecision{Decision: DecisionNotMatched}},
		{"denied", nil, signals.Map{"attendance.rate": 72}, boolPtr(false), FireDecision{DecisionSuppressed, ReasonApprovalDenied}},
		{"approved", nil, signals.Map{"attendance.rate": 72}, boolPtr(true), FireDecision{Decision: DecisionFire}},
		{"no answer counts as approved", nil, signals.Map{"attendance.rate": 72}, nil, FireDecision{Decision: DecisionFire}},
		{"missing signal", nil, signals.Map{}, nil, FireDecision{Decision: DecisionNotMatched}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := *rule
			r.LastFiredAt = tt.last
			assert.Equal(t, tt.want, ShouldFire(&r, tt.sig, now, nil, tt.approval))
		})
	}
}

func TestShouldFire_ApprovalIgnoredWhenNotRequired(t *testing.T) {
	rule := lowAttendance()
	got := ShouldFire(rule, signals.Map{"attendance.rate": 50}, time.Now(), nil, boolPtr(false))
	assert.Equal(t, DecisionFire, got.Decision)
}

func TestShouldFire_UsesPrevious(t *testing.T) {
	rule := lowAttendance()
	rule.Conditions = &schema.Criterion{Field: "risk", Operator: schema.OpChangedTo, Value: "high"}
	now := time.Now()

	assert.Equal(t, DecisionNotMatched, ShouldFire(rule, signals.Map{"risk": "high"}, now, nil, nil).Decision)
	assert.Equal(t, DecisionFire, ShouldFire(rule, signals.Map{"risk": "high"}, now, signals.Map{"risk": "low"}, nil).Decision)
}

func TestParseJSON(t *testing.T) {
	rule, err := ParseJSON([]byte(`{
		"id": "low-attendance",
		"entity_type": "student",
		"conditions": {"all": [{"field": "attendance.rate", "operator": "lt", "value": 80}]},
		"cooldown": "1d",
		"output": {"type": "start_workflow", "workflow_id": "outreach"},
		"requires_approval": true,
		"derived": [{"name": "attendance.drop", "expression": "100.0 - double(signals['attendance.rate'])"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "student", rule.EntityType)
	assert.Equal(t, 24*time.Hour, rule.Cooldown)
	assert.True(t, rule.Enabled)
	assert.True(t, rule.RequiresApproval)
	assert.Equal(t, 1, rule.Conditions.Leaves())
	require.Len(t, rule.Derived, 1)
}

func TestParse_Invalid(t *testing.T) {
	base := func() Definition {
		return Definition{
			ID:         "r",
			EntityType: "student",
			Conditions: json.RawMessage(`{"field":"a","operator":"equals","value":1}`),
			Output:     OutputAction{Type: OutputDispatch, Action: "log"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
		code   string
	}{
		{"missing id", func(d *Definition) { d.ID = "" }, schema.ErrCodeValidation},
		{"missing entity type", func(d *Definition) { d.EntityType = "" }, schema.ErrCodeValidation},
		{"bad output type", func(d *Definition) { d.Output.Type = "email" }, schema.ErrCodeValidation},
		{"workflow without id", func(d *Definition) { d.Output = OutputAction{Type: OutputStartWorkflow} }, schema.ErrCodeValidation},
		{"dispatch without action", func(d *Definition) { d.Output.Action = "" }, schema.ErrCodeValidation},
		{"no criteria", func(d *Definition) { d.Conditions = json.RawMessage(`{"all":[]}`) }, schema.ErrCodeValidation},
		{"missing conditions", func(d *Definition) { d.Conditions = nil }, ""},
		{"bad cooldown", func(d *Definition) { d.Cooldown = "soon" }, schema.ErrCodeDefinition},
		{"derived without expression", func(d *Definition) { d.Derived = []signals.Derived{{Name: "x"}} }, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(&def)
			_, err := Parse(def)
			require.Error(t, err)
			if tt.code != "" {
				assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
			}
		})
	}

	_, err := Parse(base())
	require.NoError(t, err)
}

func TestRecordRoundTrip(t *testing.T) {
	rule := lowAttendance()
	rule.Name = "Low attendance"
	rule.Output.Payload = map[string]any{"note": "{{attendance.rate}}"}

	rec, err := rule.Record()
	require.NoError(t, err)
	assert.Equal(t, "low-attendance", rec.ID)
	assert.Equal(t, "student", rec.EntityType)
	assert.True(t, rec.Enabled)

	back, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rule.Cooldown, back.Cooldown)
	assert.Equal(t, rule.Output.WorkflowID, back.Output.WorkflowID)
	assert.Equal(t, "Low attendance", back.Name)

	disabled := &store.RuleRecord{ID: rec.ID, EntityType: rec.EntityType, Definition: rec.Definition, Enabled: false}
	back, err = FromRecord(disabled)
	require.NoError(t, err)
	assert.False(t, back.Enabled, "the record's enabled column wins")
}
