package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/pkg/schema"
)

// ActionLookup reports whether an action type can be dispatched.
// *actions.Registry satisfies it.
type ActionLookup interface {
	Has(name string) bool
}

// cronParser accepts standard five-field expressions and descriptors such as
// "@daily" or "@every 1h".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// triggerConfigSchema fixes the shape of trigger_config.
const triggerConfigSchema = `{
  "type": "object",
  "properties": {
    "cron": { "type": "string" },
    "entity_type": { "type": "string" },
    "conditions": { "type": ["object", "array", "null"] },
    "timezone": { "type": "string" }
  },
  "additionalProperties": false
}`

// validateSemantic checks what the JSON Schema cannot: registered actions,
// parseable trigger configs and edge guards, and placeholder roots.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, jsv *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateTrigger(def, jsv, result)

	roots := map[string]bool{expressions.TriggerKey: true}
	for _, n := range def.Nodes {
		roots[n.ID] = true
		if key := outputKeyOf(n); key != "" {
			roots[key] = true
		}
	}

	for i := range def.Nodes {
		validateNodeSemantic(&def.Nodes[i], fmt.Sprintf("nodes[%d]", i), lookup, roots, result)
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d].condition", i)
		if len(e.Condition) == 0 || string(e.Condition) == "null" {
			continue
		}
		if e.Default {
			result.AddWarning(path, schema.ErrCodeValidation, "condition on a default edge is ignored")
			continue
		}
		cond, err := schema.ParseCondition(e.Condition)
		if err != nil {
			result.AddError(path, schema.ErrCodeDefinition, schema.MessageOf(err))
			continue
		}
		validateCondition(cond, path, result)
	}

	return result
}

func validateTrigger(def *schema.WorkflowDefinition, jsv *JSONSchemaValidator, result *schema.ValidationResult) {
	if len(def.TriggerConfig) > 0 {
		var raw any
		if err := json.Unmarshal(def.TriggerConfig, &raw); err == nil {
			vs, err := jsv.InputViolations(raw, []byte(triggerConfigSchema))
			if err != nil {
				result.AddError("trigger_config", schema.ErrCodeValidation, schema.MessageOf(err))
				return
			}
			for _, x := range vs {
				path := "trigger_config"
				if x.Path != "" {
					path += "." + x.Path
				}
				result.AddError(path, schema.ErrCodeValidation, x.Message)
			}
			if len(vs) > 0 {
				return
			}
		}
	}

	tc, err := def.DecodeTriggerConfig()
	if err != nil {
		result.AddError("trigger_config", schema.ErrCodeDefinition, schema.MessageOf(err))
		return
	}

	if tc.Timezone != "" {
		if _, err := time.LoadLocation(tc.Timezone); err != nil {
			result.AddError("trigger_config.timezone", schema.ErrCodeDefinition,
				fmt.Sprintf("unknown timezone %q", tc.Timezone))
		}
	}

	switch def.TriggerType {
	case schema.TriggerSchedule:
		if tc.Cron == "" {
			result.AddError("trigger_config.cron", schema.ErrCodeDefinition, "schedule workflows require trigger_config.cron")
		} else if _, err := cronParser.Parse(tc.Cron); err != nil {
			result.AddError("trigger_config.cron", schema.ErrCodeDefinition,
				fmt.Sprintf("invalid cron expression %q: %s", tc.Cron, err.Error()))
		}

	case schema.TriggerMetricThreshold, schema.TriggerMetricChange, schema.TriggerSurveyResponse:
		if tc.Cron != "" {
			result.AddWarning("trigger_config.cron", schema.ErrCodeValidation,
				fmt.Sprintf("cron is ignored for %s workflows", def.TriggerType))
		}
		if tc.EntityType == "" {
			result.AddWarning("trigger_config.entity_type", schema.ErrCodeValidation,
				"no entity_type: the workflow matches signal changes of every entity type")
		}
		cond, err := schema.ParseCondition(tc.Conditions)
		switch {
		case err != nil:
			result.AddError("trigger_config.conditions", schema.ErrCodeDefinition, schema.MessageOf(err))
		case cond == nil:
			result.AddWarning("trigger_config.conditions", schema.ErrCodeValidation,
				"no conditions: the workflow starts on every matching signal change")
		default:
			validateCondition(cond, "trigger_config.conditions", result)
		}

	case schema.TriggerManual:
		if tc.Cron != "" || len(tc.Conditions) > 0 {
			result.AddWarning("trigger_config", schema.ErrCodeValidation, "trigger_config is ignored for manual workflows")
		}
	}
}

func validateNodeSemantic(n *schema.NodeDefinition, path string, lookup ActionLookup, roots map[string]bool, result *schema.ValidationResult) {
	switch n.Type {
	case schema.NodeTypeAction:
		var cfg schema.ActionConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil {
			return // the graph check reports malformed configs
		}
		if cfg.Action != "" && lookup != nil && !lookup.Has(cfg.Action) {
			result.AddError(path+".config.action", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q not registered", cfg.Action))
		}
		checkPlaceholders(expressions.PlaceholdersDeep(cfg.Payload), path+".config.payload", roots, result)

	case schema.NodeTypeContent:
		var cfg schema.ContentConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil {
			return
		}
		if lookup != nil && !lookup.Has(cfg.ActionType()) {
			result.AddError(path+".config.channel", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("no action %q for content channel", cfg.ActionType()))
		}
		checkPlaceholders(expressions.Placeholders(cfg.Subject), path+".config.subject", roots, result)
		checkPlaceholders(expressions.Placeholders(cfg.Body), path+".config.body", roots, result)
		checkPlaceholders(expressions.PlaceholdersDeep(cfg.Payload), path+".config.payload", roots, result)

	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if err := json.Unmarshal(n.Config, &cfg); err != nil {
			return
		}
		if cfg.Delay != "" {
			if d, err := schema.ParseDuration(cfg.Delay); err == nil && d == 0 {
				result.AddWarning(path+".config.delay", schema.ErrCodeValidation, "zero delay: the wait ends on the next step")
			}
		}
	}
}

// checkPlaceholders warns about placeholders whose first segment is neither
// trigger data nor a node output. Such values must come from the initial
// context, which is unknown at load time.
func checkPlaceholders(paths []string, path string, roots map[string]bool, result *schema.ValidationResult) {
	for _, p := range paths {
		root, _, _ := strings.Cut(p, ".")
		if roots[root] {
			continue
		}
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("placeholder {{%s}} does not reference trigger data or a node output", p))
	}
}

func validateCondition(c schema.Condition, path string, result *schema.ValidationResult) {
	if c.Leaves() == 0 {
		result.AddWarning(path, schema.ErrCodeValidation, "condition has no criteria and never matches")
		return
	}
	walkCriteria(c, func(cr *schema.Criterion) {
		if cr.Field == "" {
			result.AddError(path, schema.ErrCodeDefinition, "criterion has an empty field")
		}
		if !cr.Operator.Known() {
			result.AddError(path, schema.ErrCodeDefinition,
				fmt.Sprintf("unknown operator %q on field %q", cr.Operator, cr.Field))
		}
	})
}

func walkCriteria(c schema.Condition, fn func(*schema.Criterion)) {
	switch n := c.(type) {
	case *schema.All:
		for _, child := range n.Children {
			walkCriteria(child, fn)
		}
	case *schema.Any:
		for _, child := range n.Children {
			walkCriteria(child, fn)
		}
	case *schema.Criterion:
		fn(n)
	}
}

// outputKeyOf returns the explicit output_key of a node config, if any.
func outputKeyOf(n schema.NodeDefinition) string {
	var cfg struct {
		OutputKey string `json:"output_key"`
	}
	if len(n.Config) == 0 {
		return ""
	}
	if err := json.Unmarshal(n.Config, &cfg); err != nil {
		return ""
	}
	return cfg.OutputKey
}
