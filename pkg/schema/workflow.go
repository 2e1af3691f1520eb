package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow graph format.
type WorkflowDefinition struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Version       int              `json:"version,omitempty"`
	TriggerType   TriggerType      `json:"trigger_type"`
	TriggerConfig json.RawMessage  `json:"trigger_config,omitempty"`
	Nodes         []NodeDefinition `json:"nodes"`
	Edges         []EdgeDefinition `json:"edges"`
	Settings      Settings         `json:"settings,omitempty"`
}

// TriggerType enumerates what can start a workflow.
type TriggerType string

const (
	TriggerMetricThreshold TriggerType = "metric_threshold"
	TriggerMetricChange    TriggerType = "metric_change"
	TriggerSurveyResponse  TriggerType = "survey_response"
	TriggerSchedule        TriggerType = "schedule"
	TriggerManual          TriggerType = "manual"
)

// Known reports whether t is one of the supported trigger types.
func (t TriggerType) Known() bool {
	switch t {
	case TriggerMetricThreshold, TriggerMetricChange, TriggerSurveyResponse, TriggerSchedule, TriggerManual:
		return true
	}
	return false
}

// TriggerConfig is the decoded form of WorkflowDefinition.TriggerConfig.
type TriggerConfig struct {
	Cron       string          `json:"cron,omitempty"`        // schedule workflows
	EntityType string          `json:"entity_type,omitempty"` // signal-driven workflows
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Timezone   string          `json:"timezone,omitempty"`
}

// DecodeTriggerConfig parses the trigger config. An empty config decodes to the zero value.
func (d *WorkflowDefinition) DecodeTriggerConfig() (TriggerConfig, error) {
	var tc TriggerConfig
	if len(d.TriggerConfig) == 0 {
		return tc, nil
	}
	if err := json.Unmarshal(d.TriggerConfig, &tc); err != nil {
		return tc, NewErrorf(ErrCodeDefinition, "invalid trigger_config: %s", err.Error()).WithCause(err)
	}
	return tc, nil
}

// NodeType enumerates the closed set of graph node kinds.
type NodeType string

const (
	NodeTypeContent    NodeType = "content"
	NodeTypeAction     NodeType = "action"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeWait       NodeType = "wait"
	NodeTypeCheckpoint NodeType = "checkpoint"
)

// Known reports whether t is one of the supported node types.
func (t NodeType) Known() bool {
	switch t {
	case NodeTypeContent, NodeTypeAction, NodeTypeCondition, NodeTypeWait, NodeTypeCheckpoint:
		return true
	}
	return false
}

// NodeDefinition is a single graph node. Config is decoded according to Type.
type NodeDefinition struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EdgeDefinition connects Source to Target, optionally guarded by a condition
// evaluated against the execution context.
type EdgeDefinition struct {
	ID        string          `json:"id,omitempty"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Default   bool            `json:"default,omitempty"`
	Label     string          `json:"label,omitempty"`
}

// Output key modes.
const (
	OutputKeyNode     = "node"     // merge under node ID unless output_key is set
	OutputKeyExplicit = "explicit" // merge only when output_key is set
)

// DefaultMaxSteps bounds a single execution when Settings.MaxSteps is zero.
const DefaultMaxSteps = 1000

// Settings holds per-workflow behavior knobs.
type Settings struct {
	OutputKeyMode string   `json:"output_key_mode,omitempty"`
	MaxSteps      int      `json:"max_steps,omitempty"`
	Description   string   `json:"description,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// EffectiveMaxSteps returns MaxSteps or DefaultMaxSteps when unset.
func (s Settings) EffectiveMaxSteps() int {
	if s.MaxSteps <= 0 {
		return DefaultMaxSteps
	}
	return s.MaxSteps
}

// ActionConfig is the config block for action nodes.
type ActionConfig struct {
	Action       string `json:"action"`
	Payload      any    `json:"payload,omitempty"`
	OutputKey    string `json:"output_key,omitempty"`
	Await        bool   `json:"await,omitempty"`         // wait for an external callback when dispatch reports pending
	AwaitTimeout string `json:"await_timeout,omitempty"` // optional resume_at for awaited actions
}

// ContentConfig is the config block for content nodes. Content is dispatched
// as action type "content.<channel>".
type ContentConfig struct {
	Channel   string `json:"channel,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
}

// DefaultContentChannel is used when ContentConfig.Channel is empty.
const DefaultContentChannel = "message"

// ActionType returns the dispatcher action type for this content node.
func (c ContentConfig) ActionType() string {
	if c.Channel == "" {
		return "content." + DefaultContentChannel
	}
	return "content." + c.Channel
}

// ConditionConfig is the config block for condition nodes. Routing lives on
// the outgoing edges, so the block only carries an optional output key.
type ConditionConfig struct {
	OutputKey string `json:"output_key,omitempty"`
}

// WaitConfig is the config block for wait nodes. Exactly one of Delay, Until
// or Event must be set.
type WaitConfig struct {
	Delay     string     `json:"delay,omitempty"` // Go duration or "<n>d"
	Until     *time.Time `json:"until,omitempty"`
	Event     string     `json:"event,omitempty"`
	Timeout   string     `json:"timeout,omitempty"` // only with Event
	OutputKey string     `json:"output_key,omitempty"`
}

// CheckpointConfig is the config block for checkpoint nodes.
type CheckpointConfig struct {
	Label     string         `json:"label,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	OutputKey string         `json:"output_key,omitempty"`
}
