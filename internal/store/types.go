package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// Workflow is a stored workflow definition.
type Workflow struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Version     int                       `json:"version"`
	TriggerType schema.TriggerType        `json:"trigger_type"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Enabled     bool                      `json:"enabled"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is one durable, resumable walk of a workflow graph.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          schema.ExecutionStatus `json:"status"`
	CurrentNodeID   string                 `json:"current_node_id,omitempty"`
	Context         map[string]any         `json:"context"`
	NodeResults     map[string]*NodeResult `json:"node_results"`
	TriggerData     map[string]any         `json:"trigger_data,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	ResumeAt        *time.Time             `json:"resume_at,omitempty"`
	ResumeData      *ResumeData            `json:"resume_data,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	EntityID        string                 `json:"entity_id,omitempty"`
	RuleID          string                 `json:"rule_id,omitempty"`
	StepCount       int                    `json:"step_count"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// NodeResult is the recorded outcome of the latest visit to a node.
type NodeResult struct {
	NodeID      string                  `json:"node_id"`
	Status      schema.NodeResultStatus `json:"status"`
	Output      any                     `json:"output,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Attempt     int                     `json:"attempt"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Rendered    any                     `json:"rendered,omitempty"`
}

// ResumeData identifies what a waiting execution is waiting for.
type ResumeData struct {
	Token  string `json:"token,omitempty"`
	NodeID string `json:"node_id"`
	Event  string `json:"event,omitempty"`
}

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// RuleRecord is a stored trigger rule. Definition holds the rule document.
type RuleRecord struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Name       string          `json:"name,omitempty"`
	Definition json.RawMessage `json:"definition"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Schedule is a cron entry that starts a schedule-triggered workflow.
type Schedule struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone,omitempty"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Statuses      []schema.ExecutionStatus `json:"statuses,omitempty"`
	WorkflowID    string                   `json:"workflow_id,omitempty"`
	EntityID      string                   `json:"entity_id,omitempty"`
	RuleID        string                   `json:"rule_id,omitempty"`
	Since         *time.Time               `json:"since,omitempty"`
	UpdatedBefore *time.Time               `json:"updated_before,omitempty"`
	Limit         int                      `json:"limit,omitempty"`
	Offset        int                      `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// RuleFilter specifies criteria for listing rules.
type RuleFilter struct {
	EntityType string `json:"entity_type,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
