package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// GetWorkflowVersion returns the definition as saved under version. Saved
	// versions are kept after the workflow moves on or is deleted.
	GetWorkflowVersion(ctx context.Context, id string, version int) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions. UpdateExecution succeeds only when exec.Version matches the
	// stored version; it then bumps Version and UpdatedAt on exec.
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// ListDueExecutions returns pending and running executions plus waiting
	// ones whose resume_at is at or before now, oldest first.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]*Execution, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Rules
	SaveRule(ctx context.Context, rule *RuleRecord) error
	GetRule(ctx context.Context, id string) (*RuleRecord, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*RuleRecord, error)
	DeleteRule(ctx context.Context, id string) error

	// Cooldown bookkeeping per (rule, entity). ClaimRuleFire records a fire at
	// now iff no fire was recorded within cooldown before now, atomically.
	// ReleaseRuleFire undoes a claim whose side effect failed: it restores
	// previous (nil removes the record) only while firedAt is still the
	// recorded fire, and reports whether it did.
	GetLastFired(ctx context.Context, ruleID, entityID string) (*time.Time, error)
	ClaimRuleFire(ctx context.Context, ruleID, entityID string, now time.Time, cooldown time.Duration) (bool, error)
	ReleaseRuleFire(ctx context.Context, ruleID, entityID string, firedAt time.Time, previous *time.Time) (bool, error)

	// Schedules
	UpsertSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
