package schema

// Event type constants for the execution event log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionWaiting   = "execution_waiting"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventConditionEvaluated = "condition_evaluated"
	EventActionDispatched   = "action_dispatched"
	EventWaitStarted        = "wait_started"
	EventWaitCompleted      = "wait_completed"

	EventRuleFired      = "rule_fired"
	EventRuleSuppressed = "rule_suppressed"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no transition can leave s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeResultStatus is the outcome recorded for a single node visit.
type NodeResultStatus string

const (
	NodeResultCompleted NodeResultStatus = "completed"
	NodeResultFailed    NodeResultStatus = "failed"
	NodeResultWaiting   NodeResultStatus = "waiting"
)
