package engine

import (
	"sync"

	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution state transitions against
// ValidTransitions and runs registered hooks. The caller persists the new
// state and then records the returned event.
type ExecutionFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM without hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts
// the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves exec to the given status and returns the event type to
// record for it.
func (f *ExecutionFSM) Transition(exec *store.Execution, to schema.ExecutionStatus) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := exec.Status
	if !IsValidTransition(from, to) {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return "", err
		}
	}

	exec.Status = to

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return "", err
		}
	}
	return transitionEventType(from, to), nil
}

// IsValidTransition reports whether ValidTransitions allows from -> to.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionWaiting {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionWaiting:
		return schema.EventExecutionWaiting
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// ValidTransitions defines the allowed execution state transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionWaiting, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionWaiting:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}
