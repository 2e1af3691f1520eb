package actions

import (
	"context"
	"encoding/json"
)

// Action is one dispatchable action type.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(input map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// Dispatcher runs an action by type with an already rendered payload. A
// returned error means the action could not be dispatched at all; failures of
// the action itself come back as a Result with Success false.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionType string, payload map[string]any) (*Result, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, actionType string, payload map[string]any) (*Result, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, actionType string, payload map[string]any) (*Result, error) {
	return f(ctx, actionType, payload)
}

// Result is the outcome of a dispatch. Pending means the target accepted the
// request and will report back later through a resume.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// ActionSchema describes the input/output contract of an action.
type ActionSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. Context
// is the execution context the payload was rendered from, when known.
type ActionInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data    any  `json:"data,omitempty"`
	Pending bool `json:"pending,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type scopeKey struct{}

// WithScope attaches the execution context to ctx so actions that compute
// over it (compute, transform) can read it.
func WithScope(ctx context.Context, scope map[string]any) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the execution context attached by WithScope, or nil.
func ScopeFrom(ctx context.Context) map[string]any {
	v, _ := ctx.Value(scopeKey{}).(map[string]any)
	return v
}
