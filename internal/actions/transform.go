package actions

import (
	"context"

	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/pkg/schema"
)

// TransformActions returns the jq-based transform action.
func TransformActions() []Action {
	return []Action{
		&transformAction{engine: expressions.NewGoJQEngine()},
	}
}

// --- transform ---

// transformAction runs a jq "query" over "input", or over the execution
// context when no input is given. Entries of "vars" are bound as jq
// variables. Output is {"result": v}.
type transformAction struct {
	engine *expressions.GoJQEngine
}

func (a *transformAction) Name() string { return "transform" }

func (a *transformAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Reshape data with a jq query",
	}
}

func (a *transformAction) Validate(input map[string]any) error {
	if stringParam(input, "query", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform requires non-empty 'query' string parameter")
	}
	return nil
}

func (a *transformAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	query := stringParam(input.Params, "query", "")

	var data map[string]any
	switch in := input.Params["input"].(type) {
	case map[string]any:
		data = in
	case nil:
		data = input.Context
	default:
		data = map[string]any{"input": in}
	}
	if data == nil {
		data = map[string]any{}
	}

	result, err := a.engine.EvaluateWith(ctx, query, data, mapParam(input.Params, "vars"))
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"result": result}}, nil
}
