package actions

import (
	"context"

	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/pkg/schema"
)

// ExprActions returns the expression evaluation actions.
func ExprActions() []Action {
	return []Action{
		&computeAction{engine: expressions.NewExprEngine()},
	}
}

// --- compute ---

// computeAction evaluates Expr expressions over the execution context. It
// takes either one "expression" (output {"result": v}) or an "expressions"
// object of name -> expression (output {name: v, ...}).
type computeAction struct {
	engine *expressions.ExprEngine
}

func (a *computeAction) Name() string { return "compute" }

func (a *computeAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate Expr expressions against the execution context or explicit data",
	}
}

func (a *computeAction) Validate(input map[string]any) error {
	if expr, ok := input["expression"].(string); ok && expr != "" {
		return nil
	}
	if exprs, ok := input["expressions"].(map[string]any); ok && len(exprs) > 0 {
		for name, v := range exprs {
			if s, ok := v.(string); !ok || s == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "compute: expression %q must be a non-empty string", name)
			}
		}
		return nil
	}
	return schema.NewError(schema.ErrCodeValidation, "compute requires 'expression' or 'expressions'")
}

func (a *computeAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	scope := make(map[string]any, len(input.Context)+1)
	for k, v := range input.Context {
		scope[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	if expression, ok := input.Params["expression"].(string); ok && expression != "" {
		result, err := a.engine.Evaluate(ctx, expression, scope)
		if err != nil {
			return nil, err
		}
		return &ActionOutput{Data: map[string]any{"result": result}}, nil
	}

	raw, _ := input.Params["expressions"].(map[string]any)
	exprs := make(map[string]string, len(raw))
	for name, v := range raw {
		exprs[name], _ = v.(string)
	}
	results, err := a.engine.EvaluateAll(ctx, exprs, scope)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: results}, nil
}
