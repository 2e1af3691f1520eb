package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"github.com/rendis/pulse/pkg/schema"
)

// celVariables are bound on every evaluation; a missing one is an empty map.
var celVariables = []string{"signals", "previous", "context"}

// celCostLimit bounds the work a single derived-signal program may do.
const celCostLimit = 100_000

// CELEngine evaluates derived signals. Programs see three map(string, dyn)
// variables: signals (the current flattened snapshot), previous (the prior
// snapshot, empty when unknown) and context (caller extras). The strings and
// math extensions are loaded, so math.greatest(...) and "x".lowerAscii()
// are available.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := []cel.EnvOption{ext.Strings(), ext.Math()}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile checks expression and keeps its program, so definitions with a
// broken derived signal are rejected at load time.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = map[string]any{}
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, celError(schema.ErrCodeExecution, "CEL evaluation failed for", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	return e.cache.getOrCompile(expression, func(src string) (cel.Program, error) {
		ast, iss := e.env.Compile(src)
		if err := iss.Err(); err != nil {
			return nil, celError(schema.ErrCodeValidation, "CEL compile error in", src, err)
		}
		prg, err := e.env.Program(ast, cel.CostLimit(celCostLimit))
		if err != nil {
			return nil, celError(schema.ErrCodeValidation, "CEL program error for", src, err)
		}
		return prg, nil
	})
}

func celError(code, what, expression string, cause error) error {
	return schema.NewErrorf(code, "%s %q: %s", what, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*CELEngine)(nil)
