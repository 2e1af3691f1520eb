package expressions

import (
	"context"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/rendis/pulse/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions for the compute action. Besides
// the expr builtins it offers pct(part, total), the percentage of total that
// part represents, which is 0 when total is 0.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

var exprOptions = []expr.Option{
	expr.AllowUndefinedVariables(),
	expr.Function("pct", pct, new(func(any, any) float64)),
}

func pct(args ...any) (any, error) {
	part, err := cast.ToFloat64E(args[0])
	if err != nil {
		return nil, err
	}
	total, err := cast.ToFloat64E(args[1])
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return 0.0, nil
	}
	return part * 100 / total, nil
}

// Evaluate runs expression with each key of data as a variable. Programs are
// compiled untyped so one cached program serves any data shape; unknown
// variables read as nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.cache.getOrCompile(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, exprOptions...)
		if err != nil {
			return nil, exprError(schema.ErrCodeValidation, "expr compile error in", src, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError(schema.ErrCodeExecution, "expr evaluation failed for", expression, err)
	}
	return out, nil
}

// EvaluateAll evaluates each named expression over the same data. Names run
// in sorted order, so the error reported for several bad expressions is
// always the same one.
func (e *ExprEngine) EvaluateAll(ctx context.Context, expressions map[string]string, data map[string]any) (map[string]any, error) {
	names := make([]string, 0, len(expressions))
	for name := range expressions {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(names))
	for _, name := range names {
		v, err := e.Evaluate(ctx, expressions[name], data)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func exprError(code, what, expression string, cause error) error {
	return schema.NewErrorf(code, "%s %q: %s", what, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
