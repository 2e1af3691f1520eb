package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/rendis/pulse/pkg/schema"
)

// GoJQEngine runs jq programs for the transform action. Programs are cached
// per source text and variable set; $ENV is always empty.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output of the program, nil when it emits
// nothing and a []any when it emits more than one value.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.EvaluateWith(ctx, expression, data, nil)
}

// EvaluateWith is Evaluate with named jq variables; vars["limit"] is read as
// $limit inside the program.
func (e *GoJQEngine) EvaluateWith(ctx context.Context, expression string, data, vars map[string]any) (any, error) {
	out, err := e.run(ctx, expression, data, vars)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// EvaluateAll returns every output of the program.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	return e.run(ctx, expression, data, nil)
}

func (e *GoJQEngine) run(ctx context.Context, expression string, data, vars map[string]any) ([]any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = jqValue(vars[n])
		names[i] = "$" + n
	}

	key := expression
	if len(names) > 0 {
		key = strings.Join(names, ",") + "\x00" + expression
	}
	code, err := e.cache.getOrCompile(key, func(string) (*gojq.Code, error) {
		return compileJQ(expression, names)
	})
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, jqValue(data), values...)
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, failed := v.(error); failed {
			return nil, jqError(schema.ErrCodeExecution, "jq evaluation failed", expression, err)
		}
		out = append(out, v)
	}
}

func compileJQ(expression string, vars []string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqError(schema.ErrCodeValidation, "jq parse error", expression, err)
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
		gojq.WithVariables(vars),
	)
	if err != nil {
		return nil, jqError(schema.ErrCodeValidation, "jq compile error", expression, err)
	}
	return code, nil
}

func jqError(code, what, expression string, cause error) error {
	return schema.NewErrorf(code, "%s in %q: %s", what, expression, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": expression})
}

// jqValue rewrites Go numbers into float64; gojq rejects int64, int32 and
// float32 and would treat a plain int differently from decoded JSON.
func jqValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, item := range t {
			m[k] = jqValue(item)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, item := range t {
			s[i] = jqValue(item)
		}
		return s
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
