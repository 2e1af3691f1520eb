// Package conditions evaluates boolean condition trees against signal maps.
// Evaluation is total: malformed leaves and unknown operators yield false.
package conditions

import (
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/pkg/schema"
)

// Operand carries everything an operator may look at for one criterion.
type Operand struct {
	Actual   any  // value at the criterion field, nil when absent
	Present  bool // field found in the signal map
	Expected any  // criterion value

	Previous      any  // value at the field in the previous snapshot
	HasPrevious   bool // field found in the previous snapshot
	PreviousKnown bool // a previous snapshot was supplied at all
}

// OperatorFunc decides a criterion. It must not panic.
type OperatorFunc func(Operand) bool

// Evaluator evaluates condition trees with a fixed operator table.
type Evaluator struct {
	operators map[schema.Operator]OperatorFunc
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithOperator registers or replaces an operator.
func WithOperator(op schema.Operator, fn OperatorFunc) Option {
	return func(e *Evaluator) {
		e.operators[op] = fn
	}
}

// NewEvaluator returns an evaluator with the builtin operator table.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{operators: builtinOperators()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate reports whether tree holds for sig. Nil and leafless trees are false.
func Evaluate(tree schema.Condition, sig signals.Map) bool {
	return defaultEvaluator.EvaluateWithPrevious(tree, sig, nil)
}

// EvaluateWithPrevious is Evaluate with a previous snapshot for the
// changed_to and changed_from operators. previous may be nil.
func EvaluateWithPrevious(tree schema.Condition, sig, previous signals.Map) bool {
	return defaultEvaluator.EvaluateWithPrevious(tree, sig, previous)
}

// Evaluate reports whether tree holds for sig.
func (e *Evaluator) Evaluate(tree schema.Condition, sig signals.Map) bool {
	return e.EvaluateWithPrevious(tree, sig, nil)
}

// EvaluateWithPrevious reports whether tree holds for sig given previous.
func (e *Evaluator) EvaluateWithPrevious(tree schema.Condition, sig, previous signals.Map) bool {
	if tree == nil {
		return false
	}
	return e.eval(tree, sig, previous)
}

func (e *Evaluator) eval(node schema.Condition, sig, previous signals.Map) bool {
	switch n := node.(type) {
	case *schema.All:
		if n == nil || len(n.Children) == 0 {
			return false
		}
		for _, child := range n.Children {
			if child == nil || !e.eval(child, sig, previous) {
				return false
			}
		}
		return true
	case *schema.Any:
		if n == nil {
			return false
		}
		for _, child := range n.Children {
			if child != nil && e.eval(child, sig, previous) {
				return true
			}
		}
		return false
	case *schema.Criterion:
		if n == nil {
			return false
		}
		return e.evalCriterion(n, sig, previous)
	default:
		return false
	}
}

func (e *Evaluator) evalCriterion(c *schema.Criterion, sig, previous signals.Map) bool {
	if c.Field == "" {
		return false
	}
	fn, ok := e.operators[c.Operator]
	if !ok {
		// Criteria built in code may carry an alias.
		fn, ok = e.operators[schema.NormalizeOperator(string(c.Operator))]
		if !ok {
			return false
		}
	}

	op := Operand{Expected: c.Value, PreviousKnown: previous != nil}
	op.Actual, op.Present = sig.Lookup(c.Field)
	if previous != nil {
		op.Previous, op.HasPrevious = previous.Lookup(c.Field)
	}
	return fn(op)
}
