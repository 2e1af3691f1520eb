package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Condition is a node of a boolean condition tree. The set of implementations
// is closed: *All, *Any and *Criterion.
type Condition interface {
	isCondition()
	// Leaves returns the number of Criterion leaves under this node.
	Leaves() int
}

// All is true iff every child is true. An empty All is false.
type All struct {
	Children []Condition
}

// Any is true iff at least one child is true. An empty Any is false.
type Any struct {
	Children []Condition
}

// Criterion compares the signal at Field with Value using Operator.
type Criterion struct {
	Field    string
	Operator Operator
	Value    any
}

func (*All) isCondition()       {}
func (*Any) isCondition()       {}
func (*Criterion) isCondition() {}

func (a *All) Leaves() int     { return countLeaves(a.Children) }
func (a *Any) Leaves() int     { return countLeaves(a.Children) }
func (*Criterion) Leaves() int { return 1 }

func countLeaves(children []Condition) int {
	n := 0
	for _, c := range children {
		if c != nil {
			n += c.Leaves()
		}
	}
	return n
}

// Operator names a Criterion comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpContainsAny        Operator = "contains_any"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
	OpChangedTo          Operator = "changed_to"
	OpChangedFrom        Operator = "changed_from"
	OpBetween            Operator = "between"
)

var operatorAliases = map[string]Operator{
	"eq":                     OpEquals,
	"==":                     OpEquals,
	"neq":                    OpNotEquals,
	"!=":                     OpNotEquals,
	"gt":                     OpGreaterThan,
	">":                      OpGreaterThan,
	"lt":                     OpLessThan,
	"<":                      OpLessThan,
	"gte":                    OpGreaterThanOrEqual,
	">=":                     OpGreaterThanOrEqual,
	"greater_than_or_equals": OpGreaterThanOrEqual,
	"lte":                    OpLessThanOrEqual,
	"<=":                     OpLessThanOrEqual,
	"less_than_or_equals":    OpLessThanOrEqual,
}

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterThanOrEqual: true, OpLessThanOrEqual: true, OpContains: true,
	OpContainsAny: true, OpIn: true, OpNotIn: true, OpIsEmpty: true,
	OpIsNotEmpty: true, OpChangedTo: true, OpChangedFrom: true, OpBetween: true,
}

// NormalizeOperator maps aliases ("gte", ">=", "greater_than_or_equals") to
// their canonical operator. Unknown names are returned lower-cased and unchanged.
func NormalizeOperator(op string) Operator {
	key := strings.ToLower(strings.TrimSpace(op))
	if canonical, ok := operatorAliases[key]; ok {
		return canonical
	}
	return Operator(key)
}

// Known reports whether op is one of the canonical operators.
func (op Operator) Known() bool {
	return knownOperators[op]
}

// conditionWire is the union of every accepted JSON shape.
type conditionWire struct {
	All        []json.RawMessage `json:"all,omitempty"`
	Any        []json.RawMessage `json:"any,omitempty"`
	Type       string            `json:"type,omitempty"`
	Conditions []json.RawMessage `json:"conditions,omitempty"`
	Field      string            `json:"field,omitempty"`
	Operator   string            `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
}

// ParseCondition decodes a condition tree from JSON. Accepted shapes:
//
//	{"all": [...]} | {"any": [...]}
//	{"type": "all"|"any", "conditions": [...]}
//	{"field": "...", "operator": "...", "value": ...}
//	[...]  (read as all)
//
// Empty input or null returns (nil, nil).
func ParseCondition(raw json.RawMessage) (Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, NewErrorf(ErrCodeDefinition, "invalid condition list: %s", err.Error()).WithCause(err)
		}
		children, err := parseChildren(items)
		if err != nil {
			return nil, err
		}
		return &All{Children: children}, nil
	}

	var w conditionWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, NewErrorf(ErrCodeDefinition, "invalid condition: %s", err.Error()).WithCause(err)
	}

	switch {
	case w.All != nil:
		children, err := parseChildren(w.All)
		if err != nil {
			return nil, err
		}
		return &All{Children: children}, nil
	case w.Any != nil:
		children, err := parseChildren(w.Any)
		if err != nil {
			return nil, err
		}
		return &Any{Children: children}, nil
	case w.Type != "":
		children, err := parseChildren(w.Conditions)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(w.Type) {
		case "all", "and":
			return &All{Children: children}, nil
		case "any", "or":
			return &Any{Children: children}, nil
		default:
			return nil, NewErrorf(ErrCodeDefinition, "unknown condition group type %q", w.Type)
		}
	case w.Field != "" || w.Operator != "":
		return &Criterion{
			Field:    w.Field,
			Operator: NormalizeOperator(w.Operator),
			Value:    w.Value,
		}, nil
	default:
		// An object with none of the known keys is an empty group.
		return &All{}, nil
	}
}

func parseChildren(items []json.RawMessage) ([]Condition, error) {
	children := make([]Condition, 0, len(items))
	for i, item := range items {
		c, err := ParseCondition(item)
		if err != nil {
			return nil, fmt.Errorf("condition[%d]: %w", i, err)
		}
		if c != nil {
			children = append(children, c)
		}
	}
	return children, nil
}

// MarshalCondition encodes a condition tree using the {"all"}/{"any"}/criterion shapes.
func MarshalCondition(c Condition) (json.RawMessage, error) {
	if c == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(conditionToWire(c))
}

func conditionToWire(c Condition) any {
	switch n := c.(type) {
	case *All:
		return map[string]any{"all": childrenToWire(n.Children)}
	case *Any:
		return map[string]any{"any": childrenToWire(n.Children)}
	case *Criterion:
		return map[string]any{"field": n.Field, "operator": string(n.Operator), "value": n.Value}
	default:
		return nil
	}
}

func childrenToWire(children []Condition) []any {
	out := make([]any, 0, len(children))
	for _, c := range children {
		out = append(out, conditionToWire(c))
	}
	return out
}

// ConditionJSON adapts a Condition to encoding/json for use as a struct field.
type ConditionJSON struct {
	Condition Condition
}

func (c ConditionJSON) MarshalJSON() ([]byte, error) {
	return MarshalCondition(c.Condition)
}

func (c *ConditionJSON) UnmarshalJSON(data []byte) error {
	parsed, err := ParseCondition(data)
	if err != nil {
		return err
	}
	c.Condition = parsed
	return nil
}
