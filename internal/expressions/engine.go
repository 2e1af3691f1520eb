package expressions

import (
	"context"
	"sync"
)

// Engine evaluates an expression against a data map.
// CEL derives signals, Expr computes values and GoJQ reshapes payloads.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache holds compiled programs keyed by source text. Reads take the
// shared lock; a miss compiles under the write lock after a second check.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

func (c *programCache[P]) getOrCompile(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if prg, ok := c.programs[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}

	prg, err := compile(expression)
	if err != nil {
		var zero P
		return zero, err
	}
	c.programs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
