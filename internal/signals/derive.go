package signals

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/pulse/internal/expressions"
)

// Derived declares a signal computed from other signals by a CEL expression.
// The expression sees "signals" (the flat map) and "previous".
type Derived struct {
	Name       string `json:"name" validate:"required"`
	Expression string `json:"expression" validate:"required"`
}

// Deriver evaluates derived signals with a shared CEL engine.
type Deriver struct {
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewDeriver creates a Deriver with its own compiled-program cache.
func NewDeriver(logger *slog.Logger) (*Deriver, error) {
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deriver{cel: engine, logger: logger}, nil
}

// Check compiles every expression and reports the first invalid one.
func (d *Deriver) Check(derived []Derived) error {
	for _, ds := range derived {
		if ds.Name == "" {
			return fmt.Errorf("derived signal without name")
		}
		if err := d.cel.Compile(ds.Expression); err != nil {
			return fmt.Errorf("derived signal %q: %w", ds.Name, err)
		}
	}
	return nil
}

// Apply returns a copy of sig with derived values added in declaration order,
// so later expressions may read earlier results. A derivation that fails is
// logged and omitted. previous may be nil.
func (d *Deriver) Apply(ctx context.Context, sig, previous Map, derived []Derived) Map {
	if len(derived) == 0 {
		return sig
	}

	out := sig.Clone()
	if out == nil {
		out = Map{}
	}
	prev := map[string]any(previous)
	if prev == nil {
		prev = map[string]any{}
	}

	for _, ds := range derived {
		val, err := d.cel.Evaluate(ctx, ds.Expression, map[string]any{
			"signals":  map[string]any(out),
			"previous": prev,
		})
		if err != nil {
			d.logger.Debug("derived signal skipped", "signal", ds.Name, "error", err)
			continue
		}
		out[ds.Name] = val
	}
	return out
}
