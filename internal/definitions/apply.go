package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// Validator checks a workflow definition. Satisfied by
// *validation.WorkflowValidator.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Validate runs v over every workflow of the bundle and joins the failures.
func (b *Bundle) Validate(v Validator) error {
	if v == nil {
		return nil
	}
	var errs []error
	for _, def := range b.Workflows {
		if err := v.ValidateDefinition(def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Sources[KindWorkflow+":"+def.ID], err))
		}
	}
	return errors.Join(errs...)
}

// ApplyResult counts what Apply stored.
type ApplyResult struct {
	Workflows int
	Rules     int
	Unchanged int // workflows identical to the stored version
}

// Apply validates the bundle's workflows and stores workflows and rules.
// Nothing is stored when validation fails. A rule that already exists keeps
// its stored Enabled flag, so operators can switch rules off without editing
// the files.
func Apply(ctx context.Context, st store.Store, b *Bundle, v Validator, logger *slog.Logger) (ApplyResult, error) {
	var res ApplyResult
	if logger == nil {
		logger = slog.Default()
	}
	if err := b.Validate(v); err != nil {
		return res, err
	}

	for _, def := range b.Workflows {
		wf := &store.Workflow{
			ID:          def.ID,
			Name:        def.Name,
			Version:     def.Version,
			TriggerType: def.TriggerType,
			Definition:  *def,
			Enabled:     true,
		}
		if prev, err := st.GetWorkflow(ctx, def.ID); err == nil {
			if sameDefinition(&prev.Definition, def) {
				res.Unchanged++
				continue
			}
			wf.Enabled = prev.Enabled
			if wf.Version <= prev.Version {
				wf.Version = prev.Version + 1
			}
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return res, err
		}
		if err := st.SaveWorkflow(ctx, wf); err != nil {
			return res, fmt.Errorf("save workflow %s: %w", def.ID, err)
		}
		res.Workflows++
		logger.Debug("workflow stored", slog.String("workflow_id", wf.ID), slog.Int("version", wf.Version))
	}

	for _, r := range b.Rules {
		rec, err := r.Record()
		if err != nil {
			return res, fmt.Errorf("encode rule %s: %w", r.ID, err)
		}
		if prev, err := st.GetRule(ctx, r.ID); err == nil {
			rec.Enabled = prev.Enabled
		} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return res, err
		}
		if err := st.SaveRule(ctx, rec); err != nil {
			return res, fmt.Errorf("save rule %s: %w", r.ID, err)
		}
		res.Rules++
		logger.Debug("rule stored", slog.String("rule_id", rec.ID), slog.String("entity_type", rec.EntityType))
	}

	logger.Info("definitions applied",
		slog.Int("workflows", res.Workflows), slog.Int("unchanged", res.Unchanged), slog.Int("rules", res.Rules))
	return res, nil
}

func sameDefinition(a, b *schema.WorkflowDefinition) bool {
	x, errX := json.Marshal(a)
	y, errY := json.Marshal(b)
	return errX == nil && errY == nil && bytes.Equal(x, y)
}
