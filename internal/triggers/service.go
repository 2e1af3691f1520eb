// Package triggers turns signal changes into work: it evaluates trigger
// rules, starts the workflows or dispatches the actions of fired rules, and
// starts signal-triggered workflows whose conditions match.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/pulse/internal/actions"
	"github.com/rendis/pulse/internal/conditions"
	"github.com/rendis/pulse/internal/engine"
	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/rules"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/telemetry"
	"github.com/rendis/pulse/pkg/schema"
)

// Starter creates executions. *engine.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Execution, error)
}

// WorkflowSource lists workflow definitions. store.Store satisfies it.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
}

// Config wires a Service.
type Config struct {
	Rules      *rules.Registry
	Engine     Starter
	Dispatcher actions.Dispatcher
	Workflows  WorkflowSource
	// Source fills in the snapshot of changes that carry no signals.
	Source signals.Source
	Tracer trace.Tracer
	Logger *slog.Logger
	Now    func() time.Time
}

// Service is the glue between signal changes, rules and the engine.
type Service struct {
	rules      *rules.Registry
	engine     Starter
	dispatcher actions.Dispatcher
	workflows  WorkflowSource
	source     signals.Source
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	conds      *gocache.Cache
}

// New creates a Service. Rules, Engine and Workflows are required.
func New(cfg Config) (*Service, error) {
	if cfg.Rules == nil || cfg.Engine == nil || cfg.Workflows == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger service requires rules, engine and workflows")
	}
	s := &Service{
		rules:      cfg.Rules,
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		workflows:  cfg.Workflows,
		source:     cfg.Source,
		tracer:     telemetry.TracerOrNoop(cfg.Tracer),
		logger:     cfg.Logger,
		now:        cfg.Now,
		conds:      gocache.New(10*time.Minute, 20*time.Minute),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Report summarises what one signal change caused.
type Report struct {
	Outcomes   []rules.Outcome
	Started    []*store.Execution
	Dispatched []string
	Errors     []error
}

// Err joins the errors of the report.
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}

// HandleChange processes a change and returns the joined errors of its
// effects. It lets the Service serve as an ingest handler.
func (s *Service) HandleChange(ctx context.Context, change *signals.Change) error {
	report, err := s.Process(ctx, change)
	if err != nil {
		return err
	}
	return report.Err()
}

// Process evaluates the rules of the change's entity type, then the
// workflows triggered by its kind. A failing effect does not stop the
// others; every failure is collected in the report.
func (s *Service) Process(ctx context.Context, change *signals.Change) (*Report, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartSpan(ctx, s.tracer, "triggers.process",
		attribute.String(telemetry.EntityTypeKey, change.EntityType),
		attribute.String(telemetry.EntityIDKey, change.EntityID))
	defer span.End()

	now := change.At
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	sig, err := s.snapshot(ctx, change)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	previous := change.Before()

	outcomes, err := s.rules.Evaluate(ctx, rules.Evaluation{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		Signals:    sig,
		Previous:   previous,
		Now:        now,
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}

	report := &Report{Outcomes: outcomes}
	for _, out := range outcomes {
		if out.Err != nil {
			report.Errors = append(report.Errors, out.Err)
		}
		if !out.Fired() {
			continue
		}
		if err := s.fire(ctx, change, out, report); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("rule %s: %w", out.Rule.ID, err))
			// Without an execution or dispatch the fire never happened.
			if rerr := s.rules.ReleaseFire(ctx, out); rerr != nil {
				report.Errors = append(report.Errors, rerr)
			}
		}
	}

	if change.Kind != "" {
		s.matchWorkflows(ctx, change, sig, previous, now, report)
	}

	span.SetAttributes(attribute.Int("pulse.executions.started", len(report.Started)))
	if err := report.Err(); err != nil {
		telemetry.SetError(span, err)
	}
	return report, nil
}

func (s *Service) snapshot(ctx context.Context, change *signals.Change) (signals.Map, error) {
	if len(change.Signals) > 0 || s.source == nil {
		return change.Current(), nil
	}
	sig, err := s.source.Snapshot(ctx, change.EntityType, change.EntityID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "snapshot %s %s: %s",
			change.EntityType, change.EntityID, err.Error()).WithCause(err)
	}
	return sig, nil
}

// fire performs the output of a fired rule.
func (s *Service) fire(ctx context.Context, change *signals.Change, out rules.Outcome, report *Report) error {
	rule := out.Rule
	ctx = logging.WithRuleID(ctx, rule.ID)
	log := logging.LogWith(ctx, s.logger)
	scope := ruleScope(change, out)

	switch rule.Output.Type {
	case rules.OutputStartWorkflow:
		initial := copyMap(out.Signals)
		if extra, ok := expressions.RenderDeep(rule.Output.Payload, scope).(map[string]any); ok {
			for k, v := range extra {
				initial[k] = v
			}
		}
		exec, err := s.engine.Start(ctx, engine.StartRequest{
			WorkflowID:  rule.Output.WorkflowID,
			TriggerData: ruleTriggerData(change, out),
			Context:     initial,
			EntityID:    change.EntityID,
			RuleID:      rule.ID,
		})
		if err != nil {
			log.Error("rule failed to start workflow",
				slog.String("workflow_id", rule.Output.WorkflowID), slog.String("error", err.Error()))
			return err
		}
		log.Info("rule started workflow",
			slog.String("workflow_id", rule.Output.WorkflowID), slog.String("execution_id", exec.ID))
		report.Started = append(report.Started, exec)

	case rules.OutputDispatch:
		if s.dispatcher == nil {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable, "no dispatcher for %q", rule.Output.Action)
		}
		payload, _ := expressions.RenderDeep(rule.Output.Payload, scope).(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}
		res, err := s.dispatcher.Dispatch(ctx, rule.Output.Action, payload)
		if err == nil && !res.Success {
			err = schema.NewErrorf(schema.ErrCodeDispatchFailed, "%s failed: %s", rule.Output.Action, res.Error)
		}
		if err != nil {
			log.Error("rule dispatch failed", slog.String("action", rule.Output.Action), slog.String("error", err.Error()))
			return err
		}
		report.Dispatched = append(report.Dispatched, rule.Output.Action)
	}
	return nil
}

// matchWorkflows starts every enabled workflow triggered by the change's
// kind whose entity type and trigger conditions match.
func (s *Service) matchWorkflows(ctx context.Context, change *signals.Change, sig, previous signals.Map, now time.Time, report *Report) {
	enabled := true
	wfs, err := s.workflows.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: change.Kind, Enabled: &enabled})
	if err != nil {
		report.Errors = append(report.Errors, schema.NewError(schema.ErrCodeStore, "list workflows").WithCause(err))
		return
	}

	for _, wf := range wfs {
		log := s.logger.With(slog.String("workflow_id", wf.ID))
		match, err := s.matches(wf, change.EntityType, sig, previous)
		if err != nil {
			log.Warn("skipping workflow with a bad trigger config", slog.String("error", err.Error()))
			continue
		}
		if !match {
			continue
		}

		exec, err := s.engine.Start(ctx, engine.StartRequest{
			WorkflowID: wf.ID,
			TriggerData: map[string]any{
				"kind":         string(change.Kind),
				"entity_type":  change.EntityType,
				"entity_id":    change.EntityID,
				"signals":      map[string]any(sig),
				"triggered_at": now.Format(time.RFC3339),
			},
			Context:  map[string]any(sig.Clone()),
			EntityID: change.EntityID,
		})
		if err != nil {
			log.Error("signal-triggered workflow failed to start", slog.String("error", err.Error()))
			report.Errors = append(report.Errors, fmt.Errorf("workflow %s: %w", wf.ID, err))
			continue
		}
		log.Info("signal-triggered workflow started", slog.String("execution_id", exec.ID))
		report.Started = append(report.Started, exec)
	}
}

type triggerMatcher struct {
	entityType string
	cond       schema.Condition
}

func (s *Service) matches(wf *store.Workflow, entityType string, sig, previous signals.Map) (bool, error) {
	key := fmt.Sprintf("%s@%d@%d", wf.ID, wf.Version, wf.UpdatedAt.UnixNano())
	var m *triggerMatcher
	if cached, ok := s.conds.Get(key); ok {
		m = cached.(*triggerMatcher)
	} else {
		tc, err := wf.Definition.DecodeTriggerConfig()
		if err != nil {
			return false, err
		}
		cond, err := schema.ParseCondition(tc.Conditions)
		if err != nil {
			return false, err
		}
		m = &triggerMatcher{entityType: tc.EntityType, cond: cond}
		s.conds.SetDefault(key, m)
	}

	if m.entityType != "" && m.entityType != entityType {
		return false, nil
	}
	// No conditions: every change of the kind starts the workflow.
	if m.cond == nil {
		return true, nil
	}
	return conditions.EvaluateWithPrevious(m.cond, sig, previous), nil
}

// ManualRequest starts a manual workflow.
type ManualRequest struct {
	WorkflowID string
	Data       map[string]any
	Context    map[string]any
	EntityID   string
}

// StartManual starts a workflow whose trigger type is manual. Workflows with
// any other trigger type are rejected.
func (s *Service) StartManual(ctx context.Context, req ManualRequest) (*store.Execution, error) {
	wf, err := s.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.TriggerType != schema.TriggerManual {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q is triggered by %s, not manually", wf.ID, wf.TriggerType)
	}
	return s.engine.Start(ctx, engine.StartRequest{
		WorkflowID:  wf.ID,
		TriggerData: req.Data,
		Context:     req.Context,
		EntityID:    req.EntityID,
	})
}

func ruleTriggerData(change *signals.Change, out rules.Outcome) map[string]any {
	data := map[string]any{
		"rule_id":     out.Rule.ID,
		"rule_name":   out.Rule.Name,
		"entity_type": change.EntityType,
		"entity_id":   change.EntityID,
		"signals":     map[string]any(out.Signals),
		"fired_at":    out.At.Format(time.RFC3339),
	}
	if change.Kind != "" {
		data["kind"] = string(change.Kind)
	}
	return data
}

// ruleScope is what rule payload templates render against: the signal
// snapshot plus the entity and rule identifiers.
func ruleScope(change *signals.Change, out rules.Outcome) map[string]any {
	scope := copyMap(out.Signals)
	scope["entity_type"] = change.EntityType
	scope["entity_id"] = change.EntityID
	scope["rule_id"] = out.Rule.ID
	return scope
}

func copyMap(sig signals.Map) map[string]any {
	out := make(map[string]any, len(sig)+3)
	for k, v := range sig {
		out[k] = v
	}
	return out
}
