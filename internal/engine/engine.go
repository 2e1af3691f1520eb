package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/pulse/internal/actions"
	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/internal/lease"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/telemetry"
	"github.com/rendis/pulse/pkg/schema"
)

// DefinitionValidator checks a workflow definition before its first
// execution. Satisfied by *validation.WorkflowValidator.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Config holds engine dependencies. Store and Dispatcher are required.
type Config struct {
	Store      store.Store
	Dispatcher actions.Dispatcher
	Events     *store.EventLog // defaults to an EventLog over Store
	Leases     lease.Table     // defaults to an in-memory table
	Validator  DefinitionValidator
	Tracer     trace.Tracer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
	Owner      string // lease owner prefix; defaults to a random ID
	LeaseTTL   time.Duration
	GraphTTL   time.Duration // parsed graph cache lifetime
}

// Engine drives executions through their workflow graphs one node per Step.
type Engine struct {
	store      store.Store
	events     *store.EventLog
	dispatcher actions.Dispatcher
	leases     lease.Table
	validator  DefinitionValidator
	fsm        *ExecutionFSM
	graphs     *graphCache
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	owner      string
	leaseTTL   time.Duration
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Events == nil {
		cfg.Events = store.NewEventLog(cfg.Store, store.WithEventLogger(cfg.Logger), store.WithEventClock(cfg.Now))
	}
	if cfg.Leases == nil {
		cfg.Leases = lease.NewMemoryTable(time.Minute)
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}

	return &Engine{
		store:      cfg.Store,
		events:     cfg.Events,
		dispatcher: cfg.Dispatcher,
		leases:     cfg.Leases,
		validator:  cfg.Validator,
		fsm:        NewExecutionFSM(),
		graphs:     newGraphCache(cfg.GraphTTL),
		tracer:     telemetry.TracerOrNoop(cfg.Tracer),
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
		owner:      cfg.Owner,
		leaseTTL:   cfg.LeaseTTL,
	}, nil
}

// FSM exposes the execution state machine so callers can register hooks.
func (e *Engine) FSM() *ExecutionFSM {
	return e.fsm
}

// StartRequest describes a new execution.
type StartRequest struct {
	WorkflowID  string
	TriggerData map[string]any
	Context     map[string]any // initial context besides the trigger data
	EntityID    string
	RuleID      string
}

// Start creates a pending execution at the workflow's entry node. The
// workflow is validated and parsed first; definition errors reject it.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "start requires a workflow_id")
	}
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.start",
		attribute.String(telemetry.WorkflowIDKey, req.WorkflowID))
	defer span.End()

	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is disabled", wf.ID)
	}
	g, err := e.graph(wf)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}

	now := e.now().UTC()
	exec := &store.Execution{
		ID:              e.newID(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.ExecutionPending,
		CurrentNodeID:   g.Entry,
		Context:         normalizeMap(expressions.NewContext(req.TriggerData, req.Context)),
		NodeResults:     map[string]*store.NodeResult{},
		TriggerData:     normalizeMap(expressions.DeepCopyMap(req.TriggerData)),
		EntityID:        req.EntityID,
		RuleID:          req.RuleID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String(telemetry.ExecutionIDKey, exec.ID))
	j := &journal{}
	j.add("", schema.EventExecutionCreated, map[string]any{
		"workflow_id": wf.ID,
		"version":     wf.Version,
		"entity_id":   req.EntityID,
		"rule_id":     req.RuleID,
	})
	e.flush(ctx, exec.ID, j)

	logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.logger).Info("execution created",
		slog.String("workflow_id", wf.ID),
		slog.String("entry", g.Entry),
	)
	return exec, nil
}

// graph returns the parsed graph of wf, validating it on first use.
func (e *Engine) graph(wf *store.Workflow) (*Graph, error) {
	return e.graphs.get(wf, func(def *schema.WorkflowDefinition) error {
		if e.validator == nil {
			return nil
		}
		return e.validator.ValidateDefinition(def)
	})
}

// executionGraph returns the graph of the workflow version exec started on,
// so later saves of the workflow never change a running execution.
func (e *Engine) executionGraph(ctx context.Context, exec *store.Execution) (*Graph, error) {
	wf, err := e.store.GetWorkflowVersion(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	return e.graph(wf)
}

// unrunnable reports whether err rules out ever walking the definition, as
// opposed to a store failure worth retrying.
func unrunnable(err error) bool {
	return schema.IsCode(err, schema.ErrCodeNotFound) ||
		schema.IsCode(err, schema.ErrCodeDefinition) ||
		schema.IsCode(err, schema.ErrCodeValidation)
}

// Step acquires the execution lease, advances the execution by one node and
// persists it. Stepping a terminal execution, or a waiting one whose
// resume_at has not passed, returns it unchanged.
func (e *Engine) Step(ctx context.Context, executionID string) (*store.Execution, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.step",
		attribute.String(telemetry.ExecutionIDKey, executionID))
	defer span.End()

	var out *store.Execution
	err := e.withLease(ctx, executionID, func(ctx context.Context) error {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		out, err = e.step(ctx, exec)
		return err
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("pulse.execution.status", string(out.Status)))
	return out, nil
}

func (e *Engine) step(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	if exec.Status.Terminal() {
		return exec, nil
	}
	now := e.now().UTC()
	if exec.Status == schema.ExecutionWaiting && (exec.ResumeAt == nil || now.Before(*exec.ResumeAt)) {
		return exec, nil
	}

	ctx = logging.WithExecutionID(ctx, exec.ID)
	var j *journal
	g, err := e.executionGraph(ctx, exec)
	switch {
	case err == nil:
		j, err = e.advance(ctx, exec, g, now)
		if err != nil {
			return nil, err
		}
	case unrunnable(err):
		logging.LogWith(ctx, e.logger).Error("execution definition unusable",
			slog.Int("workflow_version", exec.WorkflowVersion), slog.String("error", err.Error()))
		j = &journal{}
		cause := schema.NewErrorf(schema.ErrCodeDefinition, "workflow %s version %d cannot run: %s",
			exec.WorkflowID, exec.WorkflowVersion, schema.MessageOf(err)).WithCause(err)
		if err := e.failExecution(exec, now, j, cause); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := e.persist(ctx, exec, j); err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Debug("execution stepped",
		slog.String("status", string(exec.Status)),
		slog.String("node_id", exec.CurrentNodeID),
		slog.Int("step_count", exec.StepCount),
	)
	return exec, nil
}

// Run steps the execution until it is no longer pending or running.
// Settings.MaxSteps bounds the loop.
func (e *Engine) Run(ctx context.Context, executionID string) (*store.Execution, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exec, err := e.Step(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status != schema.ExecutionPending && exec.Status != schema.ExecutionRunning {
			return exec, nil
		}
	}
}

// Resume completes the external wait of an execution. token must match the
// one issued when the execution started waiting; data becomes the waiting
// node's output.
func (e *Engine) Resume(ctx context.Context, executionID, token string, data map[string]any) (*store.Execution, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.resume",
		attribute.String(telemetry.ExecutionIDKey, executionID))
	defer span.End()

	var out *store.Execution
	err := RetryContention(ctx, DefaultLeaseBackoff, func(ctx context.Context) error {
		return e.withLease(ctx, executionID, func(ctx context.Context) error {
			exec, err := e.store.GetExecution(ctx, executionID)
			if err != nil {
				return err
			}
			if exec.Status != schema.ExecutionWaiting {
				return schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"execution %s is %s, not waiting", exec.ID, exec.Status)
			}
			if exec.ResumeData == nil || exec.ResumeData.Token == "" {
				return schema.NewErrorf(schema.ErrCodeInvalidResume,
					"execution %s is waiting on a timer, not an external event", exec.ID)
			}
			if token != exec.ResumeData.Token {
				return schema.NewErrorf(schema.ErrCodeInvalidResume, "resume token does not match execution %s", exec.ID)
			}

			g, err := e.executionGraph(ctx, exec)
			if err != nil {
				return err
			}

			ctx = logging.WithExecutionID(ctx, exec.ID)
			now := e.now().UTC()
			j := &journal{}
			output := normalizeMap(expressions.DeepCopyMap(data))
			if output == nil {
				output = map[string]any{}
			}
			if err := e.finishWait(ctx, exec, g, output, now, j); err != nil {
				return err
			}
			if err := e.persist(ctx, exec, j); err != nil {
				return err
			}
			out = exec
			return nil
		})
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	logging.LogWith(logging.WithExecutionID(ctx, executionID), e.logger).Info("execution resumed",
		slog.String("node_id", out.CurrentNodeID),
		slog.String("status", string(out.Status)),
	)
	return out, nil
}

// Cancel moves a pending, running or waiting execution to cancelled. Actions
// already dispatched are not rolled back.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	var out *store.Execution
	err := RetryContention(ctx, DefaultLeaseBackoff, func(ctx context.Context) error {
		return e.withLease(ctx, executionID, func(ctx context.Context) error {
			exec, err := e.store.GetExecution(ctx, executionID)
			if err != nil {
				return err
			}
			if exec.Status.Terminal() {
				return schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"execution %s is already %s", exec.ID, exec.Status)
			}

			now := e.now().UTC()
			j := &journal{}
			if err := e.transition(exec, schema.ExecutionCancelled, now, j, map[string]any{"reason": reason}); err != nil {
				return err
			}
			exec.ErrorMessage = reason
			if err := e.persist(ctx, exec, j); err != nil {
				return err
			}
			out = exec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithExecutionID(ctx, executionID), e.logger).Info("execution cancelled",
		slog.String("reason", reason))
	return out, nil
}

// Get returns an execution.
func (e *Engine) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// History returns the event log of an execution in sequence order.
func (e *Engine) History(ctx context.Context, executionID string) ([]*store.Event, error) {
	return e.events.History(ctx, executionID)
}

// FailStale fails running executions that nobody holds a lease on and that
// have not been updated for olderThan. It returns how many were failed.
func (e *Engine) FailStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := e.now().UTC()
	cutoff := now.Add(-olderThan)
	candidates, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses:      []schema.ExecutionStatus{schema.ExecutionRunning},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, c := range candidates {
		held, err := e.leases.Held(ctx, c.ID)
		if err != nil {
			return failed, err
		}
		if held {
			continue
		}

		err = e.withLease(ctx, c.ID, func(ctx context.Context) error {
			exec, err := e.store.GetExecution(ctx, c.ID)
			if err != nil {
				return err
			}
			if exec.Status != schema.ExecutionRunning || exec.UpdatedAt.After(cutoff) {
				return nil
			}
			j := &journal{}
			if err := e.failExecution(exec, now, j, schema.NewError(schema.ErrCodeExecution, "stale execution")); err != nil {
				return err
			}
			if err := e.persist(ctx, exec, j); err != nil {
				return err
			}
			failed++
			logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.logger).Warn("stale execution failed",
				slog.Time("updated_at", exec.UpdatedAt))
			return nil
		})
		if err != nil && !IsContention(err) {
			return failed, err
		}
	}
	return failed, nil
}

// withLease runs fn while holding the execution lease.
func (e *Engine) withLease(ctx context.Context, executionID string, fn func(ctx context.Context) error) error {
	// Tables treat the same owner as re-entrant, so each call holds its own token.
	l, err := e.leases.Acquire(ctx, executionID, e.owner+":"+uuid.NewString(), e.leaseTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.leases.Release(context.WithoutCancel(ctx), l); err != nil {
			e.logger.Warn("lease release failed", slog.String("execution_id", executionID), slog.String("error", err.Error()))
		}
	}()
	return fn(ctx)
}

// persist saves exec with the optimistic version check, then records the
// journal.
func (e *Engine) persist(ctx context.Context, exec *store.Execution, j *journal) error {
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) || schema.IsCode(err, schema.ErrCodeNotFound) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeStore, "persist execution %s: %s", exec.ID, err.Error()).WithCause(err)
	}
	e.flush(ctx, exec.ID, j)
	return nil
}

// flush records journal events. The execution state is already durable, so
// failures are logged rather than returned.
func (e *Engine) flush(ctx context.Context, executionID string, j *journal) {
	for _, entry := range j.entries {
		if _, err := e.events.Record(ctx, executionID, entry.nodeID, entry.eventType, entry.payload); err != nil {
			e.logger.Error("event record failed",
				slog.String("execution_id", executionID),
				slog.String("event_type", entry.eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}

// journal collects the events of one step until the step is persisted.
type journal struct {
	entries []journalEntry
}

type journalEntry struct {
	nodeID    string
	eventType string
	payload   map[string]any
}

func (j *journal) add(nodeID, eventType string, payload map[string]any) {
	j.entries = append(j.entries, journalEntry{nodeID: nodeID, eventType: eventType, payload: payload})
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if out, ok := expressions.Normalize(m).(map[string]any); ok {
		return out
	}
	return m
}
