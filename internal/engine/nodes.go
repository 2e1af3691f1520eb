package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/pulse/internal/actions"
	"github.com/rendis/pulse/internal/conditions"
	"github.com/rendis/pulse/internal/expressions"
	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/telemetry"
	"github.com/rendis/pulse/pkg/schema"
)

// outcome is what running a node produced. A node either completes with
// output, or parks the execution until resumeAt or an external resume.
type outcome struct {
	output any

	waiting  bool
	resumeAt *time.Time
	token    string
	event    string

	// next is the edge chosen by a condition node.
	next *Edge
}

// advance moves exec forward from its current state by one node, mutating
// it in place. Node failures fail the execution and are not returned; an
// error means the step could not be applied at all. advance performs no
// persistence, so given the same snapshot and clock it yields the same state.
func (e *Engine) advance(ctx context.Context, exec *store.Execution, g *Graph, now time.Time) (*journal, error) {
	j := &journal{}
	if exec.NodeResults == nil {
		exec.NodeResults = map[string]*store.NodeResult{}
	}

	switch exec.Status {
	case schema.ExecutionWaiting:
		return j, e.wake(ctx, exec, g, now, j)
	case schema.ExecutionPending:
		if err := e.transition(exec, schema.ExecutionRunning, now, j, nil); err != nil {
			return nil, err
		}
	}
	if err := e.runNode(ctx, exec, g, now, j); err != nil {
		return nil, err
	}
	return j, nil
}

// wake handles a waiting execution whose resume_at has passed.
func (e *Engine) wake(ctx context.Context, exec *store.Execution, g *Graph, now time.Time, j *journal) error {
	node := g.Nodes[exec.CurrentNodeID]
	if node == nil {
		return e.failExecution(exec, now, j,
			schema.NewErrorf(schema.ErrCodeExecution, "unknown node %q", exec.CurrentNodeID))
	}

	if node.Wait == nil {
		res := e.result(exec, node.ID)
		err := schema.NewErrorf(schema.ErrCodeExecution, "%s was not resumed before its await timeout", node.Action.Action).
			WithNode(node.ID)
		return e.failNode(exec, node, res, err, now, j)
	}

	var output map[string]any
	if node.Wait.Event != "" {
		output = map[string]any{"timed_out": true, "event": node.Wait.Event}
	} else {
		until := now
		if exec.ResumeAt != nil {
			until = *exec.ResumeAt
		}
		output = map[string]any{"waited_until": until.UTC().Format(time.RFC3339Nano)}
	}
	return e.finishWait(ctx, exec, g, output, now, j)
}

// finishWait completes the waiting node with output and moves on.
func (e *Engine) finishWait(ctx context.Context, exec *store.Execution, g *Graph, output map[string]any, now time.Time, j *journal) error {
	node := g.Nodes[exec.CurrentNodeID]
	if node == nil {
		return e.failExecution(exec, now, j,
			schema.NewErrorf(schema.ErrCodeExecution, "unknown node %q", exec.CurrentNodeID))
	}

	if err := e.transition(exec, schema.ExecutionRunning, now, j, nil); err != nil {
		return err
	}
	exec.ResumeAt = nil
	exec.ResumeData = nil

	j.add(node.ID, schema.EventWaitCompleted, map[string]any{"output": output})
	res := e.result(exec, node.ID)
	e.completeNode(exec, g, node, res, output, now, j)
	return e.advanceFrom(ctx, exec, g, node, nil, now, j)
}

// runNode executes the current node.
func (e *Engine) runNode(ctx context.Context, exec *store.Execution, g *Graph, now time.Time, j *journal) error {
	node := g.Nodes[exec.CurrentNodeID]
	if node == nil {
		return e.failExecution(exec, now, j,
			schema.NewErrorf(schema.ErrCodeExecution, "unknown node %q", exec.CurrentNodeID))
	}
	if exec.StepCount >= g.MaxSteps {
		return e.failExecution(exec, now, j,
			schema.NewErrorf(schema.ErrCodeExecution, "max steps (%d) exceeded", g.MaxSteps).WithNode(node.ID))
	}
	exec.StepCount++

	attempt := 1
	if prev := exec.NodeResults[node.ID]; prev != nil {
		attempt = prev.Attempt + 1
	}
	started := now
	res := &store.NodeResult{
		NodeID:    node.ID,
		Status:    schema.NodeResultWaiting,
		Attempt:   attempt,
		StartedAt: &started,
	}
	exec.NodeResults[node.ID] = res

	ctx, span := telemetry.StartSpan(logging.WithIDs(ctx, exec.ID, node.ID), e.tracer, "engine.node",
		attribute.String(telemetry.ExecutionIDKey, exec.ID),
		attribute.String(telemetry.NodeIDKey, node.ID),
		attribute.String(telemetry.NodeTypeKey, string(node.Type)),
	)
	defer span.End()

	var (
		out *outcome
		err error
	)
	switch node.Type {
	case schema.NodeTypeAction:
		out, err = e.runAction(ctx, exec, node, res, now, j)
	case schema.NodeTypeContent:
		out, err = e.runContent(ctx, exec, node, res, j)
	case schema.NodeTypeCondition:
		out, err = e.runCondition(exec, g, node, j)
	case schema.NodeTypeWait:
		out = e.runWait(node, now)
	case schema.NodeTypeCheckpoint:
		out = runCheckpoint(node)
	default:
		err = schema.NewErrorf(schema.ErrCodeExecution, "unsupported node type %q", node.Type).WithNode(node.ID)
	}
	if err != nil {
		telemetry.SetError(span, err)
		logging.LogWith(ctx, e.logger).Warn("node failed",
			slog.String("node_type", string(node.Type)),
			slog.String("error", schema.MessageOf(err)),
		)
		return e.failNode(exec, node, res, err, now, j)
	}

	if out.waiting {
		return e.park(exec, node, out, now, j)
	}
	e.completeNode(exec, g, node, res, out.output, now, j)
	return e.advanceFrom(ctx, exec, g, node, out.next, now, j)
}

func (e *Engine) runAction(ctx context.Context, exec *store.Execution, node *Node, res *store.NodeResult, now time.Time, j *journal) (*outcome, error) {
	cfg := node.Action
	payload := renderPayload(cfg.Payload, exec.Context)
	res.Rendered = payload

	r, err := e.dispatch(ctx, exec, node, cfg.Action, payload, j)
	if err != nil {
		return nil, err
	}
	if r.Pending && cfg.Await {
		out := &outcome{waiting: true, token: e.newID(), event: cfg.Action}
		if node.AwaitTimeout > 0 {
			at := now.Add(node.AwaitTimeout)
			out.resumeAt = &at
		}
		return out, nil
	}
	return &outcome{output: r.Output}, nil
}

func (e *Engine) runContent(ctx context.Context, exec *store.Execution, node *Node, res *store.NodeResult, j *journal) (*outcome, error) {
	cfg := node.Content
	payload := map[string]any{
		"execution_id": exec.ID,
	}
	if exec.EntityID != "" {
		payload["entity_id"] = exec.EntityID
	}
	if cfg.Subject != "" {
		payload["subject"] = expressions.Render(cfg.Subject, exec.Context)
	}
	if cfg.Body != "" {
		payload["body"] = expressions.Render(cfg.Body, exec.Context)
	}
	if cfg.Payload != nil {
		payload["payload"] = expressions.RenderDeep(expressions.DeepCopy(cfg.Payload), exec.Context)
	}
	res.Rendered = payload

	r, err := e.dispatch(ctx, exec, node, cfg.ActionType(), payload, j)
	if err != nil {
		return nil, err
	}
	return &outcome{output: r.Output}, nil
}

// dispatch sends a rendered payload to the dispatcher and turns unsuccessful
// results into DISPATCH_FAILED errors.
func (e *Engine) dispatch(ctx context.Context, exec *store.Execution, node *Node, actionType string, payload map[string]any, j *journal) (*actions.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.dispatch",
		attribute.String(telemetry.ActionTypeKey, actionType))
	defer span.End()

	r, err := e.dispatcher.Dispatch(actions.WithScope(ctx, exec.Context), actionType, payload)
	if err != nil {
		j.add(node.ID, schema.EventActionDispatched, map[string]any{
			"action":  actionType,
			"success": false,
			"error":   schema.MessageOf(err),
		})
		telemetry.SetError(span, err)
		if schema.IsCode(err, schema.ErrCodeActionUnavailable) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeDispatchFailed, "dispatch %s: %s", actionType, schema.MessageOf(err)).
			WithNode(node.ID).WithCause(err)
	}

	j.add(node.ID, schema.EventActionDispatched, map[string]any{
		"action":  actionType,
		"success": r.Success,
		"pending": r.Pending,
		"error":   r.Error,
	})
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = actionType + " failed"
		}
		return nil, schema.NewError(schema.ErrCodeDispatchFailed, msg).WithNode(node.ID)
	}
	return r, nil
}

func (e *Engine) runCondition(exec *store.Execution, g *Graph, node *Node, j *journal) (*outcome, error) {
	edge, ok := selectEdge(g.Outgoing[node.ID], exec.Context)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoMatchingEdge, "no matching edge from %s", node.ID).WithNode(node.ID)
	}
	decision := map[string]any{
		"edge":    edge.ID,
		"target":  edge.Target,
		"default": edge.Default,
	}
	if edge.Label != "" {
		decision["label"] = edge.Label
	}
	j.add(node.ID, schema.EventConditionEvaluated, decision)
	return &outcome{output: decision, next: edge}, nil
}

func (e *Engine) runWait(node *Node, now time.Time) *outcome {
	w := node.Wait
	out := &outcome{waiting: true}
	switch {
	case w.Delay > 0:
		at := now.Add(w.Delay)
		out.resumeAt = &at
	case w.Until != nil:
		at := w.Until.UTC()
		out.resumeAt = &at
	default:
		out.token = e.newID()
		out.event = w.Event
		if w.Timeout > 0 {
			at := now.Add(w.Timeout)
			out.resumeAt = &at
		}
	}
	return out
}

func runCheckpoint(node *Node) *outcome {
	if len(node.Checkpoint.Output) == 0 {
		return &outcome{output: map[string]any{"reached": true}}
	}
	return &outcome{output: expressions.DeepCopyMap(node.Checkpoint.Output)}
}

// park moves exec to waiting on node.
func (e *Engine) park(exec *store.Execution, node *Node, out *outcome, now time.Time, j *journal) error {
	if err := e.transition(exec, schema.ExecutionWaiting, now, j, nil); err != nil {
		return err
	}
	exec.ResumeAt = out.resumeAt
	exec.ResumeData = &store.ResumeData{Token: out.token, NodeID: node.ID, Event: out.event}

	started := map[string]any{}
	if out.resumeAt != nil {
		started["resume_at"] = out.resumeAt.Format(time.RFC3339Nano)
	}
	if out.event != "" {
		started["event"] = out.event
	}
	j.add(node.ID, schema.EventWaitStarted, started)
	return nil
}

// completeNode records output on the node result and merges it into the
// context under the node's output key.
func (e *Engine) completeNode(exec *store.Execution, g *Graph, node *Node, res *store.NodeResult, output any, now time.Time, j *journal) {
	output = expressions.Normalize(output)
	done := now
	res.Status = schema.NodeResultCompleted
	res.Output = output
	res.Error = ""
	res.CompletedAt = &done

	key := g.OutputKey(node)
	if key != "" && output != nil {
		exec.Context = expressions.MergeOutput(exec.Context, key, output)
	}

	payload := map[string]any{"attempt": res.Attempt}
	if key != "" {
		payload["output_key"] = key
	}
	if node.Checkpoint != nil && node.Checkpoint.Label != "" {
		payload["label"] = node.Checkpoint.Label
	}
	j.add(node.ID, schema.EventNodeCompleted, payload)
}

// failNode records err on the node result and fails the execution.
func (e *Engine) failNode(exec *store.Execution, node *Node, res *store.NodeResult, err error, now time.Time, j *journal) error {
	done := now
	res.Status = schema.NodeResultFailed
	res.Error = schema.MessageOf(err)
	res.CompletedAt = &done

	j.add(node.ID, schema.EventNodeFailed, map[string]any{
		"error": res.Error,
		"code":  errorCode(err),
	})
	return e.failExecution(exec, now, j, err)
}

// advanceFrom follows the chosen edge out of node, or the first matching one
// when chosen is nil. A node without outgoing edges completes the execution.
func (e *Engine) advanceFrom(ctx context.Context, exec *store.Execution, g *Graph, node *Node, chosen *Edge, now time.Time, j *journal) error {
	edge := chosen
	if edge == nil {
		edges := g.Outgoing[node.ID]
		if len(edges) == 0 {
			return e.transition(exec, schema.ExecutionCompleted, now, j, nil)
		}
		var ok bool
		if edge, ok = selectEdge(edges, exec.Context); !ok {
			return e.failExecution(exec, now, j,
				schema.NewErrorf(schema.ErrCodeNoMatchingEdge, "no matching edge from %s", node.ID).WithNode(node.ID))
		}
	}
	exec.CurrentNodeID = edge.Target
	logging.LogWith(ctx, e.logger).Debug("edge taken",
		slog.String("edge", edge.ID),
		slog.String("target", edge.Target),
	)
	return nil
}

// selectEdge returns the first non-default edge whose guard holds over the
// context, falling back to the default edge.
func selectEdge(edges []*Edge, scope map[string]any) (*Edge, bool) {
	sig := signals.Map(scope)
	var fallback *Edge
	for _, edge := range edges {
		if edge.Default {
			fallback = edge
			continue
		}
		if edge.Guard == nil || conditions.Evaluate(edge.Guard, sig) {
			return edge, true
		}
	}
	return fallback, fallback != nil
}

// failExecution moves exec to failed with err as its error message.
func (e *Engine) failExecution(exec *store.Execution, now time.Time, j *journal, err error) error {
	msg := schema.MessageOf(err)
	if terr := e.transition(exec, schema.ExecutionFailed, now, j, map[string]any{
		"error": msg,
		"code":  errorCode(err),
	}); terr != nil {
		return terr
	}
	exec.ErrorMessage = msg
	return nil
}

// transition applies an FSM transition and journals its event. Terminal
// states stamp completed_at and drop any pending resume.
func (e *Engine) transition(exec *store.Execution, to schema.ExecutionStatus, now time.Time, j *journal, payload map[string]any) error {
	from := exec.Status
	eventType, err := e.fsm.Transition(exec, to)
	if err != nil {
		return err
	}
	if to == schema.ExecutionRunning && exec.StartedAt == nil {
		started := now
		exec.StartedAt = &started
	}
	if to.Terminal() {
		done := now
		exec.CompletedAt = &done
		exec.ResumeAt = nil
		exec.ResumeData = nil
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = string(from)
	j.add(exec.CurrentNodeID, eventType, payload)
	return nil
}

// result returns the node result for id, creating one if missing.
func (e *Engine) result(exec *store.Execution, id string) *store.NodeResult {
	if exec.NodeResults == nil {
		exec.NodeResults = map[string]*store.NodeResult{}
	}
	if res := exec.NodeResults[id]; res != nil {
		return res
	}
	res := &store.NodeResult{NodeID: id, Attempt: 1}
	exec.NodeResults[id] = res
	return res
}

func renderPayload(payload any, scope map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	rendered, ok := expressions.RenderDeep(expressions.DeepCopy(payload), scope).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return rendered
}

func errorCode(err error) string {
	var pe *schema.PulseError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return schema.ErrCodeExecution
}
