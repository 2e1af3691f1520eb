package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/pkg/schema"
)

// StartFunc starts a workflow execution and returns its ID. The engine
// satisfies this after construction (late-bind).
type StartFunc func(ctx context.Context, workflowID string, triggerData map[string]any) (string, error)

// --- workflow.start ---

type workflowStartAction struct {
	start StartFunc
}

func (a *workflowStartAction) Name() string { return "workflow.start" }

func (a *workflowStartAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Start another workflow with the given trigger data.",
	}
}

func (a *workflowStartAction) Validate(input map[string]any) error {
	if stringParam(input, "workflow_id", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow.start: missing required param 'workflow_id'")
	}
	return nil
}

func (a *workflowStartAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	workflowID := stringParam(input.Params, "workflow_id", "")
	data, _ := input.Params["data"].(map[string]any)

	id, err := a.start(ctx, workflowID, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatchFailed, "workflow.start: %v", err).WithCause(err)
	}
	return &ActionOutput{Data: map[string]any{"execution_id": id, "workflow_id": workflowID}}, nil
}

// --- fail ---

type failAction struct{}

func (a *failAction) Name() string { return "fail" }

func (a *failAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Force-fail the current execution with a reason.",
	}
}

func (a *failAction) Validate(input map[string]any) error {
	if stringParam(input, "reason", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fail: missing required param 'reason'")
	}
	return nil
}

func (a *failAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	reason := stringParam(input.Params, "reason", "fail invoked")
	return nil, schema.NewError(schema.ErrCodeExecution, reason)
}

// --- log ---

type logAction struct {
	logger *slog.Logger
}

func (a *logAction) Name() string { return "log" }

func (a *logAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a structured log entry with execution context.",
	}
}

func (a *logAction) Validate(input map[string]any) error {
	if stringParam(input, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log: missing required param 'message'")
	}
	return nil
}

func (a *logAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	p := input.Params
	level := stringParam(p, "level", "info")
	message := stringParam(p, "message", "")

	var attrs []any
	if data, ok := p["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	logger := logging.LogWith(ctx, a.logger)
	switch level {
	case "debug":
		logger.Debug(message, attrs...)
	case "warn":
		logger.Warn(message, attrs...)
	case "error":
		logger.Error(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}

	return &ActionOutput{Data: map[string]any{"logged": true, "message": message}}, nil
}
