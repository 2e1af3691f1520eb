package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", RuleID(ctx))

	ctx = WithIDs(ctx, "exec-123", "notify")
	ctx = WithRuleID(ctx, "low-attendance")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "notify", NodeID(ctx))
	assert.Equal(t, "low-attendance", RuleID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "exec-abc", "wait-1")
	ctx = WithRuleID(ctx, "r-7")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "node_id=wait-1")
	assert.Contains(t, output, "rule_id=r-7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the execution ID is set; node and rule must not appear.
	ctx := WithExecutionID(context.Background(), "exec-only")

	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "rule_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "exec-9", "check")
	logger.InfoContext(ctx, "stepped", slog.Int("step", 3))

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-9"`)
	assert.Contains(t, output, `"node_id":"check"`)
	assert.Contains(t, output, `"step":3`)
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "scheduler")

	logger.InfoContext(WithExecutionID(context.Background(), "exec-1"), "tick")

	output := buf.String()
	assert.Contains(t, output, "component=scheduler")
	assert.Contains(t, output, "execution_id=exec-1")
}
