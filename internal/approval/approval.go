// Package approval provides the optional veto consulted before a rule that
// requires approval is allowed to fire.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cast"

	pmcp "github.com/rendis/pulse/pkg/mcp"
)

// Oracle decides whether a matched rule may fire. The request carries the
// rule, the entity and the signal snapshot.
type Oracle interface {
	Approve(ctx context.Context, request map[string]any) (bool, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, request map[string]any) (bool, error)

func (f OracleFunc) Approve(ctx context.Context, request map[string]any) (bool, error) {
	return f(ctx, request)
}

// Static always answers with the same verdict.
type Static bool

func (s Static) Approve(context.Context, map[string]any) (bool, error) {
	return bool(s), nil
}

// ToolCaller is the subset of an MCP client the oracle needs.
type ToolCaller interface {
	Call(ctx context.Context, tool string, args map[string]any) (*pmcp.ToolOutput, error)
}

// MCPOracle asks an MCP tool for approval. The tool receives the request as
// its arguments and answers with a boolean, a {"approved": bool} object or a
// {"score": n} object compared against Threshold.
type MCPOracle struct {
	caller    ToolCaller
	tool      string
	threshold float64
	logger    *slog.Logger
}

// MCPOracleConfig configures an MCPOracle.
type MCPOracleConfig struct {
	Tool      string  // tool name, default "approve"
	Threshold float64 // minimum score when the tool answers with a score, default 0.5
	Logger    *slog.Logger
}

// NewMCPOracle creates an oracle backed by an MCP tool.
func NewMCPOracle(caller ToolCaller, cfg MCPOracleConfig) *MCPOracle {
	if cfg.Tool == "" {
		cfg.Tool = "approve"
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MCPOracle{caller: caller, tool: cfg.Tool, threshold: cfg.Threshold, logger: cfg.Logger}
}

// Approve calls the tool. A tool-level error or an unreadable answer is an
// error; the caller decides how to treat it.
func (o *MCPOracle) Approve(ctx context.Context, request map[string]any) (bool, error) {
	out, err := o.caller.Call(ctx, o.tool, request)
	if err != nil {
		return false, err
	}
	if out.IsError {
		return false, fmt.Errorf("approval tool %q failed: %s", o.tool, out.Text)
	}

	verdict, err := o.interpret(out.Data)
	if err != nil {
		return false, fmt.Errorf("approval tool %q: %w", o.tool, err)
	}
	o.logger.Debug("approval verdict", slog.String("tool", o.tool), slog.Bool("approved", verdict))
	return verdict, nil
}

func (o *MCPOracle) interpret(data any) (bool, error) {
	switch v := data.(type) {
	case bool:
		return v, nil
	case string:
		return cast.ToBoolE(v)
	case float64:
		return v >= o.threshold, nil
	case map[string]any:
		if approved, ok := v["approved"]; ok {
			return cast.ToBoolE(approved)
		}
		if score, ok := v["score"]; ok {
			f, err := cast.ToFloat64E(score)
			if err != nil {
				return false, fmt.Errorf("score is not numeric: %w", err)
			}
			return f >= o.threshold, nil
		}
	}
	return false, fmt.Errorf("unrecognized answer %v", data)
}
