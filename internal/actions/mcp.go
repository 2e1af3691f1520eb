package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	pulsemcp "github.com/rendis/pulse/pkg/mcp"
	"github.com/rendis/pulse/pkg/schema"
)

// ToolClient is the subset of an MCP session the tool actions need.
type ToolClient interface {
	Name() string
	Tools(ctx context.Context) ([]mcp.Tool, error)
	Call(ctx context.Context, tool string, args map[string]any) (*pulsemcp.ToolOutput, error)
}

// RegisterMCPTools registers every tool of an MCP server as an action named
// "prefix.tool". An empty prefix uses the client name.
func RegisterMCPTools(ctx context.Context, reg *Registry, client ToolClient, prefix string) (int, error) {
	if prefix == "" {
		prefix = client.Name()
	}
	tools, err := client.Tools(ctx)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeActionUnavailable, "list tools of %q", client.Name()).WithCause(err)
	}

	acts := make([]Action, 0, len(tools))
	for _, t := range tools {
		acts = append(acts, &mcpToolAction{client: client, tool: t})
	}
	return reg.RegisterPrefixed(prefix, acts)
}

// mcpToolAction calls one remote tool with the payload as arguments.
type mcpToolAction struct {
	client ToolClient
	tool   mcp.Tool
}

func (a *mcpToolAction) Name() string { return a.tool.Name }

func (a *mcpToolAction) Schema() ActionSchema {
	var in json.RawMessage
	if raw, err := json.Marshal(a.tool.InputSchema); err == nil {
		in = raw
	}
	return ActionSchema{Description: a.tool.Description, InputSchema: in}
}

func (a *mcpToolAction) Validate(input map[string]any) error {
	for _, req := range a.tool.InputSchema.Required {
		if _, ok := input[req]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param %q", a.tool.Name, req)
		}
	}
	return nil
}

func (a *mcpToolAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	out, err := a.client.Call(ctx, a.tool.Name, input.Params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatchFailed, "%s on %s", a.tool.Name, a.client.Name()).WithCause(err)
	}
	if out.IsError {
		msg := out.Text
		if msg == "" {
			msg = fmt.Sprintf("tool %s reported an error", a.tool.Name)
		}
		return nil, schema.NewError(schema.ErrCodeDispatchFailed, msg)
	}
	return &ActionOutput{Data: out.Data, Pending: pendingFlag(out.Data)}, nil
}
