package actions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pulsemcp "github.com/rendis/pulse/pkg/mcp"
)

func newToolServer() *server.MCPServer {
	srv := server.NewMCPServer("sms-gateway", "1.0.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("send_sms",
		mcp.WithDescription("Send an SMS"),
		mcp.WithString("to", mcp.Required()),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		to, err := req.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if to == "blocked" {
			return mcp.NewToolResultError("recipient blocked"), nil
		}
		data, _ := json.Marshal(map[string]any{"id": "sms-1", "to": to})
		return mcp.NewToolResultText(string(data)), nil
	})

	srv.AddTool(mcp.NewTool("call_guardian",
		mcp.WithDescription("Place a call; the result arrives later"),
		mcp.WithString("phone", mcp.Required()),
	), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"pending":true,"call_id":"c-7"}`), nil
	})
	return srv
}

func newToolRegistry(t *testing.T) *Registry {
	t.Helper()
	ctx := context.Background()
	client, err := pulsemcp.NewInProcess(ctx, "gateway", newToolServer(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reg := NewRegistry(nil)
	n, err := RegisterMCPTools(ctx, reg, client, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	return reg
}

func TestMCPTools_Registered(t *testing.T) {
	reg := newToolRegistry(t)
	assert.True(t, reg.Has("gateway.send_sms"))
	assert.True(t, reg.Has("gateway.call_guardian"))

	a, err := reg.Get("gateway.send_sms")
	require.NoError(t, err)
	assert.Equal(t, "Send an SMS", a.Schema().Description)
	assert.Contains(t, string(a.Schema().InputSchema), `"to"`)
}

func TestMCPTools_Dispatch(t *testing.T) {
	reg := newToolRegistry(t)
	ctx := context.Background()

	res, err := reg.Dispatch(ctx, "gateway.send_sms", map[string]any{"to": "+100", "text": "hi"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"id": "sms-1", "to": "+100"}, res.Output)

	// missing required argument is rejected before the call
	res, err = reg.Dispatch(ctx, "gateway.send_sms", map[string]any{"to": "+100"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "text")

	// tool-level error
	res, err = reg.Dispatch(ctx, "gateway.send_sms", map[string]any{"to": "blocked", "text": "hi"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "recipient blocked")
}

func TestMCPTools_Pending(t *testing.T) {
	reg := newToolRegistry(t)
	res, err := reg.Dispatch(context.Background(), "gateway.call_guardian", map[string]any{"phone": "+100"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
}
