// Package mcp connects pulse to Model Context Protocol servers. Remote tools
// back workflow actions and the rule approval oracle.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Transport kinds accepted by Connect.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	Name      string            `json:"name" validate:"required"`
	Transport string            `json:"transport" validate:"required,oneof=stdio http"`
	Command   string            `json:"command,omitempty" validate:"required_if=Transport stdio"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
	URL       string            `json:"url,omitempty" validate:"required_if=Transport http,omitempty,url"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Client is an initialized MCP session.
type Client struct {
	name   string
	inner  *client.Client
	logger *slog.Logger
}

// Connect opens a session to the configured server and performs the
// initialize handshake.
func Connect(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	var (
		inner *client.Client
		err   error
	)

	switch cfg.Transport {
	case TransportStdio:
		// The stdio client starts its subprocess on creation.
		inner, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start mcp server %q: %w", cfg.Name, err)
		}
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		inner, err = client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create mcp client %q: %w", cfg.Name, err)
		}
		if err := inner.Start(ctx); err != nil {
			return nil, fmt.Errorf("start mcp client %q: %w", cfg.Name, err)
		}
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", cfg.Name, cfg.Transport)
	}

	return initialize(ctx, cfg.Name, inner, logger)
}

// NewInProcess connects to an MCP server running in the same process.
func NewInProcess(ctx context.Context, name string, srv *server.MCPServer, logger *slog.Logger) (*Client, error) {
	inner, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("create in-process mcp client: %w", err)
	}
	if err := inner.Start(ctx); err != nil {
		return nil, fmt.Errorf("start in-process mcp client: %w", err)
	}
	return initialize(ctx, name, inner, logger)
}

func initialize(ctx context.Context, name string, inner *client.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "pulse", Version: "1.0.0"}

	res, err := inner.Initialize(ctx, req)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("initialize mcp server %q: %w", name, err)
	}

	logger.Info("mcp server connected",
		slog.String("server", name),
		slog.String("remote", res.ServerInfo.Name),
		slog.String("protocol", res.ProtocolVersion),
	)
	return &Client{name: name, inner: inner, logger: logger}, nil
}

// Name returns the configured server label.
func (c *Client) Name() string {
	return c.name
}

// Tools lists the tools the server exposes.
func (c *Client) Tools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %q: %w", c.name, err)
	}
	return res.Tools, nil
}

// ToolOutput is the decoded result of a tool call.
type ToolOutput struct {
	Data    any    // structured content, or the text parsed as JSON, or the raw text
	Text    string // concatenated text content
	IsError bool   // the tool reported a failure
}

// Call invokes a tool. Transport failures are returned as errors; tool-level
// failures come back with IsError set.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (*ToolOutput, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q on %q: %w", tool, c.name, err)
	}
	return DecodeResult(res), nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.inner.Close()
}

// DecodeResult flattens a CallToolResult into a ToolOutput.
func DecodeResult(res *mcp.CallToolResult) *ToolOutput {
	if res == nil {
		return &ToolOutput{}
	}

	var texts []string
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcp.TextContent:
			texts = append(texts, tc.Text)
		case *mcp.TextContent:
			texts = append(texts, tc.Text)
		}
	}

	out := &ToolOutput{Text: strings.Join(texts, "\n"), IsError: res.IsError}
	switch {
	case res.StructuredContent != nil:
		out.Data = res.StructuredContent
	case out.Text != "":
		var parsed any
		if err := json.Unmarshal([]byte(out.Text), &parsed); err == nil {
			out.Data = parsed
		} else {
			out.Data = out.Text
		}
	}
	return out
}
