package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gamma-omg/docqa/agent"
)

// NewMCPServer exposes the agent tools to MCP clients.
func NewMCPServer(tools []agent.Tool) (*server.MCPServer, error) {
	srv := server.NewMCPServer("docqa", "0.1.0", server.WithToolCapabilities(false))
	for _, t := range tools {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema of tool %s: %w", t.Name(), err)
		}

		srv.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), toolHandler(t))
	}

	return srv, nil
}

func toolHandler(t agent.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := t.Invoke(ctx, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(out), nil
	}
}

// instrumentedTool counts invocations of the wrapped tool by outcome.
type instrumentedTool struct {
	agent.Tool
	metrics *Metrics
}

func instrument(m *Metrics, tools ...agent.Tool) []agent.Tool {
	out := make([]agent.Tool, len(tools))
	for i, t := range tools {
		out[i] = &instrumentedTool{Tool: t, metrics: m}
	}

	return out
}

func (t *instrumentedTool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	out, err := t.Tool.Invoke(ctx, input)
	t.metrics.ToolCall(t.Name(), err)
	return out, err
}
