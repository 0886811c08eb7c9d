package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// BridgeTool adapts one discovered MCP tool to the tools.Tool contract.
// Every bridged tool is approval-gated: the server decides what the
// tool does, so the human decides whether it runs.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	prefix    string
	timeout   time.Duration
	connected *atomic.Bool
}

// NewBridgeTool wraps a discovered tool. An empty prefix keeps the
// server's tool name as-is.
func NewBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeout time.Duration, connected *atomic.Bool) *BridgeTool {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &BridgeTool{
		server:    server,
		tool:      tool,
		client:    client,
		prefix:    prefix,
		timeout:   timeout,
		connected: connected,
	}
}

// Name returns the registry name, prefixed when the server config asks
// for namespacing.
func (t *BridgeTool) Name() string {
	if t.prefix == "" {
		return t.tool.Name
	}
	return t.prefix + "_" + t.tool.Name
}

// OriginalName returns the server-side tool name.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

// Server returns the owning server's configured name.
func (t *BridgeTool) Server() string { return t.server }

func (t *BridgeTool) Description() string {
	if t.tool.Description != "" {
		return t.tool.Description
	}
	return fmt.Sprintf("Tool %q provided by MCP server %q.", t.tool.Name, t.server)
}

func (t *BridgeTool) ParametersSchema() string {
	if len(t.tool.RawInputSchema) > 0 {
		return string(t.tool.RawInputSchema)
	}
	b, err := json.Marshal(t.tool.InputSchema)
	if err != nil {
		return `{"type":"object"}`
	}
	return string(b)
}

func (t *BridgeTool) RequiresApproval() bool { return true }

// Execute forwards the call to the MCP server and flattens the result
// to text.
func (t *BridgeTool) Execute(ctx context.Context, args string) (string, error) {
	if t.connected != nil && !t.connected.Load() {
		return "", fmt.Errorf("mcp server %q is not connected", t.server)
	}

	arguments := make(map[string]any)
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &arguments); err != nil {
			return "", fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = arguments

	result, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("mcp tool %q on %q: %w", t.tool.Name, t.server, err)
	}

	text := extractText(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("mcp tool %q failed: %s", t.tool.Name, text)
	}
	return text, nil
}

// extractText concatenates the text content items of a result.
// Non-text content (images, resources) is skipped.
func extractText(result *mcpgo.CallToolResult) string {
	var b strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
