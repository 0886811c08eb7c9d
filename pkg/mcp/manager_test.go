package mcp

import (
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/tools"
)

func TestCreateClientRejectsUnknownTransport(t *testing.T) {
	_, err := createClient(config.MCPServerConfig{Transport: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestBridgeToolNaming(t *testing.T) {
	tool := mcpgo.NewTool("read_file", mcpgo.WithDescription("Read a file."))

	plain := NewBridgeTool("fs", tool, nil, "", time.Second, nil)
	assert.Equal(t, "read_file", plain.Name())
	assert.Equal(t, "read_file", plain.OriginalName())
	assert.Equal(t, "fs", plain.Server())

	prefixed := NewBridgeTool("fs", tool, nil, "fs", time.Second, nil)
	assert.Equal(t, "fs_read_file", prefixed.Name())
	assert.Equal(t, "read_file", prefixed.OriginalName())
}

func TestBridgeToolSchemaAndGating(t *testing.T) {
	tool := mcpgo.NewTool("search",
		mcpgo.WithDescription("Search documents."),
		mcpgo.WithString("query", mcpgo.Required()),
	)
	bt := NewBridgeTool("docs", tool, nil, "", time.Second, nil)

	assert.True(t, bt.RequiresApproval())
	assert.Contains(t, bt.ParametersSchema(), `"query"`)
	assert.Equal(t, "Search documents.", bt.Description())
}

func TestBridgeToolDescriptionFallback(t *testing.T) {
	bt := NewBridgeTool("docs", mcpgo.Tool{Name: "opaque"}, nil, "", time.Second, nil)
	assert.Contains(t, bt.Description(), "opaque")
	assert.Contains(t, bt.Description(), "docs")
}

func TestManagerStartWithNoServers(t *testing.T) {
	m := NewManager(tools.NewRegistry(), nil, nil)
	require.NoError(t, m.Start(t.Context()))
	assert.Empty(t, m.ServerStatus())
	assert.Empty(t, m.ToolNames())
	m.Stop()
}
