// Package llm defines the provider abstraction the agent responder
// drives: a chat request goes in, a channel of typed chunks comes out.
// Concrete bindings live in the anthropic, openai, and mock
// subpackages; the Registry maps configured provider names to bindings.
package llm

import (
	"context"

	"github.com/yysun/agent-world/pkg/models"
)

// Conversation roles accepted in Request.Messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider is one LLM binding. Generate returns a stream of chunks;
// the channel is closed when the stream completes. Provider errors
// after stream creation are delivered as ErrorChunk values.
type Provider interface {
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)
	Close() error
}

// Request is one LLM turn.
type Request struct {
	// AgentID identifies the calling agent. SDK providers ignore it;
	// the mock provider uses it to route scripted replies.
	AgentID string

	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
	MaxTokens   *int
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []models.ToolCall // assistant messages
	ToolCallID string            // tool result messages
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// ParametersSchema is the JSON Schema for the tool's arguments.
	ParametersSchema string
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a fragment of the model's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool. Arguments is
// the complete JSON argument string; providers accumulate partial
// fragments internally and emit only finished calls.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ InputTokens, OutputTokens, TotalTokens int }

// ErrorChunk signals a provider failure mid-stream.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }
