// Package anthropic binds llm.Provider to the Anthropic Messages API
// with SSE streaming, tool use, and retry on transient failures.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/yysun/agent-world/pkg/llm"
)

const defaultMaxTokens = 4096

// Config parameterizes the provider.
type Config struct {
	APIKey  string
	BaseURL string
	// MaxRetries bounds stream-creation retries on retryable errors.
	// Zero means the default (2).
	MaxRetries int
	// RetryDelay is the base backoff delay. Zero means 1s.
	RetryDelay time.Duration
}

// Provider implements llm.Provider on the Anthropic SDK. Safe for
// concurrent use; each Generate call owns an independent stream.
type Provider struct {
	client     sdk.Client
	maxRetries int
	retryDelay time.Duration
}

// New creates the provider. The API key is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:     sdk.NewClient(opts...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)

		// Stream creation errors retry with exponential backoff;
		// mid-stream errors surface as ErrorChunk without retry so the
		// caller never sees duplicated partial output.
		var stream *ssestream.Stream[sdk.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, *params)
			if stream.Err() == nil {
				break
			}
			err := stream.Err()
			if !retryable(err) || attempt >= p.maxRetries {
				chunks <- &llm.ErrorChunk{Message: err.Error(), Retryable: retryable(err)}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				chunks <- &llm.ErrorChunk{Message: ctx.Err().Error()}
				return
			case <-time.After(backoff):
			}
		}
		p.consume(stream, chunks)
	}()
	return chunks, nil
}

// Close implements llm.Provider. The SDK client holds no connections
// that need teardown.
func (p *Provider) Close() error { return nil }

func (p *Provider) buildParams(req *llm.Request) (*sdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: converting messages: %w", err)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: converting tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// consume translates SSE events into chunks. Tool arguments arrive as
// partial JSON fragments and are accumulated until content_block_stop.
func (p *Provider) consume(stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- llm.Chunk) {
	var toolID, toolName string
	var toolArgs strings.Builder
	inTool := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolID, toolName = use.ID, use.Name
				toolArgs.Reset()
				inTool = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &llm.TextChunk{Content: delta.Text}
				}
			case "input_json_delta":
				toolArgs.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if inTool {
				chunks <- &llm.ToolCallChunk{CallID: toolID, Name: toolName, Arguments: toolArgs.String()}
				inTool = false
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &llm.UsageChunk{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			}
			return

		case "error":
			chunks <- &llm.ErrorChunk{Message: "anthropic stream error", Retryable: true}
			return
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- &llm.ErrorChunk{Message: err.Error(), Retryable: retryable(err)}
	}
}

// convertMessages maps provider-neutral messages onto Anthropic content
// blocks. System entries are skipped (carried in params.System); tool
// results become user-role tool_result blocks.
func convertMessages(messages []llm.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}

		var content []sdk.ContentBlockParamUnion
		if msg.Role == llm.RoleTool {
			content = append(content, sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			out = append(out, sdk.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, sdk.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(argumentsOrEmpty(tc.Arguments)), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == llm.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(content...))
		} else {
			out = append(out, sdk.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []llm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal([]byte(tool.ParametersSchema), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}

func argumentsOrEmpty(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

// retryable classifies errors worth another attempt: throttling,
// server-side faults, and transport hiccups.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
