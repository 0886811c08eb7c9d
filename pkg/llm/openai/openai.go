// Package openai binds llm.Provider to the OpenAI chat completions API
// (and any OpenAI-compatible endpoint via BaseURL) with streaming and
// tool calls.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/yysun/agent-world/pkg/llm"
)

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

// Provider implements llm.Provider on the go-openai SDK.
type Provider struct {
	client     *sdk.Client
	maxRetries int
	retryDelay time.Duration
}

// New creates the provider. The API key is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	sdkCfg := sdk.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:     sdk.NewClientWithConfig(sdkCfg),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	chatReq := p.buildRequest(req)

	chunks := make(chan llm.Chunk)
	go func() {
		defer close(chunks)

		var stream *sdk.ChatCompletionStream
		var err error
		for attempt := 0; ; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
			if err == nil {
				break
			}
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
		defer stream.Close()
		consume(stream, chunks)
	}()
	return chunks, nil
}

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

func (p *Provider) buildRequest(req *llm.Request) sdk.ChatCompletionRequest {
	out := sdk.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertMessages(req),
		Stream:        true,
		StreamOptions: &sdk.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  []byte(tool.ParametersSchema),
			},
		})
	}
	return out
}

// consume reads stream deltas. OpenAI streams tool calls incrementally
// (id and name first, then argument fragments keyed by index); finished
// calls are emitted when the finish reason arrives.
func consume(stream *sdk.ChatCompletionStream, chunks chan<- llm.Chunk) {
	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	var calls []*pendingCall

	flushCalls := func() {
		for _, c := range calls {
			chunks <- &llm.ToolCallChunk{CallID: c.id, Name: c.name, Arguments: c.args.String()}
		}
		calls = nil
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushCalls()
			return
		}
		if err != nil {
			chunks <- &llm.ErrorChunk{Message: err.Error(), Retryable: retryable(err)}
			return
		}

		// The usage-only frame arrives with no choices.
		if len(resp.Choices) == 0 {
			if resp.Usage != nil {
				chunks <- &llm.UsageChunk{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &llm.TextChunk{Content: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(calls) <= idx {
				calls = append(calls, &pendingCall{})
			}
			if tc.ID != "" {
				calls[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].name = tc.Function.Name
			}
			calls[idx].args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == sdk.FinishReasonToolCalls {
			flushCalls()
		}
	}
}

func convertMessages(req *llm.Request) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, sdk.ChatCompletionMessage{
			Role:    sdk.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		m := sdk.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, sdk.ToolCall{
				ID:   tc.ID,
				Type: sdk.ToolTypeFunction,
				Function: sdk.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "too many requests",
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
