package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/llm/mock"
)

func TestRegistryResolve(t *testing.T) {
	reg := llm.NewRegistry()
	provider := mock.New()
	reg.Register("mock", provider, "scripted-1")

	p, model, err := reg.Resolve("mock", "")
	require.NoError(t, err)
	assert.Same(t, llm.Provider(provider), p)
	assert.Equal(t, "scripted-1", model)

	// Explicit model wins over the default.
	_, model, err = reg.Resolve("mock", "scripted-2")
	require.NoError(t, err)
	assert.Equal(t, "scripted-2", model)
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := llm.NewRegistry()
	_, _, err := reg.Resolve("nope", "")
	assert.ErrorIs(t, err, llm.ErrProviderNotFound)
}

func TestMockSequentialAndRouted(t *testing.T) {
	p := mock.New()
	p.AddRouted("a1", mock.Script{Text: "routed for a1"})
	p.AddSequential(mock.Script{Text: "first"})
	p.AddSequential(mock.Script{Text: "second"})

	collect := func(agentID string) string {
		ch, err := p.Generate(context.Background(), &llm.Request{AgentID: agentID})
		require.NoError(t, err)
		var out string
		for c := range ch {
			if tc, ok := c.(*llm.TextChunk); ok {
				out += tc.Content
			}
		}
		return out
	}

	assert.Equal(t, "routed for a1", collect("a1"))
	assert.Equal(t, "first", collect("a2"))
	// a1's route is exhausted; falls back to sequential.
	assert.Equal(t, "second", collect("a1"))

	// Everything exhausted and no default installed.
	_, err := p.Generate(context.Background(), &llm.Request{AgentID: "a3"})
	assert.Error(t, err)

	assert.Equal(t, 3, p.CallCount())
	assert.Equal(t, 2, p.CallCountFor("a1"))
}

func TestMockDefaultFallback(t *testing.T) {
	p := mock.NewEchoing()
	ch, err := p.Generate(context.Background(), &llm.Request{AgentID: "scout"})
	require.NoError(t, err)

	var text string
	var sawUsage bool
	for c := range ch {
		switch v := c.(type) {
		case *llm.TextChunk:
			text += v.Content
		case *llm.UsageChunk:
			sawUsage = true
		}
	}
	assert.Contains(t, text, "scout")
	assert.True(t, sawUsage)
}

func TestMockToolCallScript(t *testing.T) {
	p := mock.New()
	p.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "time", Arguments: "{}"},
	}})

	ch, err := p.Generate(context.Background(), &llm.Request{})
	require.NoError(t, err)

	var calls []*llm.ToolCallChunk
	for c := range ch {
		if tc, ok := c.(*llm.ToolCallChunk); ok {
			calls = append(calls, tc)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "time", calls[0].Name)
}

func TestMockBlockUntilCancelled(t *testing.T) {
	p := mock.New()
	blocked := make(chan struct{}, 1)
	p.AddSequential(mock.Script{BlockUntilCancelled: true, OnBlock: blocked})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Generate(ctx, &llm.Request{})
	require.NoError(t, err)

	<-blocked
	cancel()

	// Channel closes without chunks once the context is cancelled.
	_, open := <-ch
	assert.False(t, open)
}
