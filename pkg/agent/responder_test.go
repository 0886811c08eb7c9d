package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/agent"
	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/llm/mock"
	"github.com/yysun/agent-world/pkg/models"
	memstore "github.com/yysun/agent-world/pkg/storage/memory"
	"github.com/yysun/agent-world/pkg/tools"
)

// gatedTool requires approval before every execution.
type gatedTool struct {
	mu    sync.Mutex
	calls int
}

func (g *gatedTool) Name() string             { return "shell" }
func (g *gatedTool) Description() string      { return "Run a shell command." }
func (g *gatedTool) ParametersSchema() string { return `{"type":"object"}` }
func (g *gatedTool) RequiresApproval() bool   { return true }

func (g *gatedTool) Execute(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return "shell ok", nil
}

func (g *gatedTool) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixture struct {
	resp      *agent.Responder
	provider  *mock.Provider
	approvals *approval.Cache
	shell     *gatedTool

	mu       sync.Mutex
	byFamily map[events.Family][]events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memstore.New()
	t.Cleanup(func() { _ = store.Close() })

	world := &models.World{ID: "w1", Name: "World One", TurnLimit: 5, CurrentChatID: "c1"}
	require.NoError(t, store.SaveWorld(ctx, world))
	require.NoError(t, store.SaveChat(ctx, &models.Chat{ID: "c1", WorldID: "w1", Name: models.DefaultChatName}))

	a := &models.Agent{
		ID: "a1", WorldID: "w1", Name: "Agent One",
		Provider: "mock", Model: "scripted",
		Status: models.AgentStatusActive,
	}
	require.NoError(t, store.SaveAgent(ctx, "w1", a))

	provider := mock.New()
	providers := llm.NewRegistry()
	providers.Register("mock", provider, "scripted")

	shell := &gatedTool{}
	reg := tools.NewBuiltinRegistry()
	reg.Register(shell)

	f := &fixture{
		provider:  provider,
		approvals: approval.NewCache(),
		shell:     shell,
		byFamily:  make(map[events.Family][]events.Event),
	}

	bus := events.NewBus("w1", nil)
	for _, fam := range []events.Family{events.FamilyMessage, events.FamilySSE, events.FamilyWorld} {
		fam := fam
		bus.Subscribe(fam, func(e events.Event) {
			f.mu.Lock()
			f.byFamily[fam] = append(f.byFamily[fam], e)
			f.mu.Unlock()
		})
	}

	f.resp = agent.New(agent.Config{
		Agent:     a,
		World:     world,
		Bus:       bus,
		Store:     store,
		Providers: providers,
		Tools:     reg,
		Approvals: f.approvals,
	})
	return f
}

func (f *fixture) events(fam events.Family) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Event, len(f.byFamily[fam]))
	copy(out, f.byFamily[fam])
	return out
}

func (f *fixture) sseTypes() []string {
	var out []string
	for _, e := range f.events(events.FamilySSE) {
		out = append(out, e.Payload.(*events.SSEEventPayload).Type)
	}
	return out
}

func (f *fixture) trigger(sender, content string) *models.Message {
	return &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    "c1", WorldID: "w1",
		Role: models.RoleUser, Sender: sender, Content: content,
	}
}

func (f *fixture) deliver(ctx context.Context, m *models.Message) {
	f.resp.Ingest(ctx, m)
	if f.resp.ShouldRespond(m) {
		f.resp.Respond(ctx, m)
	}
}

func TestRespondStreamsAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Text: "Hello back!"})

	f.deliver(context.Background(), f.trigger("HUMAN", "Hello team!"))

	assert.Equal(t, []string{"start", "chunk", "end"}, f.sseTypes())

	msgs := f.events(events.FamilyMessage)
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(*events.MessageEventPayload)
	assert.Equal(t, "a1", payload.Sender)
	assert.Equal(t, "Hello back!", payload.Content)

	// The streamed id and the published id are the same pre-generated one.
	start := f.events(events.FamilySSE)[0].Payload.(*events.SSEEventPayload)
	assert.Equal(t, start.MessageID, payload.MessageID)

	assert.Equal(t, 1, f.resp.Agent().LLMCallCount)

	mem := f.resp.Memory()
	require.Len(t, mem, 2) // incoming + reply
	assert.Equal(t, models.RoleAssistant, mem[1].Role)
	assert.Equal(t, payload.MessageID, mem[1].MessageID)
}

func TestRespondIgnoresUnaddressedMessage(t *testing.T) {
	f := newFixture(t)

	f.deliver(context.Background(), f.trigger("HUMAN", "@a2 please summarize."))

	assert.Empty(t, f.events(events.FamilySSE))
	assert.Empty(t, f.events(events.FamilyMessage))
	assert.Equal(t, 0, f.resp.Agent().LLMCallCount)
	// The message still lands in memory.
	require.Len(t, f.resp.Memory(), 1)
}

func TestRespondAutoMentionsReplyToAgent(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Text: "on it"})

	m := f.trigger("a2", "@a1 your turn")
	m.Role = models.RoleAssistant
	f.deliver(context.Background(), m)

	msgs := f.events(events.FamilyMessage)
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(*events.MessageEventPayload)
	assert.Equal(t, "@a2 on it", payload.Content)
	assert.Equal(t, m.MessageID, payload.ReplyToMessageID)
}

func TestRespondToolLoop(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "echo", Arguments: `{"text":"ping"}`},
	}})
	f.provider.AddSequential(mock.Script{Text: "the echo said ping"})

	f.deliver(context.Background(), f.trigger("HUMAN", "try the echo tool"))

	worldEvents := f.events(events.FamilyWorld)
	require.Len(t, worldEvents, 2)
	start := worldEvents[0].Payload.(*events.WorldEventPayload)
	result := worldEvents[1].Payload.(*events.WorldEventPayload)
	assert.Equal(t, events.WorldToolStart, start.Type)
	assert.Equal(t, events.WorldToolResult, result.Type)
	assert.Equal(t, "ping", result.ToolExecution.Result)

	assert.Equal(t, 2, f.resp.Agent().LLMCallCount)

	// Memory: incoming, assistant tool turn, tool result, final reply.
	mem := f.resp.Memory()
	require.Len(t, mem, 4)
	assert.Equal(t, models.RoleTool, mem[2].Role)
	assert.Equal(t, "call-1", mem[2].ToolCallID)
	assert.Equal(t, "the echo said ping", mem[3].Content)
}

func TestRespondMalformedToolCall(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "  ", Arguments: "{}"},
	}})
	f.provider.AddSequential(mock.Script{Text: "never mind"})

	f.deliver(context.Background(), f.trigger("HUMAN", "go"))

	worldEvents := f.events(events.FamilyWorld)
	require.Len(t, worldEvents, 1)
	assert.Equal(t, events.WorldToolError, worldEvents[0].Payload.(*events.WorldEventPayload).Type)

	// The synthesized result keeps the history coherent for the model.
	mem := f.resp.Memory()
	require.Len(t, mem, 4)
	assert.Equal(t, models.RoleTool, mem[2].Role)
	assert.Contains(t, mem[2].Content, "malformed tool call")
}

func TestRespondApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "shell", Arguments: `{"cmd":"ls"}`},
	}})

	f.deliver(ctx, f.trigger("HUMAN", "run ls"))

	// Pipeline parked: the published turn carries the approval request.
	assert.Equal(t, 0, f.shell.callCount())
	msgs := f.events(events.FamilyMessage)
	require.Len(t, msgs, 1)
	turn := msgs[0].Payload.(*events.MessageEventPayload)
	require.Len(t, turn.ToolCalls, 2)
	assert.Equal(t, agent.ApprovalToolName, turn.ToolCalls[1].Name)
	assert.Equal(t, []string{"start", "end"}, f.sseTypes())

	// Human approves for the session.
	f.provider.AddSequential(mock.Script{Text: "done: file list"})
	reply := &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    "c1", WorldID: "w1",
		Role:       models.RoleTool,
		Sender:     "HUMAN",
		ToolCallID: turn.ToolCalls[1].ID,
		Content:    `{"decision":"approve","scope":"session"}`,
	}
	f.deliver(ctx, reply)

	assert.Equal(t, 1, f.shell.callCount())
	entry, ok := f.approvals.Get("c1", "shell")
	require.True(t, ok)
	assert.Equal(t, approval.Approve, entry.Decision)

	msgs = f.events(events.FamilyMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "done: file list", msgs[1].Payload.(*events.MessageEventPayload).Content)

	// Next call in the same chat skips the approval round-trip.
	f.provider.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-2", Name: "shell", Arguments: `{"cmd":"pwd"}`},
	}})
	f.provider.AddSequential(mock.Script{Text: "done again"})
	f.deliver(ctx, f.trigger("HUMAN", "run pwd"))
	assert.Equal(t, 2, f.shell.callCount())
}

func TestRespondApprovalDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.AddSequential(mock.Script{Chunks: []llm.Chunk{
		&llm.ToolCallChunk{CallID: "call-1", Name: "shell", Arguments: "{}"},
	}})

	f.deliver(ctx, f.trigger("HUMAN", "run something"))
	turn := f.events(events.FamilyMessage)[0].Payload.(*events.MessageEventPayload)

	f.provider.AddSequential(mock.Script{Text: "understood, standing down"})
	reply := &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    "c1", WorldID: "w1",
		Role:       models.RoleTool,
		Sender:     "HUMAN",
		ToolCallID: turn.ToolCalls[1].ID,
		Content:    `{"decision":"deny","scope":"once"}`,
	}
	f.deliver(ctx, reply)

	assert.Equal(t, 0, f.shell.callCount())
	// A once-scoped denial is never cached.
	_, ok := f.approvals.Get("c1", "shell")
	assert.False(t, ok)

	var sawDeny bool
	for _, m := range f.resp.Memory() {
		if m.Role == models.RoleTool && strings.Contains(m.Content, `"deny"`) {
			sawDeny = true
		}
	}
	assert.True(t, sawDeny)
}

func TestRespondTurnLimit(t *testing.T) {
	f := newFixture(t)
	f.resp.Agent().LLMCallCount = 5

	f.deliver(context.Background(), f.trigger("a2", "@a1 keep going"))

	assert.Empty(t, f.events(events.FamilySSE))
	assert.Empty(t, f.events(events.FamilyMessage))

	worldEvents := f.events(events.FamilyWorld)
	require.Len(t, worldEvents, 1)
	assert.Equal(t, events.WorldTurnLimit, worldEvents[0].Payload.(*events.WorldEventPayload).Type)
}

func TestRespondTurnReset(t *testing.T) {
	f := newFixture(t)
	f.resp.Agent().LLMCallCount = 5
	f.provider.AddSequential(mock.Script{Text: "fresh start"})

	f.resp.ResetTurns(context.Background())
	f.deliver(context.Background(), f.trigger("HUMAN", "hello again"))

	require.Len(t, f.events(events.FamilyMessage), 1)
	assert.Equal(t, 1, f.resp.Agent().LLMCallCount)
}

func TestRespondPassDirective(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Text: "nothing to add <world>pass</world>"})

	f.deliver(context.Background(), f.trigger("HUMAN", "anyone?"))

	// Stored verbatim, never published.
	assert.Empty(t, f.events(events.FamilyMessage))
	assert.Equal(t, []string{"start", "chunk", "end"}, f.sseTypes())

	mem := f.resp.Memory()
	require.Len(t, mem, 2)
	assert.Contains(t, mem[1].Content, "<world>pass</world>")
}

func TestRespondProviderError(t *testing.T) {
	f := newFixture(t)
	f.provider.AddSequential(mock.Script{Error: errors.New("rate limited")})

	f.deliver(context.Background(), f.trigger("HUMAN", "hello"))

	types := f.sseTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, "error", types[len(types)-1])
	assert.Empty(t, f.events(events.FamilyMessage))

	// Only the incoming message is in memory; no assistant reply.
	require.Len(t, f.resp.Memory(), 1)
}

func TestIngestSkipsForeignToolResults(t *testing.T) {
	f := newFixture(t)

	foreign := &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    "c1", WorldID: "w1",
		Role: models.RoleTool, Sender: "HUMAN",
		AgentID: "a2", ToolCallID: "call-elsewhere",
	}
	f.resp.Ingest(context.Background(), foreign)
	assert.Empty(t, f.resp.Memory())
	assert.False(t, f.resp.ShouldRespond(foreign))
}
