// Package agent implements the responder: the per-agent pipeline that
// decides whether to answer a world message, runs a streaming LLM turn
// with optional tool calls and approvals, and publishes the result.
//
// Each responder is owned by one world runtime and executes its
// pipeline sequentially; concurrent access happens only on Ingest,
// which the memory mutex covers.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/tools"
)

// ApprovalToolName is the synthetic tool call an agent emits when a
// gated tool needs a human decision. The client answers with a
// tool_result envelope addressed to this call's id.
const ApprovalToolName = "client.requestApproval"

// DefaultLLMTimeout bounds one provider turn.
const DefaultLLMTimeout = 60 * time.Second

// Config wires a responder to its world's collaborators.
type Config struct {
	Agent     *models.Agent
	World     *models.World
	Bus       *events.Bus
	Store     storage.Store
	Providers *llm.Registry
	Tools     *tools.Registry
	Approvals *approval.Cache
	Memory    []*models.Message
	Logger    *slog.Logger

	// LLMTimeout defaults to DefaultLLMTimeout, HistoryTurns to
	// DefaultHistoryTurns.
	LLMTimeout   time.Duration
	HistoryTurns int
}

// Responder runs the response pipeline for one agent.
type Responder struct {
	agent     *models.Agent
	world     *models.World
	bus       *events.Bus
	store     storage.Store
	providers *llm.Registry
	tools     *tools.Registry
	approvals *approval.Cache
	logger    *slog.Logger

	llmTimeout   time.Duration
	historyTurns int

	mu     sync.Mutex
	memory []*models.Message
}

// New creates a responder over hydrated memory.
func New(cfg Config) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LLMTimeout
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	turns := cfg.HistoryTurns
	if turns <= 0 {
		turns = DefaultHistoryTurns
	}
	return &Responder{
		agent:        cfg.Agent,
		world:        cfg.World,
		bus:          cfg.Bus,
		store:        cfg.Store,
		providers:    cfg.Providers,
		tools:        cfg.Tools,
		approvals:    cfg.Approvals,
		logger:       logger.With("world_id", cfg.World.ID, "agent_id", cfg.Agent.ID),
		llmTimeout:   timeout,
		historyTurns: turns,
		memory:       cfg.Memory,
	}
}

// Agent returns the agent record this responder drives.
func (r *Responder) Agent() *models.Agent { return r.agent }

// Memory returns a snapshot of the agent's memory.
func (r *Responder) Memory() []*models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Message, len(r.memory))
	copy(out, r.memory)
	return out
}

// ── ingestion and addressing ──

// Ingest appends an inbound message to the agent's memory. The agent's
// own messages are skipped (the pipeline stores its own copy), as are
// tool results addressed to, or owned by, another agent.
func (r *Responder) Ingest(ctx context.Context, m *models.Message) {
	if strings.EqualFold(m.Sender, r.agent.ID) {
		return
	}
	if m.Role == models.RoleTool {
		if m.AgentID != "" && !strings.EqualFold(m.AgentID, r.agent.ID) {
			return
		}
		if _, _, ok := r.findCall(m.ToolCallID); !ok {
			return
		}
	}
	entry := m.Clone()
	entry.AgentID = r.agent.ID
	if entry.ChatID == "" {
		entry.ChatID = r.world.CurrentChatID
	}
	r.appendMemory(ctx, entry)
}

// ShouldRespond applies the addressing predicate to an ingested
// message. Tool results trigger a pipeline only for the agent whose
// call they answer.
func (r *Responder) ShouldRespond(m *models.Message) bool {
	if strings.EqualFold(m.Sender, r.agent.ID) {
		return false
	}
	if m.Role == models.RoleTool {
		if m.AgentID != "" && !strings.EqualFold(m.AgentID, r.agent.ID) {
			return false
		}
		_, _, ok := r.findCall(m.ToolCallID)
		return ok
	}
	return ShouldRespond(r.agent.ID, m.Sender, m.Content)
}

// ResetTurns zeroes the per-chat LLM call counter. Invoked by the
// runtime when a HUMAN or SYSTEM message arrives.
func (r *Responder) ResetTurns(ctx context.Context) {
	if r.agent.LLMCallCount == 0 {
		return
	}
	r.agent.LLMCallCount = 0
	r.saveAgent(ctx)
}

// ── pipeline ──

type loopStatus int

const (
	loopDone loopStatus = iota
	loopError
	loopPending
)

// Respond runs the full pipeline for one triggering message. Faults
// never escape: they are converted into sse.error or world events.
func (r *Responder) Respond(ctx context.Context, trigger *models.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("responder pipeline panicked", "panic", p)
		}
	}()

	if trigger.Role == models.RoleTool {
		if !r.resumeToolPhase(ctx, trigger) {
			return
		}
	}

	if r.agent.LLMCallCount >= r.turnLimit() {
		r.bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldTurnLimit, r.agent.ID))
		return
	}

	messageID := uuid.NewString()
	r.emitSSE(&events.SSEEventPayload{
		Type: events.SSEStart, AgentName: r.agent.ID, MessageID: messageID,
	})

	text, status := r.callingLoop(ctx, messageID)
	switch status {
	case loopError:
		return
	case loopPending:
		r.emitSSE(&events.SSEEventPayload{
			Type: events.SSEEnd, AgentName: r.agent.ID, MessageID: messageID,
		})
		return
	}
	r.finalize(ctx, trigger, messageID, text)
}

// callingLoop drives provider turns until a normal stop, an error, a
// pending approval, or the turn limit. It returns the final turn's
// text; intermediate tool-call turns are persisted as they happen.
func (r *Responder) callingLoop(ctx context.Context, messageID string) (string, loopStatus) {
	var lastText string
	for {
		if r.agent.LLMCallCount >= r.turnLimit() {
			r.bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldTurnLimit, r.agent.ID))
			return "", loopDone
		}

		provider, model, err := r.providers.Resolve(r.agent.Provider, r.agent.Model)
		if err != nil {
			r.emitError(messageID, fmt.Sprintf("provider %q: %v", r.agent.Provider, err))
			return "", loopError
		}

		req := &llm.Request{
			AgentID:     r.agent.ID,
			Model:       model,
			System:      r.agent.SystemPrompt,
			Messages:    BuildHistory(r.Memory(), r.world.CurrentChatID, r.agent.ID, r.historyTurns),
			Tools:       r.tools.Definitions(),
			Temperature: r.agent.Temperature,
			MaxTokens:   r.agent.MaxTokens,
		}

		r.agent.LLMCallCount++
		r.agent.LastActive = time.Now().UTC()
		r.saveAgent(ctx)

		callCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
		chunks, err := provider.Generate(callCtx, req)
		if err != nil {
			cancel()
			r.emitError(messageID, err.Error())
			return "", loopError
		}

		var text strings.Builder
		var calls []models.ToolCall
		var streamErr string
		for chunk := range chunks {
			switch c := chunk.(type) {
			case *llm.TextChunk:
				text.WriteString(c.Content)
				r.emitSSE(&events.SSEEventPayload{
					Type: events.SSEChunk, AgentName: r.agent.ID,
					MessageID: messageID, Content: c.Content,
				})
			case *llm.ToolCallChunk:
				id := c.CallID
				if id == "" {
					id = uuid.NewString()
				}
				calls = append(calls, models.ToolCall{ID: id, Name: c.Name, Arguments: c.Arguments})
			case *llm.UsageChunk:
				r.logger.Debug("llm usage",
					"input_tokens", c.InputTokens, "output_tokens", c.OutputTokens)
			case *llm.ErrorChunk:
				streamErr = c.Message
			}
		}
		cancel()

		if streamErr != "" {
			r.emitError(messageID, streamErr)
			return "", loopError
		}
		lastText = text.String()
		if len(calls) == 0 {
			return lastText, loopDone
		}

		turn := &models.Message{
			MessageID: uuid.NewString(),
			ChatID:    r.world.CurrentChatID,
			WorldID:   r.world.ID,
			AgentID:   r.agent.ID,
			Role:      models.RoleAssistant,
			Sender:    r.agent.ID,
			Content:   lastText,
			ToolCalls: calls,
			Timestamp: time.Now().UTC(),
		}
		r.appendMemory(ctx, turn)

		if !r.runToolPhase(ctx, turn) {
			return "", loopPending
		}
	}
}

// finalize closes the stream and publishes the assistant message under
// its pre-generated id. Replies to another agent get an auto-mention;
// a pass directive keeps the reply in memory but off the wire.
func (r *Responder) finalize(ctx context.Context, trigger *models.Message, messageID, text string) {
	r.emitSSE(&events.SSEEventPayload{
		Type: events.SSEEnd, AgentName: r.agent.ID, MessageID: messageID,
	})
	if strings.TrimSpace(text) == "" {
		return
	}
	if trigger.Role != models.RoleTool &&
		!models.IsHumanOrSystem(trigger.Sender) &&
		!strings.EqualFold(trigger.Sender, r.agent.ID) {
		text = EnsureMention(text, trigger.Sender)
	}

	final := &models.Message{
		MessageID:        messageID,
		ChatID:           r.world.CurrentChatID,
		WorldID:          r.world.ID,
		AgentID:          r.agent.ID,
		Role:             models.RoleAssistant,
		Sender:           r.agent.ID,
		Content:          text,
		ReplyToMessageID: trigger.MessageID,
		Timestamp:        time.Now().UTC(),
	}
	r.appendMemory(ctx, final)

	if HasPassDirective(text) {
		r.logger.Debug("pass directive, reply suppressed", "message_id", messageID)
		return
	}
	r.publish(ctx, final)
}

// ── tool phase ──

// runToolPhase executes one assistant turn's tool calls in order.
// Returns false when a call is parked awaiting human approval; the
// pipeline resumes when the tool_result envelope arrives.
func (r *Responder) runToolPhase(ctx context.Context, turn *models.Message) bool {
	for _, call := range turn.ToolCalls {
		if call.Name == ApprovalToolName || r.answered(call.ID) {
			continue
		}
		if strings.TrimSpace(call.Name) == "" {
			r.emitToolEvent(events.WorldToolError, &events.ToolExecution{
				ToolCallID: call.ID, Error: "malformed tool call: empty name",
			})
			r.appendToolResult(ctx, call.ID, "malformed tool call: missing tool name")
			continue
		}

		r.emitToolEvent(events.WorldToolStart, &events.ToolExecution{
			ToolCallID: call.ID, Name: call.Name, Arguments: call.Arguments,
		})

		tool, ok := r.tools.Get(call.Name)
		if !ok {
			r.emitToolEvent(events.WorldToolError, &events.ToolExecution{
				ToolCallID: call.ID, Name: call.Name, Error: "tool not found",
			})
			r.appendToolResult(ctx, call.ID, fmt.Sprintf("tool %q not found", call.Name))
			continue
		}

		if tool.RequiresApproval() {
			entry, cached := r.approvals.Get(r.world.CurrentChatID, call.Name)
			switch {
			case cached && entry.Decision == approval.Approve:
				r.executeCall(ctx, call)
			case cached && entry.Decision == approval.Deny:
				r.denyCall(ctx, call)
			default:
				r.requestApproval(ctx, turn, call)
				return false
			}
			continue
		}
		r.executeCall(ctx, call)
	}
	return true
}

// executeCall runs one tool call and records the outcome as a
// tool-role message plus a world event.
func (r *Responder) executeCall(ctx context.Context, call models.ToolCall) {
	out, err := r.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		r.emitToolEvent(events.WorldToolError, &events.ToolExecution{
			ToolCallID: call.ID, Name: call.Name, Error: err.Error(),
		})
		r.appendToolResult(ctx, call.ID, fmt.Sprintf("tool error: %v", err))
		return
	}
	r.emitToolEvent(events.WorldToolResult, &events.ToolExecution{
		ToolCallID: call.ID, Name: call.Name, Result: out,
	})
	r.appendToolResult(ctx, call.ID, out)
}

// denyCall records a denial so the model can react or give up.
func (r *Responder) denyCall(ctx context.Context, call models.ToolCall) {
	r.emitToolEvent(events.WorldToolResult, &events.ToolExecution{
		ToolCallID: call.ID, Name: call.Name, Result: `{"decision":"deny"}`,
	})
	r.appendToolResult(ctx, call.ID, `{"decision":"deny"}`)
}

// approvalArgs is the payload of a client.requestApproval call: enough
// for the client to render the request and for the responder to locate
// the original call on resume.
type approvalArgs struct {
	Tool       string `json:"tool"`
	ToolCallID string `json:"tool_call_id"`
	Arguments  string `json:"arguments,omitempty"`
}

// approvalReply is the decoded content of the human's tool_result.
type approvalReply struct {
	Decision string `json:"decision"`
	Scope    string `json:"scope,omitempty"`
}

// requestApproval parks the pending call: a client.requestApproval call
// is appended to the same assistant turn and the turn is published so
// the client can prompt the human.
func (r *Responder) requestApproval(ctx context.Context, turn *models.Message, call models.ToolCall) {
	args, err := json.Marshal(approvalArgs{
		Tool: call.Name, ToolCallID: call.ID, Arguments: call.Arguments,
	})
	if err != nil {
		r.logger.Error("marshal approval request", "error", err)
		return
	}
	approvalCall := models.ToolCall{
		ID:        uuid.NewString(),
		Name:      ApprovalToolName,
		Arguments: string(args),
	}

	r.mu.Lock()
	turn.ToolCalls = append(turn.ToolCalls, approvalCall)
	snapshot := make([]*models.Message, len(r.memory))
	copy(snapshot, r.memory)
	r.mu.Unlock()
	r.saveMemory(ctx, snapshot)

	r.logger.Info("tool call awaiting approval",
		"tool", call.Name, "tool_call_id", call.ID)
	r.publish(ctx, turn)
}

// resumeToolPhase handles a tool-role trigger: an approval reply or an
// externally executed tool result. It answers the parked call, then
// finishes any still-unanswered calls from the same assistant turn.
// Returns true when the pipeline should continue into a new LLM turn.
func (r *Responder) resumeToolPhase(ctx context.Context, trigger *models.Message) bool {
	turn, call, ok := r.findCall(trigger.ToolCallID)
	if !ok {
		return false
	}

	if call.Name == ApprovalToolName {
		var args approvalArgs
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			r.logger.Error("corrupt approval request arguments", "error", err)
			return false
		}
		var reply approvalReply
		if err := json.Unmarshal([]byte(trigger.Content), &reply); err != nil {
			reply.Decision = string(approval.Deny)
		}
		decision := approval.Deny
		if strings.EqualFold(reply.Decision, string(approval.Approve)) {
			decision = approval.Approve
		}
		if strings.EqualFold(reply.Scope, string(approval.ScopeSession)) {
			r.approvals.Set(r.world.CurrentChatID, args.Tool, decision)
		}

		original, found := findCallIn(turn, args.ToolCallID)
		if !found {
			r.logger.Error("approval reply for unknown call", "tool_call_id", args.ToolCallID)
			return false
		}
		if decision == approval.Approve {
			r.executeCall(ctx, original)
		} else {
			r.denyCall(ctx, original)
		}
	}

	// The turn may hold further calls that were queued behind the
	// approval gate.
	return r.runToolPhase(ctx, turn)
}

// ── memory and event helpers ──

func (r *Responder) turnLimit() int {
	if r.world.TurnLimit > 0 {
		return r.world.TurnLimit
	}
	return models.DefaultTurnLimit
}

func (r *Responder) appendMemory(ctx context.Context, m *models.Message) {
	r.mu.Lock()
	r.memory = append(r.memory, m)
	snapshot := make([]*models.Message, len(r.memory))
	copy(snapshot, r.memory)
	r.mu.Unlock()
	r.saveMemory(ctx, snapshot)
}

func (r *Responder) appendToolResult(ctx context.Context, callID, content string) {
	r.appendMemory(ctx, &models.Message{
		MessageID:  uuid.NewString(),
		ChatID:     r.world.CurrentChatID,
		WorldID:    r.world.ID,
		AgentID:    r.agent.ID,
		Role:       models.RoleTool,
		Sender:     r.agent.ID,
		Content:    content,
		ToolCallID: callID,
		Timestamp:  time.Now().UTC(),
	})
}

// saveMemory persists the full memory list. Storage faults here are
// logged, never fatal to the pipeline.
func (r *Responder) saveMemory(ctx context.Context, snapshot []*models.Message) {
	if err := r.store.SaveAgentMemory(ctx, r.world.ID, r.agent.ID, snapshot); err != nil {
		r.logger.Warn("save agent memory failed", "error", err)
	}
}

func (r *Responder) saveAgent(ctx context.Context) {
	r.agent.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveAgent(ctx, r.world.ID, r.agent); err != nil {
		r.logger.Warn("save agent config failed", "error", err)
	}
}

// findCall locates the assistant turn owning a tool call id.
func (r *Responder) findCall(callID string) (*models.Message, models.ToolCall, bool) {
	if callID == "" {
		return nil, models.ToolCall{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.memory) - 1; i >= 0; i-- {
		m := r.memory[i]
		if m.Role != models.RoleAssistant || !strings.EqualFold(m.Sender, r.agent.ID) {
			continue
		}
		if call, ok := findCallIn(m, callID); ok {
			return m, call, true
		}
	}
	return nil, models.ToolCall{}, false
}

func findCallIn(m *models.Message, callID string) (models.ToolCall, bool) {
	for _, tc := range m.ToolCalls {
		if tc.ID == callID {
			return tc, true
		}
	}
	return models.ToolCall{}, false
}

// answered reports whether a tool-role message for callID exists.
func (r *Responder) answered(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.memory {
		if m.Role == models.RoleTool && m.ToolCallID == callID {
			return true
		}
	}
	return false
}

// publish bumps the chat message count and fans the message out.
func (r *Responder) publish(ctx context.Context, m *models.Message) {
	if m.ChatID != "" {
		if _, err := r.store.UpdateChat(ctx, r.world.ID, m.ChatID, storage.ChatUpdate{MessageCountDelta: 1}); err != nil {
			r.logger.Warn("update chat count failed", "error", err)
		}
	}
	r.bus.Emit(events.FamilyMessage, events.MessagePayloadFrom(m))
}

func (r *Responder) emitSSE(p *events.SSEEventPayload) {
	if p.ChatID == "" {
		p.ChatID = r.world.CurrentChatID
	}
	r.bus.Emit(events.FamilySSE, p)
}

func (r *Responder) emitError(messageID, msg string) {
	r.logger.Error("llm turn failed", "message_id", messageID, "error", msg)
	r.emitSSE(&events.SSEEventPayload{
		Type: events.SSEError, AgentName: r.agent.ID, MessageID: messageID, Error: msg,
	})
}

func (r *Responder) emitToolEvent(typ string, exec *events.ToolExecution) {
	p := events.NewWorldEvent(typ, r.agent.ID)
	p.ToolExecution = exec
	r.bus.Emit(events.FamilyWorld, p)
}
