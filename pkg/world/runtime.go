package world

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/agent"
	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/tools"
)

// RuntimeConfig wires a runtime to its collaborators.
type RuntimeConfig struct {
	WorldID   string
	Store     storage.Store
	Bus       *events.Bus
	Providers *llm.Registry
	Tools     *tools.Registry
	Approvals *approval.Cache
	Logger    *slog.Logger

	LLMTimeout   time.Duration
	HistoryTurns int
}

// Runtime is a hydrated world: its agents, their responders, and the
// subscription plumbing between the bus and the pipelines. One runtime
// serves one world task at a time; the queue processor guarantees no
// two tasks share a world.
type Runtime struct {
	world  *models.World
	bus    *events.Bus
	store  storage.Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	responders map[string]*agent.Responder
	inboxes    map[string]*inbox
	disposers  []func()
	wg         sync.WaitGroup

	mu          sync.Mutex
	inFlight    int
	idleWaiters []chan struct{}
}

// Load hydrates a world: config, active agents, their memory, and one
// subscription per agent on the message stream. A world with no
// current chat gets one.
func Load(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("world_id", cfg.WorldID)

	w, err := cfg.Store.LoadWorld(ctx, cfg.WorldID)
	if err != nil {
		return nil, fmt.Errorf("load world: %w", err)
	}
	if w.CurrentChatID == "" {
		now := time.Now().UTC()
		chat := &models.Chat{
			ID:        uuid.NewString(),
			WorldID:   w.ID,
			Name:      models.DefaultChatName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := cfg.Store.SaveChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("save bootstrap chat: %w", err)
		}
		w.CurrentChatID = chat.ID
		if err := cfg.Store.SaveWorld(ctx, w); err != nil {
			return nil, fmt.Errorf("save world: %w", err)
		}
	}

	agents, err := cfg.Store.ListAgents(ctx, cfg.WorldID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		world:      w,
		bus:        cfg.Bus,
		store:      cfg.Store,
		logger:     logger,
		ctx:        rctx,
		cancel:     cancel,
		responders: make(map[string]*agent.Responder),
		inboxes:    make(map[string]*inbox),
	}

	for _, a := range agents {
		if !a.IsActive() {
			continue
		}
		memory, err := cfg.Store.LoadAgentMemory(ctx, cfg.WorldID, a.ID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load memory for %s: %w", a.ID, err)
		}
		resp := agent.New(agent.Config{
			Agent:        a,
			World:        w,
			Bus:          cfg.Bus,
			Store:        cfg.Store,
			Providers:    cfg.Providers,
			Tools:        cfg.Tools,
			Approvals:    cfg.Approvals,
			Memory:       memory,
			Logger:       logger,
			LLMTimeout:   cfg.LLMTimeout,
			HistoryTurns: cfg.HistoryTurns,
		})
		r.responders[a.ID] = resp
		r.attach(resp)
	}

	logger.Info("world hydrated", "agents", len(r.responders), "chat_id", w.CurrentChatID)
	return r, nil
}

// attach subscribes one agent's handler and starts its inbox worker.
// The handler runs inside Emit: ingestion and the in-flight increment
// happen before the emitter continues, so idle detection can never
// fire between a message event and the pipelines it triggers.
func (r *Runtime) attach(resp *agent.Responder) {
	box := newInbox()
	r.inboxes[resp.Agent().ID] = box

	dispose := r.bus.Subscribe(events.FamilyMessage, func(evt events.Event) {
		payload, ok := evt.Payload.(*events.MessageEventPayload)
		if !ok {
			return
		}
		m := messageFromPayload(r.world, payload)
		if strings.EqualFold(m.Sender, resp.Agent().ID) {
			return
		}
		if models.IsHumanOrSystem(m.Sender) {
			resp.ResetTurns(r.ctx)
		}
		resp.Ingest(r.ctx, m)
		if resp.ShouldRespond(m) {
			r.pipelineStarted()
			box.push(m)
		}
	})
	r.disposers = append(r.disposers, dispose)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			m, ok := box.pop(r.ctx)
			if !ok {
				return
			}
			resp.Respond(r.ctx, m)
			r.pipelineDone()
		}
	}()
}

// World returns the hydrated world record.
func (r *Runtime) World() *models.World { return r.world }

// Responder returns one agent's responder, for tests and commands.
func (r *Runtime) Responder(agentID string) (*agent.Responder, bool) {
	resp, ok := r.responders[agentID]
	return resp, ok
}

// AgentCount reports the number of active, attached agents.
func (r *Runtime) AgentCount() int { return len(r.responders) }

// ProcessMessage turns a queue entry into a message event on the bus.
// Tool-result envelopes become tool-role messages; everything else is
// user text. When no pipeline picks the message up the world is
// already idle and says so.
func (r *Runtime) ProcessMessage(ctx context.Context, entry *models.QueueEntry) error {
	chatID := entry.ChatID
	if chatID == "" {
		chatID = r.world.CurrentChatID
	}
	m := &models.Message{
		MessageID: entry.MessageID,
		ChatID:    chatID,
		WorldID:   r.world.ID,
		Role:      models.RoleUser,
		Sender:    entry.Sender,
		Content:   entry.Content,
		Timestamp: time.Now().UTC(),
	}
	if env, ok := models.ParseEnvelope(entry.Content); ok && env.Type == models.EnvelopeToolResult {
		m.Role = models.RoleTool
		m.ToolCallID = env.ToolCallID
		m.AgentID = env.AgentID
		m.Content = env.Content
	}

	if _, err := r.store.UpdateChat(ctx, r.world.ID, m.ChatID, storage.ChatUpdate{MessageCountDelta: 1}); err != nil {
		r.logger.Warn("update chat count failed", "chat_id", m.ChatID, "error", err)
	}

	r.bus.Emit(events.FamilyMessage, events.MessagePayloadFrom(m))

	r.mu.Lock()
	idle := r.inFlight == 0
	r.mu.Unlock()
	if idle {
		r.bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldIdle, ""))
	}
	return nil
}

// AwaitIdle blocks until every in-flight pipeline has finished or the
// context expires.
func (r *Runtime) AwaitIdle(ctx context.Context) error {
	r.mu.Lock()
	if r.inFlight == 0 {
		r.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	r.idleWaiters = append(r.idleWaiters, w)
	r.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the runtime down: subscriptions detach, inbox workers
// drain out, pending pipelines are cancelled.
func (r *Runtime) Close() {
	for _, dispose := range r.disposers {
		dispose()
	}
	r.cancel()
	r.wg.Wait()
}

func (r *Runtime) pipelineStarted() {
	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()
}

func (r *Runtime) pipelineDone() {
	r.mu.Lock()
	r.inFlight--
	idle := r.inFlight == 0
	var waiters []chan struct{}
	if idle {
		waiters = r.idleWaiters
		r.idleWaiters = nil
	}
	r.mu.Unlock()

	if idle {
		r.bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldIdle, ""))
		for _, w := range waiters {
			close(w)
		}
	}
}

func messageFromPayload(w *models.World, p *events.MessageEventPayload) *models.Message {
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = w.CurrentChatID
	}
	return &models.Message{
		MessageID:        p.MessageID,
		ChatID:           chatID,
		WorldID:          w.ID,
		AgentID:          p.AgentID,
		Role:             p.Role,
		Sender:           p.Sender,
		Content:          p.Content,
		ToolCalls:        p.ToolCalls,
		ToolCallID:       p.ToolCallID,
		ReplyToMessageID: p.ReplyToMessageID,
		Timestamp:        ts,
	}
}

// inbox is an unbounded FIFO feeding one agent's pipeline. Push never
// blocks, which matters because it is called from inside Emit.
type inbox struct {
	mu     sync.Mutex
	queue  []*models.Message
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) push(m *models.Message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// pop blocks for the next message; ok is false once ctx is cancelled.
func (b *inbox) pop(ctx context.Context) (*models.Message, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			m := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return m, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-b.notify:
		}
	}
}
