// Package world holds the two faces of a world: the Manager for CRUD
// over worlds, agents, and chats, and the Runtime that hydrates a
// world and drives its agents against the event bus.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

// Manager performs validated configuration mutations. Every mutation
// holds the world's write lock and emits a crud event on the world's
// bus so connected clients can refresh.
type Manager struct {
	store     storage.Store
	buses     *events.BusRegistry
	approvals *approval.Cache
	defaults  config.Defaults
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the manager.
func NewManager(store storage.Store, buses *events.BusRegistry, approvals *approval.Cache, defaults config.Defaults, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.TurnLimit <= 0 {
		defaults.TurnLimit = models.DefaultTurnLimit
	}
	return &Manager{
		store:     store,
		buses:     buses,
		approvals: approvals,
		defaults:  defaults,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the world-level write lock.
func (m *Manager) lockFor(worldID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[worldID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[worldID] = l
	}
	return l
}

func (m *Manager) emitCRUD(worldID, op, entity, id string, payload any) {
	m.buses.Get(worldID).Emit(events.FamilyCRUD, events.NewCRUDEvent(op, entity, id, payload))
}

// ── worlds ──

// WorldUpdate is a partial world mutation; nil fields stay unchanged.
type WorldUpdate struct {
	Name            *string
	Description     *string
	TurnLimit       *int
	ChatLLMProvider *string
	ChatLLMModel    *string
}

// CreateWorld creates a world plus its first chat. The id is the
// kebab-case slug of the name and is immutable afterwards.
func (m *Manager) CreateWorld(ctx context.Context, name, description string, turnLimit int) (*models.World, error) {
	id := models.ToKebabCase(name)
	if id == "" {
		return nil, NewValidationError(CodeInvalidName, "world name %q yields an empty id", name)
	}
	if turnLimit < 0 {
		return nil, NewValidationError(CodeInvalidTurnLimit, "turn limit must be >= 1, got %d", turnLimit)
	}
	if turnLimit == 0 {
		turnLimit = m.defaults.TurnLimit
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	exists, err := m.store.WorldExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check world: %w", err)
	}
	if exists {
		return nil, NewValidationError(CodeWorldExists, "world %q already exists", id)
	}

	now := time.Now().UTC()
	chat := &models.Chat{
		ID:        uuid.NewString(),
		WorldID:   id,
		Name:      models.DefaultChatName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w := &models.World{
		ID:              id,
		Name:            name,
		Description:     description,
		TurnLimit:       turnLimit,
		ChatLLMProvider: m.defaults.Provider,
		ChatLLMModel:    m.defaults.Model,
		CurrentChatID:   chat.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.SaveWorld(ctx, w); err != nil {
		return nil, fmt.Errorf("save world: %w", err)
	}
	if err := m.store.SaveChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("save initial chat: %w", err)
	}

	m.emitCRUD(id, events.CRUDCreate, "world", id, w)
	m.logger.Info("world created", "world_id", id)
	return w, nil
}

// GetWorld loads one world.
func (m *Manager) GetWorld(ctx context.Context, worldID string) (*models.World, error) {
	w, err := m.store.LoadWorld(ctx, worldID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, NewValidationError(CodeWorldNotFound, "world %q not found", worldID)
		}
		return nil, err
	}
	return w, nil
}

// ListWorlds lists every world.
func (m *Manager) ListWorlds(ctx context.Context) ([]*models.World, error) {
	return m.store.ListWorlds(ctx)
}

// UpdateWorld applies a partial update. The id never changes.
func (m *Manager) UpdateWorld(ctx context.Context, worldID string, upd WorldUpdate) (*models.World, error) {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if upd.TurnLimit != nil && *upd.TurnLimit < 1 {
		return nil, NewValidationError(CodeInvalidTurnLimit, "turn limit must be >= 1, got %d", *upd.TurnLimit)
	}
	if upd.Name != nil {
		w.Name = *upd.Name
	}
	if upd.Description != nil {
		w.Description = *upd.Description
	}
	if upd.TurnLimit != nil {
		w.TurnLimit = *upd.TurnLimit
	}
	if upd.ChatLLMProvider != nil {
		w.ChatLLMProvider = *upd.ChatLLMProvider
	}
	if upd.ChatLLMModel != nil {
		w.ChatLLMModel = *upd.ChatLLMModel
	}
	w.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWorld(ctx, w); err != nil {
		return nil, fmt.Errorf("save world: %w", err)
	}
	m.emitCRUD(worldID, events.CRUDUpdate, "world", worldID, w)
	return w, nil
}

// DeleteWorld removes the world and everything under it, clears its
// chats' approvals, and drops the world's bus.
func (m *Manager) DeleteWorld(ctx context.Context, worldID string) error {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.GetWorld(ctx, worldID); err != nil {
		return err
	}
	chats, err := m.store.ListChats(ctx, worldID)
	if err != nil {
		m.logger.Warn("list chats before delete failed", "world_id", worldID, "error", err)
	}
	if err := m.store.DeleteWorld(ctx, worldID); err != nil {
		return fmt.Errorf("delete world: %w", err)
	}
	for _, c := range chats {
		m.approvals.Clear(c.ID)
	}
	m.emitCRUD(worldID, events.CRUDDelete, "world", worldID, nil)
	m.buses.Remove(worldID)
	m.logger.Info("world deleted", "world_id", worldID)
	return nil
}

// ── agents ──

// AgentUpdate is a partial agent mutation; nil fields stay unchanged.
type AgentUpdate struct {
	Name         *string
	Description  *string
	Provider     *string
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
	Status       *models.AgentStatus
	MCPServers   []string
}

// CreateAgent adds an agent to a world, falling back to the configured
// default provider and model.
func (m *Manager) CreateAgent(ctx context.Context, worldID, name, description, provider, model, systemPrompt string) (*models.Agent, error) {
	id := models.ToKebabCase(name)
	if id == "" {
		return nil, NewValidationError(CodeInvalidName, "agent name %q yields an empty id", name)
	}

	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.GetWorld(ctx, worldID); err != nil {
		return nil, err
	}
	existing, err := m.store.LoadAgent(ctx, worldID, id)
	if err != nil {
		return nil, fmt.Errorf("check agent: %w", err)
	}
	if existing != nil {
		return nil, NewValidationError(CodeAgentExists, "agent %q already exists in world %q", id, worldID)
	}

	if provider == "" {
		provider = m.defaults.Provider
	}
	if model == "" {
		model = m.defaults.Model
	}
	now := time.Now().UTC()
	a := &models.Agent{
		ID:           id,
		WorldID:      worldID,
		Name:         name,
		Description:  description,
		Provider:     provider,
		Model:        model,
		SystemPrompt: systemPrompt,
		Status:       models.AgentStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveAgent(ctx, worldID, a); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	m.emitCRUD(worldID, events.CRUDCreate, "agent", id, a)
	m.logger.Info("agent created", "world_id", worldID, "agent_id", id)
	return a, nil
}

// GetAgent loads one agent.
func (m *Manager) GetAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	a, err := m.store.LoadAgent(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NewValidationError(CodeAgentNotFound, "agent %q not found in world %q", agentID, worldID)
	}
	return a, nil
}

// ListAgents lists a world's agents.
func (m *Manager) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	if _, err := m.GetWorld(ctx, worldID); err != nil {
		return nil, err
	}
	return m.store.ListAgents(ctx, worldID)
}

// UpdateAgent applies a partial update.
func (m *Manager) UpdateAgent(ctx context.Context, worldID, agentID string, upd AgentUpdate) (*models.Agent, error) {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.GetAgent(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Description != nil {
		a.Description = *upd.Description
	}
	if upd.Provider != nil {
		a.Provider = *upd.Provider
	}
	if upd.Model != nil {
		a.Model = *upd.Model
	}
	if upd.SystemPrompt != nil {
		a.SystemPrompt = *upd.SystemPrompt
	}
	if upd.Temperature != nil {
		a.Temperature = upd.Temperature
	}
	if upd.MaxTokens != nil {
		a.MaxTokens = upd.MaxTokens
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.MCPServers != nil {
		a.MCPServers = upd.MCPServers
	}
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveAgent(ctx, worldID, a); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	m.emitCRUD(worldID, events.CRUDUpdate, "agent", agentID, a)
	return a, nil
}

// DeleteAgent removes an agent and its memory.
func (m *Manager) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.GetAgent(ctx, worldID, agentID); err != nil {
		return err
	}
	if err := m.store.DeleteAgent(ctx, worldID, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	m.emitCRUD(worldID, events.CRUDDelete, "agent", agentID, nil)
	return nil
}

// ClearAgentMemory archives the agent's memory, then clears it and
// resets the turn counter. The archive label is a UTC timestamp.
func (m *Manager) ClearAgentMemory(ctx context.Context, worldID, agentID string) error {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()
	return m.clearAgentMemoryLocked(ctx, worldID, agentID)
}

func (m *Manager) clearAgentMemoryLocked(ctx context.Context, worldID, agentID string) error {
	a, err := m.GetAgent(ctx, worldID, agentID)
	if err != nil {
		return err
	}
	label := "memory-" + time.Now().UTC().Format("20060102T150405")
	if err := m.store.ArchiveMemory(ctx, worldID, agentID, label); err != nil {
		m.logger.Warn("archive memory failed", "world_id", worldID, "agent_id", agentID, "error", err)
	}
	if err := m.store.SaveAgentMemory(ctx, worldID, agentID, nil); err != nil {
		return fmt.Errorf("clear memory: %w", err)
	}
	a.LLMCallCount = 0
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveAgent(ctx, worldID, a); err != nil {
		m.logger.Warn("reset turn counter failed", "agent_id", agentID, "error", err)
	}
	m.emitCRUD(worldID, events.CRUDUpdate, "agent", agentID, a)
	return nil
}

// ClearAllMemory clears every agent in the world and drops the current
// chat's cached approvals.
func (m *Manager) ClearAllMemory(ctx context.Context, worldID string) error {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		if err := m.clearAgentMemoryLocked(ctx, worldID, a.ID); err != nil {
			return err
		}
	}
	if w.CurrentChatID != "" {
		m.approvals.Clear(w.CurrentChatID)
	}
	return nil
}

// resetTurnCountersLocked zeroes every agent's LLM call counter. The
// counter is scoped to the current chat, so it restarts whenever the
// world moves onto a different one. Faults are logged, not fatal.
func (m *Manager) resetTurnCountersLocked(ctx context.Context, worldID string) {
	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		m.logger.Warn("reset turn counters failed", "world_id", worldID, "error", err)
		return
	}
	for _, a := range agents {
		if a.LLMCallCount == 0 {
			continue
		}
		a.LLMCallCount = 0
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveAgent(ctx, worldID, a); err != nil {
			m.logger.Warn("reset turn counter failed", "agent_id", a.ID, "error", err)
		}
	}
}

// ── chats ──

// NewChat creates a chat and makes it current. A still-fresh current
// chat (default name, zero messages) is reused instead of allocating
// another.
func (m *Manager) NewChat(ctx context.Context, worldID, name string) (*models.Chat, error) {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}

	if w.CurrentChatID != "" {
		current, err := m.store.LoadChat(ctx, worldID, w.CurrentChatID)
		if err == nil && current.IsReusable() {
			if name != "" && name != current.Name {
				upd, err := m.store.UpdateChat(ctx, worldID, current.ID, storage.ChatUpdate{Name: &name})
				if err == nil {
					current = upd
				}
			}
			return current, nil
		}
	}

	if name == "" {
		name = models.DefaultChatName
	}
	now := time.Now().UTC()
	chat := &models.Chat{
		ID:        uuid.NewString(),
		WorldID:   worldID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("save chat: %w", err)
	}
	w.CurrentChatID = chat.ID
	w.UpdatedAt = now
	if err := m.store.SaveWorld(ctx, w); err != nil {
		return nil, fmt.Errorf("set current chat: %w", err)
	}
	m.resetTurnCountersLocked(ctx, worldID)
	m.emitCRUD(worldID, events.CRUDCreate, "chat", chat.ID, chat)
	return chat, nil
}

// ListChats lists a world's chats.
func (m *Manager) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	if _, err := m.GetWorld(ctx, worldID); err != nil {
		return nil, err
	}
	return m.store.ListChats(ctx, worldID)
}

// SetCurrentChat switches the world's active chat.
func (m *Manager) SetCurrentChat(ctx context.Context, worldID, chatID string) (*models.World, error) {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.LoadChat(ctx, worldID, chatID); err != nil {
		if storage.IsNotFound(err) {
			return nil, NewValidationError(CodeChatNotFound, "chat %q not found in world %q", chatID, worldID)
		}
		return nil, err
	}
	if !strings.EqualFold(w.CurrentChatID, chatID) {
		m.resetTurnCountersLocked(ctx, worldID)
	}
	w.CurrentChatID = chatID
	w.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveWorld(ctx, w); err != nil {
		return nil, fmt.Errorf("save world: %w", err)
	}
	m.emitCRUD(worldID, events.CRUDUpdate, "world", worldID, w)
	return w, nil
}

// DeleteChat removes a chat, its slice of every agent's memory, and
// its cached approvals. Deleting the current chat rolls the world onto
// a fresh one.
func (m *Manager) DeleteChat(ctx context.Context, worldID, chatID string) error {
	lock := m.lockFor(worldID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	if _, err := m.store.LoadChat(ctx, worldID, chatID); err != nil {
		if storage.IsNotFound(err) {
			return NewValidationError(CodeChatNotFound, "chat %q not found in world %q", chatID, worldID)
		}
		return err
	}
	if err := m.store.DeleteMemoryByChat(ctx, worldID, chatID); err != nil {
		m.logger.Warn("delete chat memory failed", "chat_id", chatID, "error", err)
	}
	if err := m.store.DeleteChat(ctx, worldID, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	m.approvals.Clear(chatID)

	if strings.EqualFold(w.CurrentChatID, chatID) {
		now := time.Now().UTC()
		next := &models.Chat{
			ID:        uuid.NewString(),
			WorldID:   worldID,
			Name:      models.DefaultChatName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.store.SaveChat(ctx, next); err != nil {
			return fmt.Errorf("save replacement chat: %w", err)
		}
		w.CurrentChatID = next.ID
		w.UpdatedAt = now
		if err := m.store.SaveWorld(ctx, w); err != nil {
			return fmt.Errorf("save world: %w", err)
		}
		m.resetTurnCountersLocked(ctx, worldID)
	}
	m.emitCRUD(worldID, events.CRUDDelete, "chat", chatID, nil)
	return nil
}
