// Package e2e exercises the full in-process pipeline: REST-shaped
// manager calls feed the durable queue, the processor hydrates worlds,
// agents answer through the scripted provider, and everything lands
// back in storage and on the event bus. Memory storage and the mock
// provider keep the suite hermetic.
package e2e

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/llm/mock"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/storage"
	memstore "github.com/yysun/agent-world/pkg/storage/memory"
	"github.com/yysun/agent-world/pkg/tools"
	"github.com/yysun/agent-world/pkg/world"
)

// harness owns one full stack instance per test.
type harness struct {
	store     storage.Store
	buses     *events.BusRegistry
	provider  *mock.Provider
	worlds    *world.Manager
	queue     *queue.Service
	processor *queue.Processor

	mu       sync.Mutex
	messages map[string][]*events.MessageEventPayload
	statuses map[string][]*events.StatusEventPayload
	worldEvs map[string][]*events.WorldEventPayload
	sse      map[string][]*events.SSEEventPayload
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()

	h := &harness{
		store:    memstore.New(),
		buses:    events.NewBusRegistry(logger),
		provider: mock.New(),
		messages: make(map[string][]*events.MessageEventPayload),
		statuses: make(map[string][]*events.StatusEventPayload),
		worldEvs: make(map[string][]*events.WorldEventPayload),
		sse:      make(map[string][]*events.SSEEventPayload),
	}

	providers := llm.NewRegistry()
	providers.Register("mock", h.provider, "scripted")

	approvals := approval.NewCache()
	toolRegistry := tools.NewBuiltinRegistry()

	h.worlds = world.NewManager(h.store, h.buses, approvals,
		config.Defaults{Provider: "mock", Model: "scripted", TurnLimit: 5}, logger)

	cfg := &config.QueueConfig{
		PollInterval:            10 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		MaxAttempts:             3,
		MaxConcurrentWorlds:     4,
		IdleWaitTimeout:         5 * time.Second,
		GracefulShutdownTimeout: 2 * time.Second,
		BackoffBase:             10 * time.Millisecond,
		BackoffCap:              50 * time.Millisecond,
	}
	h.queue = queue.NewService(h.store, h.buses, cfg, logger)

	loader := queue.WorldLoaderFunc(func(ctx context.Context, worldID string) (queue.WorldTask, error) {
		return world.Load(ctx, world.RuntimeConfig{
			WorldID:   worldID,
			Store:     h.store,
			Bus:       h.buses.Get(worldID),
			Providers: providers,
			Tools:     toolRegistry,
			Approvals: approvals,
			Logger:    logger,
		})
	})
	h.processor = queue.NewProcessor(h.queue, h.store, loader, logger)
	require.NoError(t, h.processor.Start(t.Context()))
	t.Cleanup(h.processor.Stop)
	return h
}

// createWorld makes a world and taps its bus for assertions.
func (h *harness) createWorld(t *testing.T, name string, turnLimit int) *models.World {
	t.Helper()
	w, err := h.worlds.CreateWorld(t.Context(), name, "", turnLimit)
	require.NoError(t, err)

	bus := h.buses.Get(w.ID)
	bus.Subscribe(events.FamilyMessage, func(evt events.Event) {
		if p, ok := evt.Payload.(*events.MessageEventPayload); ok {
			h.mu.Lock()
			h.messages[w.ID] = append(h.messages[w.ID], p)
			h.mu.Unlock()
		}
	})
	bus.Subscribe(events.FamilyStatus, func(evt events.Event) {
		if p, ok := evt.Payload.(*events.StatusEventPayload); ok {
			h.mu.Lock()
			h.statuses[w.ID] = append(h.statuses[w.ID], p)
			h.mu.Unlock()
		}
	})
	bus.Subscribe(events.FamilyWorld, func(evt events.Event) {
		if p, ok := evt.Payload.(*events.WorldEventPayload); ok {
			h.mu.Lock()
			h.worldEvs[w.ID] = append(h.worldEvs[w.ID], p)
			h.mu.Unlock()
		}
	})
	bus.Subscribe(events.FamilySSE, func(evt events.Event) {
		if p, ok := evt.Payload.(*events.SSEEventPayload); ok {
			h.mu.Lock()
			h.sse[w.ID] = append(h.sse[w.ID], p)
			h.mu.Unlock()
		}
	})
	return w
}

func (h *harness) addAgent(t *testing.T, worldID, name, prompt string) *models.Agent {
	t.Helper()
	a, err := h.worlds.CreateAgent(t.Context(), worldID, name, "", "", "", prompt)
	require.NoError(t, err)
	return a
}

// say enqueues a human message and returns its message id.
func (h *harness) say(t *testing.T, worldID, content string) string {
	t.Helper()
	e, err := h.queue.Enqueue(t.Context(), worldID, "", content, models.SenderHuman)
	require.NoError(t, err)
	return e.MessageID
}

// waitSettled blocks until the message id reaches a terminal queue
// status and returns that status.
func (h *harness) waitSettled(t *testing.T, worldID, messageID string) string {
	t.Helper()
	var status string
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, s := range h.statuses[worldID] {
			if s.MessageID != messageID {
				continue
			}
			if s.Status == events.StatusCompleted || s.Status == events.StatusFailed {
				status = s.Status
				return true
			}
		}
		return false
	})
	return status
}

// assistantReplies returns the assistant message payloads seen so far.
func (h *harness) assistantReplies(worldID string) []*events.MessageEventPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.MessageEventPayload
	for _, m := range h.messages[worldID] {
		if m.Role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) sseEvents(worldID, typ string) []*events.SSEEventPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.SSEEventPayload
	for _, e := range h.sse[worldID] {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) worldEvents(worldID, typ string) []*events.WorldEventPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.WorldEventPayload
	for _, e := range h.worldEvs[worldID] {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
