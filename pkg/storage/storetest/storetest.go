// Package storetest holds the conformance suite every storage backend
// must pass. Backend packages call Run from their own tests so the
// contract is checked against the real implementation, not a mock.
package storetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

// Factory opens a fresh, empty store for one subtest. Cleanup belongs
// in t.Cleanup inside the factory.
type Factory func(t *testing.T) storage.Store

// Run executes the full conformance suite against the backend.
func Run(t *testing.T, open Factory) {
	t.Run("WorldLifecycle", func(t *testing.T) { testWorldLifecycle(t, open(t)) })
	t.Run("AgentLifecycle", func(t *testing.T) { testAgentLifecycle(t, open(t)) })
	t.Run("AgentBatches", func(t *testing.T) { testAgentBatches(t, open(t)) })
	t.Run("MemoryRoundTrip", func(t *testing.T) { testMemoryRoundTrip(t, open(t)) })
	t.Run("MemoryUnion", func(t *testing.T) { testMemoryUnion(t, open(t)) })
	t.Run("MemoryArchive", func(t *testing.T) { testMemoryArchive(t, open(t)) })
	t.Run("ChatLifecycle", func(t *testing.T) { testChatLifecycle(t, open(t)) })
	t.Run("QueueClaiming", func(t *testing.T) { testQueueClaiming(t, open(t)) })
	t.Run("QueueLeaseBlocks", func(t *testing.T) { testQueueLeaseBlocks(t, open(t)) })
	t.Run("QueueRetryAndDeadLetter", func(t *testing.T) { testQueueRetryAndDeadLetter(t, open(t)) })
	t.Run("QueueReclaimStale", func(t *testing.T) { testQueueReclaimStale(t, open(t)) })
	t.Run("QueueStats", func(t *testing.T) { testQueueStats(t, open(t)) })
	t.Run("QueuePurgeSettled", func(t *testing.T) { testQueuePurgeSettled(t, open(t)) })
	t.Run("DeleteWorldCascades", func(t *testing.T) { testDeleteWorldCascades(t, open(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func seedWorld(t *testing.T, s storage.Store, id string) *models.World {
	t.Helper()
	ts := now()
	w := &models.World{ID: id, Name: id, TurnLimit: 5, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, s.SaveWorld(t.Context(), w))
	return w
}

func entry(worldID, id string, enqueued time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		ID:             id,
		WorldID:        worldID,
		MessageID:      "msg-" + id,
		ChatID:         "chat-1",
		Content:        "content of " + id,
		Sender:         models.SenderHuman,
		State:          models.QueueStatePending,
		EnqueuedAt:     enqueued,
		NextEligibleAt: enqueued,
	}
}

func testWorldLifecycle(t *testing.T, s storage.Store) {
	ctx := t.Context()

	_, err := s.LoadWorld(ctx, "missing")
	assert.True(t, storage.IsNotFound(err))

	exists, err := s.WorldExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	w := seedWorld(t, s, "alpha")
	seedWorld(t, s, "beta")

	exists, err = s.WorldExists(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.LoadWorld(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)
	assert.Equal(t, w.TurnLimit, got.TurnLimit)

	// Save is an upsert.
	w.Description = "updated"
	w.UpdatedAt = now()
	require.NoError(t, s.SaveWorld(ctx, w))
	got, err = s.LoadWorld(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	worlds, err := s.ListWorlds(ctx)
	require.NoError(t, err)
	require.Len(t, worlds, 2)
	assert.Equal(t, "alpha", worlds[0].ID)
	assert.Equal(t, "beta", worlds[1].ID)

	require.NoError(t, s.DeleteWorld(ctx, "alpha"))
	_, err = s.LoadWorld(ctx, "alpha")
	assert.True(t, storage.IsNotFound(err))

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteWorld(ctx, "alpha"))
}

func testAgentLifecycle(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")

	err := s.SaveAgent(ctx, "ghost", &models.Agent{ID: "a"})
	assert.True(t, storage.IsNotFound(err))

	a := &models.Agent{
		ID: "scout", Name: "scout", Provider: "mock", Model: "m",
		SystemPrompt: "watch", Status: models.AgentStatusActive,
		CreatedAt: now(), UpdatedAt: now(),
	}
	require.NoError(t, s.SaveAgent(ctx, "w", a))

	got, err := s.LoadAgent(ctx, "w", "scout")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w", got.WorldID, "save stamps the owning world")
	assert.Equal(t, "watch", got.SystemPrompt)

	// Missing agents load as nil without error.
	got, err = s.LoadAgent(ctx, "w", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveAgent(ctx, "w", &models.Agent{ID: "analyst", Name: "analyst"}))
	agents, err := s.ListAgents(ctx, "w")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "analyst", agents[0].ID)
	assert.Equal(t, "scout", agents[1].ID)

	require.NoError(t, s.DeleteAgent(ctx, "w", "scout"))
	got, err = s.LoadAgent(ctx, "w", "scout")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testAgentBatches(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")

	res := s.SaveAgentsBatch(ctx, "w", []*models.Agent{
		{ID: "a1", Name: "a1"},
		{ID: "a2", Name: "a2"},
	})
	assert.True(t, res.Ok())
	assert.ElementsMatch(t, []string{"a1", "a2"}, res.Succeeded)

	agents, res := s.LoadAgentsBatch(ctx, "w", []string{"a1", "missing", "a2"})
	assert.Len(t, agents, 2)
	assert.ElementsMatch(t, []string{"a1", "a2"}, res.Succeeded)
	assert.Contains(t, res.Failed, "missing")
}

func testMemoryRoundTrip(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	mem := []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Sender: models.SenderHuman, Content: "hi", Timestamp: ts},
		{MessageID: "m2", ChatID: "c1", Role: models.RoleAssistant, Sender: "scout", Content: "hey", Timestamp: ts.Add(time.Second)},
	}
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "scout", mem))

	got, err := s.LoadAgentMemory(ctx, "w", "scout")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "hey", got[1].Content)
	assert.True(t, got[0].Timestamp.Equal(ts))

	// Saving replaces wholesale.
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "scout", mem[1:]))
	got, err = s.LoadAgentMemory(ctx, "w", "scout")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].MessageID)

	// Unknown agent has empty memory.
	got, err = s.LoadAgentMemory(ctx, "w", "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testMemoryUnion(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	// Two agents hold copies of the same exchange; the assistant-owned
	// copy of m2 must win the dedupe.
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "scout", []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Sender: models.SenderHuman, Content: "hi", Timestamp: ts},
		{MessageID: "m2", ChatID: "c1", Role: models.RoleAssistant, Sender: "scout", Content: "scout says", Timestamp: ts.Add(time.Second)},
	}))
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "analyst", []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Sender: models.SenderHuman, Content: "hi", Timestamp: ts},
		{MessageID: "m2", ChatID: "c1", Role: models.RoleUser, Sender: "scout", Content: "scout says", Timestamp: ts.Add(time.Second)},
		{MessageID: "m3", ChatID: "c2", Role: models.RoleUser, Sender: models.SenderHuman, Content: "other chat", Timestamp: ts.Add(2 * time.Second)},
	}))

	got, err := s.GetMemory(ctx, "w", "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].MessageID)
	assert.Equal(t, "m2", got[1].MessageID)
	assert.Equal(t, models.RoleAssistant, got[1].Role)

	// Empty chat id unions every chat.
	got, err = s.GetMemory(ctx, "w", "")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	require.NoError(t, s.DeleteMemoryByChat(ctx, "w", "c1"))
	got, err = s.GetMemory(ctx, "w", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m3", got[0].MessageID)
}

func testMemoryArchive(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")

	mem := []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Sender: models.SenderHuman, Content: "hi", Timestamp: now()},
	}
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "scout", mem))
	require.NoError(t, s.ArchiveMemory(ctx, "w", "scout", "before-reset"))

	// Archiving leaves live memory untouched.
	got, err := s.LoadAgentMemory(ctx, "w", "scout")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Re-archiving under the same label overwrites, not errors.
	require.NoError(t, s.ArchiveMemory(ctx, "w", "scout", "before-reset"))
}

func testChatLifecycle(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	err := s.SaveChat(ctx, &models.Chat{WorldID: "ghost", ID: "c1"})
	assert.True(t, storage.IsNotFound(err))

	_, err = s.LoadChat(ctx, "w", "missing")
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, s.SaveChat(ctx, &models.Chat{
		WorldID: "w", ID: "c1", Name: "first", CreatedAt: ts, UpdatedAt: ts,
	}))
	require.NoError(t, s.SaveChat(ctx, &models.Chat{
		WorldID: "w", ID: "c2", Name: "second", CreatedAt: ts.Add(time.Second), UpdatedAt: ts.Add(time.Second),
	}))

	name := "renamed"
	c, err := s.UpdateChat(ctx, "w", "c1", storage.ChatUpdate{Name: &name, MessageCountDelta: 3})
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, 3, c.MessageCount)

	c, err = s.UpdateChat(ctx, "w", "c1", storage.ChatUpdate{MessageCountDelta: 2})
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name, "nil fields stay unchanged")
	assert.Equal(t, 5, c.MessageCount)

	chats, err := s.ListChats(ctx, "w")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, "c2", chats[1].ID)

	require.NoError(t, s.DeleteChat(ctx, "w", "c1"))
	_, err = s.LoadChat(ctx, "w", "c1")
	assert.True(t, storage.IsNotFound(err))
}

func testQueueClaiming(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	err := s.Enqueue(ctx, entry("ghost", "q0", ts))
	assert.True(t, storage.IsNotFound(err))

	// Older entries claim first regardless of insertion order.
	require.NoError(t, s.Enqueue(ctx, entry("w", "q2", ts.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", ts)))

	e, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "q1", e.ID)
	assert.Equal(t, models.QueueStateLeased, e.State)
	assert.False(t, e.LastHeartbeatAt.IsZero())

	require.NoError(t, s.MarkCompleted(ctx, e.ID))

	e, err = s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "q2", e.ID)
	require.NoError(t, s.MarkCompleted(ctx, e.ID))

	// Drained queue yields nothing.
	e, err = s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, e)

	// Entries not yet eligible stay invisible.
	future := entry("w", "q3", ts)
	future.NextEligibleAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.Enqueue(ctx, future))
	e, err = s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func testQueueLeaseBlocks(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	seedWorld(t, s, "other")
	ts := now()

	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", ts)))
	require.NoError(t, s.Enqueue(ctx, entry("w", "q2", ts.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, entry("other", "q3", ts)))

	e, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)

	// The live lease blocks further claims in the same world only.
	blocked, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	otherE, err := s.Dequeue(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, otherE)
	assert.Equal(t, "q3", otherE.ID)

	require.NoError(t, s.UpdateHeartbeat(ctx, e.ID))
	assert.True(t, storage.IsNotFound(s.UpdateHeartbeat(ctx, "missing")))

	require.NoError(t, s.MarkCompleted(ctx, e.ID))
	next, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "q2", next.ID)
}

func testQueueRetryAndDeadLetter(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", ts)))
	e, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 0, e.AttemptCount)

	// Retry: back to pending with the eligibility time and a bumped count.
	retryAt := time.Now().UTC().Add(time.Hour)
	failed, err := s.MarkFailed(ctx, e.ID, "provider timeout", retryAt)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatePending, failed.State)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, "provider timeout", failed.LastError)
	assert.False(t, failed.NextEligibleAt.Before(retryAt.Truncate(time.Microsecond)))

	// Not eligible until retryAt.
	blocked, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Dead-letter: zero retryAt parks the entry as failed.
	dead, err := s.MarkFailed(ctx, e.ID, "gave up", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStateFailed, dead.State)
	assert.Equal(t, 2, dead.AttemptCount)
	assert.Equal(t, "gave up", dead.LastError)

	_, err = s.MarkFailed(ctx, "missing", "x", time.Time{})
	assert.True(t, storage.IsNotFound(err))
	assert.True(t, storage.IsNotFound(s.MarkCompleted(ctx, "missing")))
}

func testQueueReclaimStale(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")

	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", now())))
	e, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)

	// Fresh lease is not stale.
	n, err := s.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = s.ReclaimStale(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The reclaimed entry is claimable again.
	e, err = s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "q1", e.ID)

	// A dead-heartbeat lease is also claimable directly, without reclaim.
	time.Sleep(5 * time.Millisecond)
	e2, err := s.Dequeue(ctx, "w", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, "q1", e2.ID)
}

func testQueueStats(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w1")
	seedWorld(t, s, "w2")
	ts := now()

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Empty(t, stats.PendingWorlds)

	require.NoError(t, s.Enqueue(ctx, entry("w1", "q1", ts)))
	require.NoError(t, s.Enqueue(ctx, entry("w1", "q2", ts.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, entry("w2", "q3", ts)))

	e, err := s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, e.ID))

	e, err = s.Dequeue(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, e.ID, "boom", time.Time{})
	require.NoError(t, err)

	e, err = s.Dequeue(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, entry("w2", "q4", ts.Add(2*time.Second))))

	stats, err = s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Leased)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{"w2"}, stats.PendingWorlds)
}

func testQueuePurgeSettled(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	old := now().Add(-time.Hour)

	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", old)))
	require.NoError(t, s.Enqueue(ctx, entry("w", "q2", old.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, entry("w", "q3", old.Add(2*time.Second))))

	e, err := s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, e.ID))
	e, err = s.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	_, err = s.MarkFailed(ctx, e.ID, "boom", time.Time{})
	require.NoError(t, err)

	// Younger than the window: nothing goes.
	n, err := s.PurgeSettled(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Settled entries past the window go; the pending one stays.
	n, err = s.PurgeSettled(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, stats.Completed)
	assert.Zero(t, stats.Failed)
}

func testDeleteWorldCascades(t *testing.T, s storage.Store) {
	ctx := t.Context()
	seedWorld(t, s, "w")
	ts := now()

	require.NoError(t, s.SaveAgent(ctx, "w", &models.Agent{ID: "scout", Name: "scout"}))
	require.NoError(t, s.SaveAgentMemory(ctx, "w", "scout", []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Content: "hi", Timestamp: ts},
	}))
	require.NoError(t, s.ArchiveMemory(ctx, "w", "scout", "snap"))
	require.NoError(t, s.SaveChat(ctx, &models.Chat{WorldID: "w", ID: "c1", Name: "chat", CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, s.Enqueue(ctx, entry("w", "q1", ts)))

	require.NoError(t, s.DeleteWorld(ctx, "w"))

	agents, err := s.ListAgents(ctx, "w")
	require.NoError(t, err)
	assert.Empty(t, agents)
	mem, err := s.GetMemory(ctx, "w", "")
	require.NoError(t, err)
	assert.Empty(t, mem)
	chats, err := s.ListChats(ctx, "w")
	require.NoError(t, err)
	assert.Empty(t, chats)
	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.Leased+stats.Completed+stats.Failed)

	// Queue entries for surviving worlds stay put.
	seedWorld(t, s, "keep")
	require.NoError(t, s.Enqueue(ctx, entry("keep", "q2", ts)))
	require.NoError(t, s.DeleteWorld(ctx, "w"))
	stats, err = s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}
