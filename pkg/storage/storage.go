// Package storage defines the persistence contract consumed by the queue,
// world runtime, and export layers. It is a capability interface, not a
// schema: backends map the logical namespace
//
//	world/<worldId>/{config, agents/<agentId>/{config, memory, archive/...},
//	                chats/<chatId>, messages/<chatId>/<messageId>, queue/<queueId>}
//
// onto whatever physical layout suits them. Three implementations ship:
// memory (tests), sqlite (embedded default), postgres (networked).
package storage

import (
	"context"
	"time"

	"github.com/yysun/agent-world/pkg/models"
)

// Store is the durable backend shared by all components. Implementations
// must be safe for concurrent use.
//
// Conventions: LoadAgent returns (nil, nil) when the agent does not exist.
// LoadWorld and LoadChat fail with a not-found StorageError instead, since
// their callers always need the distinction. DeleteWorld is idempotent and
// cascades to agents, memory, chats, and queue entries.
type Store interface {
	// Worlds.
	SaveWorld(ctx context.Context, w *models.World) error
	LoadWorld(ctx context.Context, worldID string) (*models.World, error)
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]*models.World, error)
	WorldExists(ctx context.Context, worldID string) (bool, error)

	// Agents. SaveAgent upserts the config record; memory is separate.
	SaveAgent(ctx context.Context, worldID string, a *models.Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error)
	SaveAgentsBatch(ctx context.Context, worldID string, agents []*models.Agent) *BatchResult
	LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*models.Agent, *BatchResult)

	// Memory. SaveAgentMemory replaces the agent's full ordered list.
	// ArchiveMemory snapshots the current memory under a label and leaves
	// the live memory untouched; clearing is the caller's move.
	SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []*models.Message) error
	LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]*models.Message, error)
	DeleteMemoryByChat(ctx context.Context, worldID, chatID string) error
	ArchiveMemory(ctx context.Context, worldID, agentID, label string) error

	// GetMemory returns the union of all agents' memory for one chat
	// (all chats when chatID is empty), deduplicated by messageId and
	// sorted by timestamp then messageId. Assistant-owned copies win
	// over ingested copies of the same message.
	GetMemory(ctx context.Context, worldID, chatID string) ([]*models.Message, error)

	// Chats.
	SaveChat(ctx context.Context, c *models.Chat) error
	LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error)
	UpdateChat(ctx context.Context, worldID, chatID string, upd ChatUpdate) (*models.Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
	ListChats(ctx context.Context, worldID string) ([]*models.Chat, error)

	// Queue. Dequeue atomically claims the oldest eligible entry for the
	// world, or returns (nil, nil) when none is eligible or another
	// holder's lease is live. MarkFailed either re-queues with an
	// eligibility time or dead-letters when retryAt is the zero time.
	Enqueue(ctx context.Context, e *models.QueueEntry) error
	Dequeue(ctx context.Context, worldID string, heartbeatTTL time.Duration) (*models.QueueEntry, error)
	UpdateHeartbeat(ctx context.Context, queueID string) error
	MarkCompleted(ctx context.Context, queueID string) error
	MarkFailed(ctx context.Context, queueID, cause string, retryAt time.Time) (*models.QueueEntry, error)
	QueueStats(ctx context.Context) (*models.QueueStats, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeSettled deletes completed and failed entries enqueued more
	// than olderThan ago. Retention housekeeping; pending and leased
	// entries are never touched.
	PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// ChatUpdate is a partial chat mutation; nil fields are left unchanged.
// MessageCountDelta is applied on top of the stored count.
type ChatUpdate struct {
	Name              *string
	Description       *string
	MessageCountDelta int
}

// BatchResult reports per-item outcomes for batch operations. Batch ops
// are best-effort: one bad item never aborts the rest.
type BatchResult struct {
	Succeeded []string
	Failed    map[string]string
}

// Ok reports whether every item in the batch succeeded.
func (r *BatchResult) Ok() bool {
	return len(r.Failed) == 0
}
