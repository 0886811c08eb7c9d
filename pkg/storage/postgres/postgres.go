// Package postgres implements the storage contract on PostgreSQL via
// pgx. It is the backend for multi-instance deployments: the queue
// claims rows with FOR UPDATE SKIP LOCKED so several processors can
// share one database without double-delivery.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements storage.Store backed by a PostgreSQL database.
// Message bodies are stored as JSONB with the columns the queries
// filter on extracted alongside, matching the SQLite layout.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to the database at databaseURL, applies pending
// migrations, and returns a ready store.
func New(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.NewError(storage.KindIO, "open", err)
	}
	if err := runMigrations(databaseURL); err != nil {
		pool.Close()
		return nil, storage.NewError(storage.KindIO, "open", err)
	}
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("postgres: store opened")
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ── Worlds ────────────────────────────────────────────────────────────

func (s *Store) SaveWorld(ctx context.Context, w *models.World) error {
	start := time.Now()
	body, err := json.Marshal(w)
	if err != nil {
		return storage.NewError(storage.KindSerialization, "saveWorld", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO worlds (id, config, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET config = $2, updated_at = $4`,
		w.ID, string(body), w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "saveWorld", err)
	}
	s.logger.Debug("postgres: save world", "world_id", w.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*models.World, error) {
	var body string
	err := s.pool.QueryRow(ctx, `SELECT config FROM worlds WHERE id = $1`, worldID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "loadWorld", fmt.Errorf("world %q", worldID))
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "loadWorld", err)
	}
	var w models.World
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return nil, storage.NewError(storage.KindSerialization, "loadWorld", err)
	}
	return &w, nil
}

func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteWorld", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM queue WHERE world_id = $1`,
		`DELETE FROM chats WHERE world_id = $1`,
		`DELETE FROM memory_archives WHERE world_id = $1`,
		`DELETE FROM memories WHERE world_id = $1`,
		`DELETE FROM agents WHERE world_id = $1`,
		`DELETE FROM worlds WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, worldID); err != nil {
			return storage.NewError(storage.KindIO, "deleteWorld", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindIO, "deleteWorld", err)
	}
	s.logger.Debug("postgres: delete world", "world_id", worldID, "duration", time.Since(start))
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*models.World, error) {
	rows, err := s.pool.Query(ctx, `SELECT config FROM worlds ORDER BY id`)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "listWorlds", err)
	}
	defer rows.Close()
	var out []*models.World
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storage.NewError(storage.KindIO, "listWorlds", err)
		}
		var w models.World
		if err := json.Unmarshal([]byte(body), &w); err != nil {
			return nil, storage.NewError(storage.KindSerialization, "listWorlds", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *Store) WorldExists(ctx context.Context, worldID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM worlds WHERE id = $1`, worldID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.NewError(storage.KindIO, "worldExists", err)
	}
	return true, nil
}

// ── Agents ────────────────────────────────────────────────────────────

func (s *Store) SaveAgent(ctx context.Context, worldID string, a *models.Agent) error {
	exists, err := s.WorldExists(ctx, worldID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.NewError(storage.KindNotFound, "saveAgent", fmt.Errorf("world %q", worldID))
	}
	cp := *a
	cp.WorldID = worldID
	body, err := json.Marshal(&cp)
	if err != nil {
		return storage.NewError(storage.KindSerialization, "saveAgent", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (world_id, id, config) VALUES ($1, $2, $3)
		 ON CONFLICT (world_id, id) DO UPDATE SET config = $3`,
		worldID, a.ID, string(body))
	if err != nil {
		return storage.NewError(storage.KindIO, "saveAgent", err)
	}
	s.logger.Debug("postgres: save agent", "world_id", worldID, "agent_id", a.ID)
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	var body string
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "loadAgent", err)
	}
	var a models.Agent
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, storage.NewError(storage.KindSerialization, "loadAgent", err)
	}
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memories WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memory_archives WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT config FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "listAgents", err)
	}
	defer rows.Close()
	var out []*models.Agent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storage.NewError(storage.KindIO, "listAgents", err)
		}
		var a models.Agent
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, storage.NewError(storage.KindSerialization, "listAgents", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) SaveAgentsBatch(ctx context.Context, worldID string, agents []*models.Agent) *storage.BatchResult {
	res := &storage.BatchResult{Failed: make(map[string]string)}
	for _, a := range agents {
		if err := s.SaveAgent(ctx, worldID, a); err != nil {
			res.Failed[a.ID] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, a.ID)
	}
	return res
}

func (s *Store) LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*models.Agent, *storage.BatchResult) {
	res := &storage.BatchResult{Failed: make(map[string]string)}
	var out []*models.Agent
	for _, id := range agentIDs {
		a, err := s.LoadAgent(ctx, worldID, id)
		if err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		if a == nil {
			res.Failed[id] = "not found"
			continue
		}
		out = append(out, a)
		res.Succeeded = append(res.Succeeded, id)
	}
	return out, res
}

// ── Memory ────────────────────────────────────────────────────────────

func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []*models.Message) error {
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM memories WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	for i, m := range memory {
		body, err := json.Marshal(m)
		if err != nil {
			return storage.NewError(storage.KindSerialization, "saveAgentMemory", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memories (world_id, agent_id, position, message_id, chat_id, sender, ts, body)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			worldID, agentID, i, m.MessageID, m.ChatID, m.Sender, m.Timestamp.UnixNano(), string(body)); err != nil {
			return storage.NewError(storage.KindIO, "saveAgentMemory", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	s.logger.Debug("postgres: save memory", "world_id", worldID, "agent_id", agentID,
		"messages", len(memory), "duration", time.Since(start))
	return nil
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM memories WHERE world_id = $1 AND agent_id = $2 ORDER BY position`,
		worldID, agentID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "loadAgentMemory", err)
	}
	defer rows.Close()
	return scanMessages(rows, "loadAgentMemory")
}

func (s *Store) DeleteMemoryByChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM memories WHERE world_id = $1 AND chat_id = $2`, worldID, chatID)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteMemoryByChat", err)
	}
	return nil
}

func (s *Store) ArchiveMemory(ctx context.Context, worldID, agentID, label string) error {
	memory, err := s.LoadAgentMemory(ctx, worldID, agentID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(memory)
	if err != nil {
		return storage.NewError(storage.KindSerialization, "archiveMemory", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_archives (world_id, agent_id, label, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (world_id, agent_id, label) DO UPDATE SET body = $4, created_at = $5`,
		worldID, agentID, label, string(body), time.Now().UTC().UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "archiveMemory", err)
	}
	s.logger.Debug("postgres: archive memory", "world_id", worldID, "agent_id", agentID, "label", label)
	return nil
}

func (s *Store) GetMemory(ctx context.Context, worldID, chatID string) ([]*models.Message, error) {
	query := `SELECT body FROM memories WHERE world_id = $1`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = $2`
		args = append(args, chatID)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "getMemory", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows, "getMemory")
	if err != nil {
		return nil, err
	}
	return storage.DedupeAndSort(msgs), nil
}

// ── Chats ─────────────────────────────────────────────────────────────

func (s *Store) SaveChat(ctx context.Context, c *models.Chat) error {
	exists, err := s.WorldExists(ctx, c.WorldID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.NewError(storage.KindNotFound, "saveChat", fmt.Errorf("world %q", c.WorldID))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (world_id, id, name, description, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = $3, description = $4, message_count = $5, updated_at = $7`,
		c.WorldID, c.ID, c.Name, c.Description, c.MessageCount,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "saveChat", err)
	}
	return nil
}

func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT world_id, id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	return scanChat(row, "loadChat", chatID)
}

func (s *Store) UpdateChat(ctx context.Context, worldID, chatID string, upd storage.ChatUpdate) (*models.Chat, error) {
	c, err := s.LoadChat(ctx, worldID, chatID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	c.MessageCount += upd.MessageCountDelta
	c.UpdatedAt = time.Now().UTC()
	if err := s.SaveChat(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteChat", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT world_id, id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = $1 ORDER BY created_at, id`, worldID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "listChats", err)
	}
	defer rows.Close()
	var out []*models.Chat
	for rows.Next() {
		c, err := scanChatColumns(rows, "listChats")
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── Queue ─────────────────────────────────────────────────────────────

func (s *Store) Enqueue(ctx context.Context, e *models.QueueEntry) error {
	exists, err := s.WorldExists(ctx, e.WorldID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.NewError(storage.KindNotFound, "enqueue", fmt.Errorf("world %q", e.WorldID))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO queue (id, world_id, message_id, chat_id, content, sender, state,
		                    attempt_count, enqueued_at, last_heartbeat_at, last_error, next_eligible_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.WorldID, e.MessageID, e.ChatID, e.Content, e.Sender, string(e.State),
		e.AttemptCount, e.EnqueuedAt.UnixNano(),
		nanosOrZero(e.LastHeartbeatAt), e.LastError, nanosOrZero(e.NextEligibleAt))
	if err != nil {
		return storage.NewError(storage.KindIO, "enqueue", err)
	}
	s.logger.Debug("postgres: enqueue", "queue_id", e.ID, "world_id", e.WorldID)
	return nil
}

func (s *Store) Dequeue(ctx context.Context, worldID string, heartbeatTTL time.Duration) (*models.QueueEntry, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTTL).UnixNano()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize claims per world across instances. The liveness check
	// and the claim below are separate reads; without this lock two
	// READ COMMITTED transactions could both pass the check, then SKIP
	// LOCKED would hand them different rows of the same world.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, worldID); err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}

	// 1. A live lease for this world blocks all claims.
	var live int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue WHERE world_id = $1 AND state = 'leased' AND last_heartbeat_at > $2`,
		worldID, cutoff).Scan(&live)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	if live > 0 {
		return nil, nil
	}

	// 2. Claim the oldest eligible entry. SKIP LOCKED keeps concurrent
	// processors from blocking on each other's claims.
	row := tx.QueryRow(ctx,
		`SELECT id, world_id, message_id, chat_id, content, sender, state,
		        attempt_count, enqueued_at, last_heartbeat_at, last_error, next_eligible_at
		 FROM queue
		 WHERE world_id = $1
		   AND ((state = 'pending' AND next_eligible_at <= $2)
		     OR (state = 'leased' AND last_heartbeat_at <= $3))
		 ORDER BY enqueued_at, seq
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		worldID, now.UnixNano(), cutoff)
	e, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE queue SET state = 'leased', last_heartbeat_at = $1 WHERE id = $2`,
		now.UnixNano(), e.ID); err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}

	e.State = models.QueueStateLeased
	e.LastHeartbeatAt = now
	s.logger.Debug("postgres: dequeue", "queue_id", e.ID, "world_id", worldID, "attempt", e.AttemptCount)
	return e, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, queueID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET last_heartbeat_at = $1 WHERE id = $2`,
		time.Now().UTC().UnixNano(), queueID)
	if err != nil {
		return storage.NewError(storage.KindIO, "updateHeartbeat", err)
	}
	return requireRow(tag, "updateHeartbeat", queueID)
}

func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET state = 'completed' WHERE id = $1`, queueID)
	if err != nil {
		return storage.NewError(storage.KindIO, "markCompleted", err)
	}
	return requireRow(tag, "markCompleted", queueID)
}

func (s *Store) MarkFailed(ctx context.Context, queueID, cause string, retryAt time.Time) (*models.QueueEntry, error) {
	state := models.QueueStateFailed
	var eligible int64
	if !retryAt.IsZero() {
		state = models.QueueStatePending
		eligible = retryAt.UnixNano()
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE queue SET state = $1, attempt_count = attempt_count + 1, last_error = $2, next_eligible_at = $3
		 WHERE id = $4
		 RETURNING id, world_id, message_id, chat_id, content, sender, state,
		           attempt_count, enqueued_at, last_heartbeat_at, last_error, next_eligible_at`,
		string(state), cause, eligible, queueID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, "markFailed", fmt.Errorf("queue id %q", queueID))
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "markFailed", err)
	}
	return e, nil
}

func (s *Store) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM queue GROUP BY state`)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "queueStats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, storage.NewError(storage.KindIO, "queueStats", err)
		}
		switch models.QueueState(state) {
		case models.QueueStatePending:
			stats.Pending = n
		case models.QueueStateLeased:
			stats.Leased = n
		case models.QueueStateCompleted:
			stats.Completed = n
		case models.QueueStateFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storage.NewError(storage.KindIO, "queueStats", err)
	}

	worlds, err := s.pool.Query(ctx,
		`SELECT DISTINCT world_id FROM queue WHERE state = 'pending' ORDER BY world_id`)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "queueStats", err)
	}
	defer worlds.Close()
	for worlds.Next() {
		var w string
		if err := worlds.Scan(&w); err != nil {
			return nil, storage.NewError(storage.KindIO, "queueStats", err)
		}
		stats.PendingWorlds = append(stats.PendingWorlds, w)
	}
	return stats, worlds.Err()
}

func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET state = 'pending' WHERE state = 'leased' AND last_heartbeat_at <= $1`, cutoff)
	if err != nil {
		return 0, storage.NewError(storage.KindIO, "reclaimStale", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.logger.Info("postgres: reclaimed stale queue entries", "count", n)
	}
	return int(n), nil
}

func (s *Store) PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM queue WHERE state IN ('completed', 'failed') AND enqueued_at <= $1`, cutoff)
	if err != nil {
		return 0, storage.NewError(storage.KindIO, "purgeSettled", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.logger.Debug("postgres: purged settled queue entries", "count", n)
	}
	return int(n), nil
}

// ── helpers ───────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var state string
	var enqueued, heartbeat, eligible int64
	err := row.Scan(&e.ID, &e.WorldID, &e.MessageID, &e.ChatID, &e.Content, &e.Sender,
		&state, &e.AttemptCount, &enqueued, &heartbeat, &e.LastError, &eligible)
	if err != nil {
		return nil, err
	}
	e.State = models.QueueState(state)
	e.EnqueuedAt = time.Unix(0, enqueued).UTC()
	if heartbeat > 0 {
		e.LastHeartbeatAt = time.Unix(0, heartbeat).UTC()
	}
	if eligible > 0 {
		e.NextEligibleAt = time.Unix(0, eligible).UTC()
	}
	return &e, nil
}

func scanChat(row rowScanner, op, chatID string) (*models.Chat, error) {
	var c models.Chat
	var created, updated int64
	err := row.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &c.MessageCount, &created, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, op, fmt.Errorf("chat %q", chatID))
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, op, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func scanChatColumns(rows pgx.Rows, op string) (*models.Chat, error) {
	var c models.Chat
	var created, updated int64
	if err := rows.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &c.MessageCount, &created, &updated); err != nil {
		return nil, storage.NewError(storage.KindIO, op, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func scanMessages(rows pgx.Rows, op string) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storage.NewError(storage.KindIO, op, err)
		}
		var m models.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, storage.NewError(storage.KindSerialization, op, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func requireRow(tag pgconn.CommandTag, op, id string) error {
	if tag.RowsAffected() == 0 {
		return storage.NewError(storage.KindNotFound, op, fmt.Errorf("queue id %q", id))
	}
	return nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
