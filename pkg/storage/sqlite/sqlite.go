// Package sqlite implements the storage contract on pure-Go SQLite.
// It is the default embedded backend: one database file under the data
// path, no CGO, no external service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements storage.Store backed by a local SQLite file.
// Message bodies are stored as JSON text with the columns the queries
// filter on extracted alongside.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// The single connection also makes Dequeue's select-then-update atomic.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			config TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			config TEXT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (world_id, agent_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_archives (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			label TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (world_id, agent_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			world_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			sender TEXT NOT NULL,
			state TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			last_heartbeat_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_eligible_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return storage.NewError(storage.KindIO, "init", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(world_id, chat_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_world_state ON queue(world_id, state)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chats_world ON chats(world_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// ── Worlds ────────────────────────────────────────────────────────────

func (s *Store) SaveWorld(ctx context.Context, w *models.World) error {
	start := time.Now()
	body, err := json.Marshal(w)
	if err != nil {
		return storage.NewError(storage.KindSerialization, "saveWorld", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO worlds (id, config, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		w.ID, string(body), w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "saveWorld", err)
	}
	s.logger.Debug("sqlite: save world", "world_id", w.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*models.World, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM worlds WHERE id = ?`, worldID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteWorld", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM queue WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM memory_archives WHERE world_id = ?`,
		`DELETE FROM memories WHERE world_id = ?`,
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM worlds WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, worldID); err != nil {
			return storage.NewError(storage.KindIO, "deleteWorld", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(storage.KindIO, "deleteWorld", err)
	}
	s.logger.Debug("sqlite: delete world", "world_id", worldID, "duration", time.Since(start))
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*models.World, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM worlds ORDER BY id`)
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
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM worlds WHERE id = ?`, worldID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (world_id, id, config) VALUES (?, ?, ?)`,
		worldID, a.ID, string(body))
	if err != nil {
		return storage.NewError(storage.KindIO, "saveAgent", err)
	}
	s.logger.Debug("sqlite: save agent", "world_id", worldID, "agent_id", a.ID)
	return nil
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*models.Agent, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_archives WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(storage.KindIO, "deleteAgent", err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config FROM agents WHERE world_id = ? ORDER BY id`, worldID)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	for i, m := range memory {
		body, err := json.Marshal(m)
		if err != nil {
			return storage.NewError(storage.KindSerialization, "saveAgentMemory", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (world_id, agent_id, position, message_id, chat_id, sender, ts, body)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			worldID, agentID, i, m.MessageID, m.ChatID, m.Sender, m.Timestamp.UnixNano(), string(body)); err != nil {
			return storage.NewError(storage.KindIO, "saveAgentMemory", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.NewError(storage.KindIO, "saveAgentMemory", err)
	}
	s.logger.Debug("sqlite: save memory", "world_id", worldID, "agent_id", agentID,
		"messages", len(memory), "duration", time.Since(start))
	return nil
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM memories WHERE world_id = ? AND agent_id = ? ORDER BY position`,
		worldID, agentID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "loadAgentMemory", err)
	}
	defer rows.Close()
	return scanMessages(rows, "loadAgentMemory")
}

func (s *Store) DeleteMemoryByChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE world_id = ? AND chat_id = ?`, worldID, chatID)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_archives (world_id, agent_id, label, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		worldID, agentID, label, string(body), time.Now().UTC().UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "archiveMemory", err)
	}
	s.logger.Debug("sqlite: archive memory", "world_id", worldID, "agent_id", agentID, "label", label)
	return nil
}

func (s *Store) GetMemory(ctx context.Context, worldID, chatID string) ([]*models.Message, error) {
	query := `SELECT body FROM memories WHERE world_id = ?`
	args := []any{worldID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (world_id, id, name, description, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.WorldID, c.ID, c.Name, c.Description, c.MessageCount,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		return storage.NewError(storage.KindIO, "saveChat", err)
	}
	return nil
}

func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*models.Chat, error) {
	return s.scanChat(s.db.QueryRowContext(ctx,
		`SELECT world_id, id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID), "loadChat", chatID)
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
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return storage.NewError(storage.KindIO, "deleteChat", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context, worldID string) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT world_id, id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = ? ORDER BY created_at, id`, worldID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "listChats", err)
	}
	defer rows.Close()
	var out []*models.Chat
	for rows.Next() {
		c, err := s.scanChatRow(rows)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue (id, world_id, message_id, chat_id, content, sender, state,
		                    attempt_count, enqueued_at, seq, last_heartbeat_at, last_error, next_eligible_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue), ?, ?, ?)`,
		e.ID, e.WorldID, e.MessageID, e.ChatID, e.Content, e.Sender, string(e.State),
		e.AttemptCount, e.EnqueuedAt.UnixNano(),
		nanosOrZero(e.LastHeartbeatAt), e.LastError, nanosOrZero(e.NextEligibleAt))
	if err != nil {
		return storage.NewError(storage.KindIO, "enqueue", err)
	}
	s.logger.Debug("sqlite: enqueue", "queue_id", e.ID, "world_id", e.WorldID)
	return nil
}

func (s *Store) Dequeue(ctx context.Context, worldID string, heartbeatTTL time.Duration) (*models.QueueEntry, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTTL).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. A live lease for this world blocks all claims.
	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE world_id = ? AND state = 'leased' AND last_heartbeat_at > ?`,
		worldID, cutoff).Scan(&live)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	if live > 0 {
		return nil, nil
	}

	// 2. Claim the oldest eligible entry: pending past its eligibility
	// time, or leased with a dead heartbeat.
	row := tx.QueryRowContext(ctx,
		`SELECT id, world_id, message_id, chat_id, content, sender, state,
		        attempt_count, enqueued_at, last_heartbeat_at, last_error, next_eligible_at
		 FROM queue
		 WHERE world_id = ?
		   AND ((state = 'pending' AND next_eligible_at <= ?)
		     OR (state = 'leased' AND last_heartbeat_at <= ?))
		 ORDER BY enqueued_at, seq
		 LIMIT 1`,
		worldID, now.UnixNano(), cutoff)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue SET state = 'leased', last_heartbeat_at = ? WHERE id = ?`,
		now.UnixNano(), e.ID); err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storage.NewError(storage.KindIO, "dequeue", err)
	}

	e.State = models.QueueStateLeased
	e.LastHeartbeatAt = now
	s.logger.Debug("sqlite: dequeue", "queue_id", e.ID, "world_id", worldID, "attempt", e.AttemptCount)
	return e, nil
}

func (s *Store) UpdateHeartbeat(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET last_heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), queueID)
	if err != nil {
		return storage.NewError(storage.KindIO, "updateHeartbeat", err)
	}
	return s.requireRow(res, "updateHeartbeat", queueID)
}

func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = 'completed' WHERE id = ?`, queueID)
	if err != nil {
		return storage.NewError(storage.KindIO, "markCompleted", err)
	}
	return s.requireRow(res, "markCompleted", queueID)
}

func (s *Store) MarkFailed(ctx context.Context, queueID, cause string, retryAt time.Time) (*models.QueueEntry, error) {
	state := models.QueueStateFailed
	var eligible int64
	if !retryAt.IsZero() {
		state = models.QueueStatePending
		eligible = retryAt.UnixNano()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = ?, attempt_count = attempt_count + 1, last_error = ?, next_eligible_at = ?
		 WHERE id = ?`,
		string(state), cause, eligible, queueID)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "markFailed", err)
	}
	if err := s.requireRow(res, "markFailed", queueID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, world_id, message_id, chat_id, content, sender, state,
		        attempt_count, enqueued_at, last_heartbeat_at, last_error, next_eligible_at
		 FROM queue WHERE id = ?`, queueID)
	e, err := scanQueueEntry(row)
	if err != nil {
		return nil, storage.NewError(storage.KindIO, "markFailed", err)
	}
	return e, nil
}

func (s *Store) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue GROUP BY state`)
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

	worlds, err := s.db.QueryContext(ctx,
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET state = 'pending' WHERE state = 'leased' AND last_heartbeat_at <= ?`, cutoff)
	if err != nil {
		return 0, storage.NewError(storage.KindIO, "reclaimStale", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("sqlite: reclaimed stale queue entries", "count", n)
	}
	return int(n), nil
}

func (s *Store) PurgeSettled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue WHERE state IN ('completed', 'failed') AND enqueued_at <= ?`, cutoff)
	if err != nil {
		return 0, storage.NewError(storage.KindIO, "purgeSettled", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("sqlite: purged settled queue entries", "count", n)
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

func (s *Store) scanChat(row *sql.Row, op, chatID string) (*models.Chat, error) {
	var c models.Chat
	var created, updated int64
	err := row.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &c.MessageCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NewError(storage.KindNotFound, op, fmt.Errorf("chat %q", chatID))
	}
	if err != nil {
		return nil, storage.NewError(storage.KindIO, op, err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func (s *Store) scanChatRow(rows *sql.Rows) (*models.Chat, error) {
	var c models.Chat
	var created, updated int64
	if err := rows.Scan(&c.WorldID, &c.ID, &c.Name, &c.Description, &c.MessageCount, &created, &updated); err != nil {
		return nil, storage.NewError(storage.KindIO, "listChats", err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func scanMessages(rows *sql.Rows, op string) ([]*models.Message, error) {
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

func (s *Store) requireRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.NewError(storage.KindIO, op, err)
	}
	if n == 0 {
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
