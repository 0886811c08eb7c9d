// Package memory implements the storage contract with in-process maps.
// It backs tests and the "memory" backend choice; nothing survives a
// restart. All methods deep-copy on the way in and out so callers never
// share mutable state with the store.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

type worldRecord struct {
	world   models.World
	agents  map[string]*models.Agent
	memory  map[string][]*models.Message            // agentID → ordered messages
	archive map[string]map[string][]*models.Message // agentID → label → snapshot
	chats   map[string]*models.Chat
}

// Store is the in-memory backend.
type Store struct {
	mu       sync.RWMutex
	worlds   map[string]*worldRecord
	queue    map[string]*models.QueueEntry
	queueSeq uint64
	queueOrd map[string]uint64 // entry id → admission order, stable FIFO tiebreak
	logger   *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the logger; the default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		worlds:   make(map[string]*worldRecord),
		queue:    make(map[string]*models.QueueEntry),
		queueOrd: make(map[string]uint64),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return nil }

// ── Worlds ────────────────────────────────────────────────────────────

func (s *Store) SaveWorld(_ context.Context, w *models.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[w.ID]
	if !ok {
		rec = newWorldRecord()
		s.worlds[w.ID] = rec
	}
	rec.world = *w
	return nil
}

func (s *Store) LoadWorld(_ context.Context, worldID string) (*models.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "loadWorld", fmt.Errorf("world %q", worldID))
	}
	w := rec.world
	return &w, nil
}

func (s *Store) DeleteWorld(_ context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worlds, worldID)
	for id, e := range s.queue {
		if e.WorldID == worldID {
			delete(s.queue, id)
			delete(s.queueOrd, id)
		}
	}
	return nil
}

func (s *Store) ListWorlds(_ context.Context) ([]*models.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.World, 0, len(s.worlds))
	for _, rec := range s.worlds {
		w := rec.world
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) WorldExists(_ context.Context, worldID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.worlds[worldID]
	return ok, nil
}

// ── Agents ────────────────────────────────────────────────────────────

func (s *Store) SaveAgent(_ context.Context, worldID string, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "saveAgent", fmt.Errorf("world %q", worldID))
	}
	cp := *a
	cp.WorldID = worldID
	rec.agents[a.ID] = &cp
	return nil
}

func (s *Store) LoadAgent(_ context.Context, worldID, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	a, ok := rec.agents[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) DeleteAgent(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil
	}
	delete(rec.agents, agentID)
	delete(rec.memory, agentID)
	delete(rec.archive, agentID)
	return nil
}

func (s *Store) ListAgents(_ context.Context, worldID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.Agent, 0, len(rec.agents))
	for _, a := range rec.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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

func (s *Store) SaveAgentMemory(_ context.Context, worldID, agentID string, memory []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "saveAgentMemory", fmt.Errorf("world %q", worldID))
	}
	rec.memory[agentID] = cloneMessages(memory)
	return nil
}

func (s *Store) LoadAgentMemory(_ context.Context, worldID, agentID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	return cloneMessages(rec.memory[agentID]), nil
}

func (s *Store) DeleteMemoryByChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil
	}
	for agentID, mem := range rec.memory {
		kept := mem[:0]
		for _, m := range mem {
			if m.ChatID != chatID {
				kept = append(kept, m)
			}
		}
		rec.memory[agentID] = kept
	}
	return nil
}

func (s *Store) ArchiveMemory(_ context.Context, worldID, agentID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "archiveMemory", fmt.Errorf("world %q", worldID))
	}
	if rec.archive[agentID] == nil {
		rec.archive[agentID] = make(map[string][]*models.Message)
	}
	rec.archive[agentID][label] = cloneMessages(rec.memory[agentID])
	return nil
}

func (s *Store) GetMemory(_ context.Context, worldID, chatID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	var all []*models.Message
	for _, mem := range rec.memory {
		for _, m := range mem {
			if chatID == "" || m.ChatID == chatID {
				all = append(all, m)
			}
		}
	}
	return storage.DedupeAndSort(all), nil
}

// ── Chats ─────────────────────────────────────────────────────────────

func (s *Store) SaveChat(_ context.Context, c *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[c.WorldID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "saveChat", fmt.Errorf("world %q", c.WorldID))
	}
	cp := *c
	rec.chats[c.ID] = &cp
	return nil
}

func (s *Store) LoadChat(_ context.Context, worldID, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.chatLocked(worldID, chatID, "loadChat")
	if err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateChat(_ context.Context, worldID, chatID string, upd storage.ChatUpdate) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.chatLocked(worldID, chatID, "updateChat")
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
	cp := *c
	return &cp, nil
}

func (s *Store) DeleteChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil
	}
	delete(rec.chats, chatID)
	return nil
}

func (s *Store) ListChats(_ context.Context, worldID string) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, nil
	}
	out := make([]*models.Chat, 0, len(rec.chats))
	for _, c := range rec.chats {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) chatLocked(worldID, chatID, op string) (*models.Chat, error) {
	rec, ok := s.worlds[worldID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, op, fmt.Errorf("world %q", worldID))
	}
	c, ok := rec.chats[chatID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, op, fmt.Errorf("chat %q", chatID))
	}
	return c, nil
}

// ── Queue ─────────────────────────────────────────────────────────────

func (s *Store) Enqueue(_ context.Context, e *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.worlds[e.WorldID]; !ok {
		return storage.NewError(storage.KindNotFound, "enqueue", fmt.Errorf("world %q", e.WorldID))
	}
	if _, dup := s.queue[e.ID]; dup {
		return storage.NewError(storage.KindConflict, "enqueue", fmt.Errorf("queue id %q", e.ID))
	}
	s.queueSeq++
	s.queueOrd[e.ID] = s.queueSeq
	s.queue[e.ID] = e.Clone()
	return nil
}

func (s *Store) Dequeue(_ context.Context, worldID string, heartbeatTTL time.Duration) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	// 1. A live lease for this world blocks all claims.
	for _, e := range s.queue {
		if e.WorldID == worldID && e.State == models.QueueStateLeased && now.Sub(e.LastHeartbeatAt) < heartbeatTTL {
			return nil, nil
		}
	}

	// 2. Oldest eligible entry: pending past its eligibility time, or a
	// leased entry whose heartbeat died.
	var best *models.QueueEntry
	for _, e := range s.queue {
		if e.WorldID != worldID {
			continue
		}
		eligible := (e.State == models.QueueStatePending && !e.NextEligibleAt.After(now)) ||
			(e.State == models.QueueStateLeased && now.Sub(e.LastHeartbeatAt) >= heartbeatTTL)
		if !eligible {
			continue
		}
		if best == nil || s.olderLocked(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = models.QueueStateLeased
	best.LastHeartbeatAt = now
	return best.Clone(), nil
}

// olderLocked orders by enqueuedAt with admission order as tiebreak.
func (s *Store) olderLocked(a, b *models.QueueEntry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return s.queueOrd[a.ID] < s.queueOrd[b.ID]
}

func (s *Store) UpdateHeartbeat(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[queueID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "updateHeartbeat", fmt.Errorf("queue id %q", queueID))
	}
	e.LastHeartbeatAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[queueID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "markCompleted", fmt.Errorf("queue id %q", queueID))
	}
	e.State = models.QueueStateCompleted
	return nil
}

func (s *Store) MarkFailed(_ context.Context, queueID, cause string, retryAt time.Time) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[queueID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "markFailed", fmt.Errorf("queue id %q", queueID))
	}
	e.AttemptCount++
	e.LastError = cause
	if retryAt.IsZero() {
		e.State = models.QueueStateFailed
	} else {
		e.State = models.QueueStatePending
		e.NextEligibleAt = retryAt
	}
	return e.Clone(), nil
}

func (s *Store) QueueStats(_ context.Context) (*models.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &models.QueueStats{}
	pendingWorlds := make(map[string]bool)
	for _, e := range s.queue {
		switch e.State {
		case models.QueueStatePending:
			stats.Pending++
			pendingWorlds[e.WorldID] = true
		case models.QueueStateLeased:
			stats.Leased++
		case models.QueueStateCompleted:
			stats.Completed++
		case models.QueueStateFailed:
			stats.Failed++
		}
	}
	for w := range pendingWorlds {
		stats.PendingWorlds = append(stats.PendingWorlds, w)
	}
	sort.Strings(stats.PendingWorlds)
	return stats, nil
}

func (s *Store) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, e := range s.queue {
		if e.State == models.QueueStateLeased && now.Sub(e.LastHeartbeatAt) >= olderThan {
			e.State = models.QueueStatePending
			n++
		}
	}
	if n > 0 {
		s.logger.Info("reclaimed stale queue entries", "count", n)
	}
	return n, nil
}

func (s *Store) PurgeSettled(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for id, e := range s.queue {
		settled := e.State == models.QueueStateCompleted || e.State == models.QueueStateFailed
		if settled && !e.EnqueuedAt.After(cutoff) {
			delete(s.queue, id)
			delete(s.queueOrd, id)
			n++
		}
	}
	return n, nil
}

// ── helpers ───────────────────────────────────────────────────────────

func newWorldRecord() *worldRecord {
	return &worldRecord{
		agents:  make(map[string]*models.Agent),
		memory:  make(map[string][]*models.Message),
		archive: make(map[string]map[string][]*models.Message),
		chats:   make(map[string]*models.Chat),
	}
}

func cloneMessages(in []*models.Message) []*models.Message {
	out := make([]*models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
