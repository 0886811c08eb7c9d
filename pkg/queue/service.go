// Package queue implements the durable message queue semantics on top
// of the storage contract: enqueue with pre-generated message ids,
// retry with exponential backoff, dead-lettering, and the process-wide
// polling processor that drives world tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

// ErrWorldNotFound rejects enqueues for unknown worlds.
var ErrWorldNotFound = errors.New("world not found")

// Service wraps the storage queue with id pre-generation, status
// broadcasting, and the retry policy.
type Service struct {
	store  storage.Store
	buses  *events.BusRegistry
	cfg    *config.QueueConfig
	logger *slog.Logger
}

// NewService creates the queue service.
func NewService(store storage.Store, buses *events.BusRegistry, cfg *config.QueueConfig, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, buses: buses, cfg: cfg, logger: logger}
}

// Enqueue admits a message for a world. The messageId is generated
// here, before the entry exists anywhere, and never changes afterwards.
func (s *Service) Enqueue(ctx context.Context, worldID, chatID, content, sender string) (*models.QueueEntry, error) {
	exists, err := s.store.WorldExists(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("check world: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrWorldNotFound, worldID)
	}
	if sender == "" {
		sender = models.SenderHuman
	}

	now := time.Now().UTC()
	entry := &models.QueueEntry{
		ID:             uuid.NewString(),
		WorldID:        worldID,
		MessageID:      uuid.NewString(),
		ChatID:         chatID,
		Content:        content,
		Sender:         sender,
		State:          models.QueueStatePending,
		EnqueuedAt:     now,
		NextEligibleAt: now,
	}
	if err := s.store.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	s.broadcastStatus(worldID, entry.MessageID, events.StatusQueued, "")
	s.logger.Debug("message enqueued",
		"world_id", worldID, "message_id", entry.MessageID, "sender", sender)
	return entry, nil
}

// Backoff returns the delay before attempt n+1: 2^n seconds scaled by
// the configured base, capped.
func (s *Service) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := s.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if d > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return d
}

// HandleFailure applies the retry policy to a failed lease: re-queue
// with backoff while attempts remain, dead-letter otherwise. The
// returned entry reflects the stored state.
func (s *Service) HandleFailure(ctx context.Context, entry *models.QueueEntry, cause error) (*models.QueueEntry, error) {
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}

	var retryAt time.Time
	dead := entry.AttemptCount+1 >= s.cfg.MaxAttempts
	if !dead {
		retryAt = time.Now().UTC().Add(s.Backoff(entry.AttemptCount))
	}

	updated, err := s.store.MarkFailed(ctx, entry.ID, msg, retryAt)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	if dead {
		s.logger.Error("queue entry dead-lettered",
			"world_id", entry.WorldID, "message_id", entry.MessageID,
			"attempts", updated.AttemptCount, "error", msg)
		s.broadcastStatus(entry.WorldID, entry.MessageID, events.StatusFailed, msg)
		failed := events.NewWorldEvent(events.WorldFailed, "")
		failed.MessageID = entry.MessageID
		s.buses.Get(entry.WorldID).Emit(events.FamilyWorld, failed)
	} else {
		s.logger.Warn("queue entry re-queued",
			"world_id", entry.WorldID, "message_id", entry.MessageID,
			"attempts", updated.AttemptCount, "retry_at", updated.NextEligibleAt, "error", msg)
	}
	return updated, nil
}

// Complete finishes a lease and broadcasts completion.
func (s *Service) Complete(ctx context.Context, entry *models.QueueEntry) error {
	if err := s.store.MarkCompleted(ctx, entry.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	s.broadcastStatus(entry.WorldID, entry.MessageID, events.StatusCompleted, "")
	return nil
}

// Stats exposes queue statistics.
func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

func (s *Service) broadcastStatus(worldID, messageID, status, errMsg string) {
	s.buses.Get(worldID).Emit(events.FamilyStatus,
		events.NewStatusEvent(worldID, messageID, status, errMsg))
}
