// Package cleanup enforces queue retention: settled entries (completed
// and failed) are kept for a configurable TTL so outcomes stay
// inspectable, then swept out of storage.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/storage"
)

// Service runs the retention sweep on an interval. Sweeps are
// idempotent and safe to run from multiple processes sharing a store.
type Service struct {
	store  storage.Store
	config *config.RetentionConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper over the given store.
func NewService(store storage.Store, cfg *config.RetentionConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// Start launches the background sweep loop. No-op when retention is
// disabled or Start was already called.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention sweeper started",
		"settled_ttl", s.config.SettledTTL,
		"sweep_interval", s.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	count, err := s.store.PurgeSettled(ctx, s.config.SettledTTL)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("retention sweep purged settled queue entries", "count", count)
	}
}
