package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
)

// WorldTask is one hydrated world driving messages to completion. The
// processor owns the task lifecycle: it loads one per active world,
// feeds it leased entries, and closes it when the world drains.
type WorldTask interface {
	ProcessMessage(ctx context.Context, entry *models.QueueEntry) error
	AwaitIdle(ctx context.Context) error
	Close()
}

// WorldLoader hydrates a world task on demand.
type WorldLoader interface {
	Load(ctx context.Context, worldID string) (WorldTask, error)
}

// WorldLoaderFunc adapts a function to WorldLoader.
type WorldLoaderFunc func(ctx context.Context, worldID string) (WorldTask, error)

func (f WorldLoaderFunc) Load(ctx context.Context, worldID string) (WorldTask, error) {
	return f(ctx, worldID)
}

// ProcessorHealth is a point-in-time snapshot for the health endpoint.
type ProcessorHealth struct {
	Running      bool     `json:"running"`
	ActiveWorlds []string `json:"activeWorlds"`
}

// Processor polls the queue and fans work out to per-world tasks. At
// most one task runs per world; the store's lease enforces the same
// across processes.
type Processor struct {
	service *Service
	store   storage.Store
	loader  WorldLoader
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	running bool
	active  map[string]struct{}
}

// NewProcessor creates a processor over the given service and loader.
func NewProcessor(service *Service, store storage.Store, loader WorldLoader, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		service: service,
		store:   store,
		loader:  loader,
		logger:  logger.With("component", "queue-processor"),
		stopCh:  make(chan struct{}),
		active:  make(map[string]struct{}),
	}
}

// Start reclaims stale leases from a previous run and begins polling.
func (p *Processor) Start(ctx context.Context) error {
	reclaimed, err := p.store.ReclaimStale(ctx, p.service.cfg.HeartbeatTTL())
	if err != nil {
		return fmt.Errorf("reclaim stale leases: %w", err)
	}
	if reclaimed > 0 {
		p.logger.Info("reclaimed stale leases", "count", reclaimed)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
	p.logger.Info("queue processor started",
		"poll_interval", p.service.cfg.PollInterval,
		"max_concurrent_worlds", p.service.cfg.MaxConcurrentWorlds)
	return nil
}

// Stop signals the poll loop and waits for in-flight world tasks, up to
// the graceful shutdown timeout.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.service.cfg.GracefulShutdownTimeout):
			p.logger.Warn("shutdown timeout: abandoning in-flight world tasks")
		}

		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		p.logger.Info("queue processor stopped")
	})
}

// Health reports the processor state.
func (p *Processor) Health() ProcessorHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	worlds := make([]string, 0, len(p.active))
	for id := range p.active {
		worlds = append(worlds, id)
	}
	return ProcessorHealth{Running: p.running, ActiveWorlds: worlds}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(p.pollDelay()):
		}
		p.dispatch(ctx)
	}
}

// pollDelay jitters the poll interval so multiple processors do not
// stampede the store in lockstep.
func (p *Processor) pollDelay() time.Duration {
	base := p.service.cfg.PollInterval
	jitter := p.service.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	d := base + time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	if d < 0 {
		d = 0
	}
	return d
}

// dispatch spawns a world task for each pending world that has no task
// here yet, up to the concurrency cap.
func (p *Processor) dispatch(ctx context.Context) {
	stats, err := p.store.QueueStats(ctx)
	if err != nil {
		p.logger.Error("queue stats failed", "error", err)
		return
	}

	for _, worldID := range stats.PendingWorlds {
		p.mu.Lock()
		if _, busy := p.active[worldID]; busy || len(p.active) >= p.service.cfg.MaxConcurrentWorlds {
			p.mu.Unlock()
			continue
		}
		p.active[worldID] = struct{}{}
		p.mu.Unlock()

		p.wg.Add(1)
		go func(worldID string) {
			defer p.wg.Done()
			defer func() {
				p.mu.Lock()
				delete(p.active, worldID)
				p.mu.Unlock()
			}()
			p.worldTask(ctx, worldID)
		}(worldID)
	}
}

// worldTask hydrates the world once, then drains its queue entries in
// admission order until none are eligible.
func (p *Processor) worldTask(ctx context.Context, worldID string) {
	logger := p.logger.With("world_id", worldID)

	task, err := p.loader.Load(ctx, worldID)
	if err != nil {
		logger.Error("world hydration failed", "error", err)
		return
	}
	defer task.Close()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		entry, err := p.store.Dequeue(ctx, worldID, p.service.cfg.HeartbeatTTL())
		if err != nil {
			logger.Error("dequeue failed", "error", err)
			return
		}
		if entry == nil {
			return
		}
		p.processEntry(ctx, logger, task, entry)
	}
}

func (p *Processor) processEntry(ctx context.Context, logger *slog.Logger, task WorldTask, entry *models.QueueEntry) {
	logger = logger.With("message_id", entry.MessageID)
	p.service.broadcastStatus(entry.WorldID, entry.MessageID, events.StatusProcessing, "")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, entry.ID)

	err := task.ProcessMessage(ctx, entry)
	if err == nil {
		idleCtx, cancel := context.WithTimeout(ctx, p.service.cfg.IdleWaitTimeout)
		err = task.AwaitIdle(idleCtx)
		cancel()
	}
	stopHeartbeat()

	if err != nil {
		logger.Warn("world task attempt failed", "error", err)
		if _, ferr := p.service.HandleFailure(ctx, entry, err); ferr != nil {
			logger.Error("failure handling failed", "error", ferr)
		}
		return
	}
	if err := p.service.Complete(ctx, entry); err != nil {
		logger.Error("completion failed", "error", err)
		return
	}
	logger.Debug("queue entry completed")
}

// heartbeat keeps the lease alive while an entry is being processed.
func (p *Processor) heartbeat(ctx context.Context, queueID string) {
	ticker := time.NewTicker(p.service.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.UpdateHeartbeat(ctx, queueID); err != nil {
				p.logger.Warn("heartbeat failed", "queue_id", queueID, "error", err)
			}
		}
	}
}
