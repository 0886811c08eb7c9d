package events

import (
	"log/slog"
	"sync"
)

// BusRegistry hands out the per-world buses. Buses are created lazily
// on first use and removed when their world is deleted.
type BusRegistry struct {
	logger *slog.Logger

	mu    sync.Mutex
	buses map[string]*Bus
}

// NewBusRegistry creates an empty registry.
func NewBusRegistry(logger *slog.Logger) *BusRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusRegistry{logger: logger, buses: make(map[string]*Bus)}
}

// Get returns the world's bus, creating it on first use.
func (r *BusRegistry) Get(worldID string) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[worldID]
	if !ok {
		b = NewBus(worldID, r.logger)
		r.buses[worldID] = b
	}
	return b
}

// Peek returns the world's bus without creating one.
func (r *BusRegistry) Peek(worldID string) (*Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[worldID]
	return b, ok
}

// Remove drops the world's bus. Existing subscribers keep their handle
// but no new emissions reach them through the registry.
func (r *BusRegistry) Remove(worldID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buses, worldID)
}

// WorldIDs lists the worlds that currently hold a bus.
func (r *BusRegistry) WorldIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.buses))
	for id := range r.buses {
		out = append(out, id)
	}
	return out
}
