package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	memstore "github.com/yysun/agent-world/pkg/storage/memory"
)

// stubTask records processed entries and can fail on demand.
type stubTask struct {
	mu        sync.Mutex
	processed []*models.QueueEntry
	failures  int
	closed    bool
}

func (s *stubTask) ProcessMessage(_ context.Context, entry *models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient failure")
	}
	s.processed = append(s.processed, entry)
	return nil
}

func (s *stubTask) AwaitIdle(context.Context) error { return nil }

func (s *stubTask) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stubTask) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.processed {
		out = append(out, e.Content)
	}
	return out
}

type processorFixture struct {
	store *memstore.Store
	buses *events.BusRegistry
	svc   *Service
	proc  *Processor

	mu    sync.Mutex
	tasks map[string]*stubTask
	loads map[string]int
}

func newProcessorFixture(t *testing.T, worldIDs ...string) *processorFixture {
	t.Helper()
	f := &processorFixture{
		store: memstore.New(),
		buses: events.NewBusRegistry(nil),
		tasks: make(map[string]*stubTask),
		loads: make(map[string]int),
	}
	t.Cleanup(func() { _ = f.store.Close() })

	for _, id := range worldIDs {
		require.NoError(t, f.store.SaveWorld(t.Context(), &models.World{ID: id, Name: id}))
		f.tasks[id] = &stubTask{}
	}

	cfg := config.DefaultQueueConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollIntervalJitter = 0
	cfg.GracefulShutdownTimeout = 2 * time.Second

	f.svc = NewService(f.store, f.buses, cfg, nil)
	f.proc = NewProcessor(f.svc, f.store, WorldLoaderFunc(func(_ context.Context, worldID string) (WorldTask, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.loads[worldID]++
		task, ok := f.tasks[worldID]
		if !ok {
			return nil, errors.New("unknown world")
		}
		return task, nil
	}), nil)
	return f
}

func (f *processorFixture) loadCount(worldID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[worldID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestProcessorDrainsWorldInOrder(t *testing.T) {
	f := newProcessorFixture(t, "w1")
	ctx := t.Context()

	for _, content := range []string{"first", "second", "third"} {
		_, err := f.svc.Enqueue(ctx, "w1", "", content, "")
		require.NoError(t, err)
	}

	require.NoError(t, f.proc.Start(ctx))
	defer f.proc.Stop()

	task := f.tasks["w1"]
	waitFor(t, func() bool { return len(task.contents()) == 3 })
	assert.Equal(t, []string{"first", "second", "third"}, task.contents())

	// One hydration served the whole burst.
	assert.Equal(t, 1, f.loadCount("w1"))

	waitFor(t, func() bool {
		stats, err := f.svc.Stats(ctx)
		return err == nil && stats.Completed == 3 && stats.Pending == 0
	})
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	f := newProcessorFixture(t, "w1")
	f.svc.cfg.BackoffBase = 10 * time.Millisecond
	ctx := t.Context()

	f.tasks["w1"].failures = 1
	_, err := f.svc.Enqueue(ctx, "w1", "", "flaky", "")
	require.NoError(t, err)

	require.NoError(t, f.proc.Start(ctx))
	defer f.proc.Stop()

	waitFor(t, func() bool { return len(f.tasks["w1"].contents()) == 1 })
	waitFor(t, func() bool {
		stats, err := f.svc.Stats(ctx)
		return err == nil && stats.Completed == 1
	})
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newProcessorFixture(t, "w1")
	f.svc.cfg.BackoffBase = 5 * time.Millisecond
	f.svc.cfg.BackoffCap = 20 * time.Millisecond
	ctx := t.Context()

	var failed []*events.WorldEventPayload
	var mu sync.Mutex
	f.buses.Get("w1").Subscribe(events.FamilyWorld, func(e events.Event) {
		p := e.Payload.(*events.WorldEventPayload)
		if p.Type == events.WorldFailed {
			mu.Lock()
			failed = append(failed, p)
			mu.Unlock()
		}
	})

	f.tasks["w1"].failures = 100
	entry, err := f.svc.Enqueue(ctx, "w1", "", "doomed", "")
	require.NoError(t, err)

	require.NoError(t, f.proc.Start(ctx))
	defer f.proc.Stop()

	waitFor(t, func() bool {
		stats, err := f.svc.Stats(ctx)
		return err == nil && stats.Failed == 1
	})
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failed, 1)
	assert.Equal(t, entry.MessageID, failed[0].MessageID)
}

func TestProcessorMultipleWorlds(t *testing.T) {
	f := newProcessorFixture(t, "w1", "w2", "w3")
	ctx := t.Context()

	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := f.svc.Enqueue(ctx, id, "", "msg for "+id, "")
		require.NoError(t, err)
	}

	require.NoError(t, f.proc.Start(ctx))
	defer f.proc.Stop()

	waitFor(t, func() bool {
		stats, err := f.svc.Stats(ctx)
		return err == nil && stats.Completed == 3
	})
	for _, id := range []string{"w1", "w2", "w3"} {
		assert.Equal(t, []string{"msg for " + id}, f.tasks[id].contents())
	}
}

func TestProcessorStopWaitsForTasks(t *testing.T) {
	f := newProcessorFixture(t, "w1")
	ctx := t.Context()

	_, err := f.svc.Enqueue(ctx, "w1", "", "hello", "")
	require.NoError(t, err)

	require.NoError(t, f.proc.Start(ctx))
	waitFor(t, func() bool { return len(f.tasks["w1"].contents()) == 1 })

	f.proc.Stop()
	health := f.proc.Health()
	assert.False(t, health.Running)
	assert.Empty(t, health.ActiveWorlds)

	f.tasks["w1"].mu.Lock()
	closed := f.tasks["w1"].closed
	f.tasks["w1"].mu.Unlock()
	assert.True(t, closed)
}

func TestProcessorReclaimsStaleLeases(t *testing.T) {
	f := newProcessorFixture(t, "w1")
	ctx := t.Context()

	// A short heartbeat interval makes the abandoned lease expire fast.
	f.svc.cfg.HeartbeatInterval = time.Millisecond

	_, err := f.svc.Enqueue(ctx, "w1", "", "abandoned", "")
	require.NoError(t, err)

	// Simulate a crashed processor holding a dead lease.
	leased, err := f.store.Dequeue(ctx, "w1", time.Nanosecond)
	require.NoError(t, err)
	require.NotNil(t, leased)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, f.proc.Start(ctx))
	defer f.proc.Stop()

	waitFor(t, func() bool { return len(f.tasks["w1"].contents()) == 1 })
}
