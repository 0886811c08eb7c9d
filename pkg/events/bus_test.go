package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRunsHandlersBeforeReturning(t *testing.T) {
	bus := NewBus("w1", nil)

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(FamilyMessage, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	evt := bus.Emit(FamilyMessage, &MessageEventPayload{MessageID: "m1"})

	// Synchronous contract: the handler already ran.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, evt.Seq, got[0].Seq)
	assert.Equal(t, "w1", got[0].WorldID)
}

func TestEmitAssignsMonotoneSequence(t *testing.T) {
	bus := NewBus("w1", nil)
	e1 := bus.Emit(FamilyMessage, &MessageEventPayload{MessageID: "a"})
	e2 := bus.Emit(FamilySSE, &SSEEventPayload{Type: SSEStart})
	e3 := bus.Emit(FamilyWorld, NewWorldEvent(WorldIdle, ""))

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(3), e3.Seq)
	assert.Equal(t, uint64(3), bus.LastSeq())
}

func TestFamilyIsolation(t *testing.T) {
	bus := NewBus("w1", nil)

	var mu sync.Mutex
	messages, sses := 0, 0
	bus.Subscribe(FamilyMessage, func(Event) { mu.Lock(); messages++; mu.Unlock() })
	bus.Subscribe(FamilySSE, func(Event) { mu.Lock(); sses++; mu.Unlock() })

	bus.Emit(FamilyMessage, &MessageEventPayload{})
	bus.Emit(FamilyMessage, &MessageEventPayload{})
	bus.Emit(FamilySSE, &SSEEventPayload{Type: SSEChunk})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, messages)
	assert.Equal(t, 1, sses)
}

func TestDisposerRemovesHandler(t *testing.T) {
	bus := NewBus("w1", nil)

	var mu sync.Mutex
	calls := 0
	dispose := bus.Subscribe(FamilyMessage, func(Event) { mu.Lock(); calls++; mu.Unlock() })

	bus.Emit(FamilyMessage, &MessageEventPayload{})
	dispose()
	dispose() // idempotent
	bus.Emit(FamilyMessage, &MessageEventPayload{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount(FamilyMessage))
}

func TestPanickingHandlerDoesNotPropagate(t *testing.T) {
	bus := NewBus("w1", nil)
	bus.Subscribe(FamilyMessage, func(Event) { panic("boom") })

	var mu sync.Mutex
	survived := 0
	bus.Subscribe(FamilyMessage, func(Event) { mu.Lock(); survived++; mu.Unlock() })

	require.NotPanics(t, func() {
		bus.Emit(FamilyMessage, &MessageEventPayload{})
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, survived)
}

func TestEventsSince(t *testing.T) {
	bus := NewBus("w1", nil)
	for i := 0; i < 10; i++ {
		bus.Emit(FamilyMessage, &MessageEventPayload{})
	}

	events, overflow := bus.EventsSince(4)
	require.Len(t, events, 6)
	assert.False(t, overflow)
	assert.Equal(t, uint64(5), events[0].Seq)
	assert.Equal(t, uint64(10), events[5].Seq)

	events, overflow = bus.EventsSince(10)
	assert.Empty(t, events)
	assert.False(t, overflow)
}

func TestEventsSinceOverflow(t *testing.T) {
	bus := NewBus("w1", nil)
	for i := 0; i < ringCapacity+50; i++ {
		bus.Emit(FamilyMessage, &MessageEventPayload{})
	}

	// Cursor predates the retained window.
	_, overflow := bus.EventsSince(0)
	assert.True(t, overflow)

	// More missed events than the catchup limit.
	events, overflow := bus.EventsSince(bus.LastSeq() - uint64(CatchupLimit) - 10)
	assert.True(t, overflow)
	assert.Len(t, events, CatchupLimit)

	// Inside both windows: clean catchup.
	events, overflow = bus.EventsSince(bus.LastSeq() - 5)
	assert.False(t, overflow)
	assert.Len(t, events, 5)
}

func TestConcurrentEmitsDeliverInSequenceOrder(t *testing.T) {
	bus := NewBus("w1", nil)

	var mu sync.Mutex
	var seen []uint64
	bus.Subscribe(FamilyMessage, func(e Event) {
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Emit(FamilyMessage, &MessageEventPayload{})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 400)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1],
			"subscriber observed seq %d after %d", seen[i], seen[i-1])
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := NewBus("w1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				dispose := bus.Subscribe(FamilySSE, func(Event) {})
				bus.Emit(FamilySSE, &SSEEventPayload{Type: SSEChunk})
				dispose()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(400), bus.LastSeq())
	assert.Equal(t, 0, bus.SubscriberCount(FamilySSE))
}
