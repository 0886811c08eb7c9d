// Package events implements the per-world typed event bus. Each world
// owns one Bus; publishers emit typed payloads into a family, and
// subscribers attach handlers per family. Emission is synchronous with
// respect to the caller: every handler has run (or panicked and been
// recovered) before Emit returns.
//
// The bus also keeps a bounded ring log of emitted events so late
// subscribers can replay from a sequence point without hitting storage.
package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// ringCapacity bounds the per-world replay log. Older events fall off;
// clients whose cursor predates the window receive an overflow marker
// and must reload over REST instead.
const ringCapacity = 512

// CatchupLimit caps the number of events returned by one EventsSince
// call. More missed events than this signals overflow.
const CatchupLimit = 200

// Event is one emitted occurrence: a typed payload stamped with the
// world's monotone sequence number.
type Event struct {
	Family  Family `json:"family"`
	Seq     uint64 `json:"seq"`
	WorldID string `json:"worldId"`
	Payload any    `json:"payload"`
}

// Handler receives emitted events for one family.
type Handler func(Event)

// Bus is the per-world pub/sub hub. Safe for concurrent use.
type Bus struct {
	worldID string
	logger  *slog.Logger

	// emitMu serializes whole emissions, from sequence assignment
	// through handler completion, so subscribers always observe
	// events in sequence order even under concurrent Emit calls.
	emitMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	handlers map[Family]map[int]Handler
	nextID   int
	ring     []Event // ordered, at most ringCapacity
}

// NewBus creates a bus for one world.
func NewBus(worldID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		worldID:  worldID,
		logger:   logger.With("world_id", worldID),
		handlers: make(map[Family]map[int]Handler),
	}
}

// WorldID returns the owning world's id.
func (b *Bus) WorldID() string { return b.worldID }

// Subscribe attaches a handler to one event family and returns a
// disposer. Disposers are idempotent and must be invoked on teardown.
func (b *Bus) Subscribe(family Family, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[family] == nil {
		b.handlers[family] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[family][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[family], id)
		})
	}
}

// SubscriberCount reports the number of handlers attached to a family.
func (b *Bus) SubscriberCount(family Family) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[family])
}

// Emit assigns the next sequence number, appends the event to the
// replay log, and runs every handler for the family. Handlers run on
// their own goroutines but Emit waits for all of them, so emission
// stays synchronous for the caller while handlers never block each
// other. A panicking handler is recovered and logged.
//
// Emissions are serialized: a second concurrent Emit does not begin
// dispatch until the first one's handlers have returned, so delivery
// order always matches sequence order. Handlers must not Emit on the
// same bus; they hand work to their own goroutines instead.
func (b *Bus) Emit(family Family, payload any) Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	b.seq++
	evt := Event{Family: family, Seq: b.seq, WorldID: b.worldID, Payload: payload}
	b.ring = append(b.ring, evt)
	if len(b.ring) > ringCapacity {
		b.ring = b.ring[len(b.ring)-ringCapacity:]
	}
	hs := make([]Handler, 0, len(b.handlers[family]))
	for _, h := range b.handlers[family] {
		hs = append(hs, h)
	}
	b.mu.Unlock()

	if len(hs) == 0 {
		return evt
	}
	var wg sync.WaitGroup
	wg.Add(len(hs))
	for _, h := range hs {
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"family", family, "seq", evt.Seq,
						"panic", r, "stack", string(debug.Stack()))
				}
			}()
			h(evt)
		}(h)
	}
	wg.Wait()
	return evt
}

// LastSeq returns the sequence of the most recently emitted event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// EventsSince returns up to CatchupLimit events with Seq > since, in
// order. overflow is true when the replay window no longer reaches back
// to the cursor or more events were missed than the limit allows; the
// caller should tell the client to do a full reload.
func (b *Bus) EventsSince(since uint64) (out []Event, overflow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) > 0 && b.ring[0].Seq > since+1 {
		overflow = true
	}
	for _, evt := range b.ring {
		if evt.Seq <= since {
			continue
		}
		if len(out) == CatchupLimit {
			overflow = true
			break
		}
		out = append(out, evt)
	}
	return out, overflow
}
