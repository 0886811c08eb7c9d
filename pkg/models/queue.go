package models

import "time"

// QueueState is the lifecycle state of a queue entry.
//
//	pending → leased → completed
//	                 ↘ failed (dead) or back to pending with backoff
type QueueState string

const (
	QueueStatePending   QueueState = "pending"
	QueueStateLeased    QueueState = "leased"
	QueueStateCompleted QueueState = "completed"
	QueueStateFailed    QueueState = "failed"
)

// QueueEntry is one durable unit of work: a message awaiting processing
// by its world. MessageID is assigned at enqueue time and survives
// retries, serving as the idempotency key for downstream consumers.
type QueueEntry struct {
	ID              string     `json:"id"`
	WorldID         string     `json:"worldId"`
	MessageID       string     `json:"messageId"`
	ChatID          string     `json:"chatId,omitempty"`
	Content         string     `json:"content"`
	Sender          string     `json:"sender"`
	State           QueueState `json:"state"`
	AttemptCount    int        `json:"attemptCount"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	LastError       string     `json:"lastError,omitempty"`
	NextEligibleAt  time.Time  `json:"nextEligibleAt"`
}

// Clone returns a copy safe for the caller to mutate.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	out := *e
	return &out
}

// QueueStats is an aggregate snapshot used by the processor's poll loop
// and the health endpoint.
type QueueStats struct {
	Pending       int      `json:"pending"`
	Leased        int      `json:"leased"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	PendingWorlds []string `json:"pendingWorlds,omitempty"`
}
