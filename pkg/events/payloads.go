package events

import (
	"time"

	"github.com/yysun/agent-world/pkg/models"
)

// Family groups events that share a payload shape and an ordering domain.
// Ordering is preserved within one family on one world; nothing is
// guaranteed across worlds.
type Family string

const (
	FamilyMessage Family = "message"
	FamilySSE     Family = "sse"
	FamilyWorld   Family = "world"
	FamilyCRUD    Family = "crud"
	FamilyStatus  Family = "status"
)

// SSE event subtypes (streaming LLM fragments).
const (
	SSEStart = "start"
	SSEChunk = "chunk"
	SSEEnd   = "end"
	SSEError = "error"
)

// World event subtypes (system and tool execution).
const (
	WorldToolStart    = "tool-start"
	WorldToolProgress = "tool-progress"
	WorldToolResult   = "tool-result"
	WorldToolError    = "tool-error"
	WorldIdle         = "idle"
	WorldTurnLimit    = "turn-limit"
	WorldFailed       = "failed"
)

// Status values reported for queue entries.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// CRUD operations.
const (
	CRUDCreate = "create"
	CRUDUpdate = "update"
	CRUDDelete = "delete"
)

// MessageEventPayload is the payload for message events: a finished
// conversation entry fanning out to agents and clients.
type MessageEventPayload struct {
	MessageID        string            `json:"messageId"`
	Sender           string            `json:"sender"`
	Content          string            `json:"content"`
	ChatID           string            `json:"chatId,omitempty"`
	// AgentID targets a single agent (tool-result routing); empty
	// means the message fans out by the addressing rules.
	AgentID          string            `json:"agentId,omitempty"`
	Role             models.Role       `json:"role"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ReplyToMessageID string            `json:"replyToMessageId,omitempty"`
	Timestamp        string            `json:"timestamp"` // RFC3339Nano
}

// MessagePayloadFrom builds a message payload from a persisted message.
func MessagePayloadFrom(m *models.Message) *MessageEventPayload {
	return &MessageEventPayload{
		MessageID:        m.MessageID,
		Sender:           m.Sender,
		Content:          m.Content,
		ChatID:           m.ChatID,
		AgentID:          m.AgentID,
		Role:             m.Role,
		ToolCalls:        m.ToolCalls,
		ToolCallID:       m.ToolCallID,
		ReplyToMessageID: m.ReplyToMessageID,
		Timestamp:        m.Timestamp.Format(time.RFC3339Nano),
	}
}

// SSEEventPayload is the payload for sse events: streaming fragments of
// one LLM turn. MessageID is the pre-generated id of the message the
// stream will finalize into.
type SSEEventPayload struct {
	Type      string `json:"type"` // start, chunk, end, error
	AgentName string `json:"agentName"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ToolExecution describes one tool invocation inside a world event.
type ToolExecution struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorldEventPayload is the payload for world events: tool lifecycle,
// idle transitions, turn-limit hits, and dead-lettered queue entries.
type WorldEventPayload struct {
	Type          string         `json:"type"`
	AgentName     string         `json:"agentName,omitempty"`
	MessageID     string         `json:"messageId,omitempty"` // set on failed
	ToolExecution *ToolExecution `json:"toolExecution,omitempty"`
	Timestamp     string         `json:"timestamp"` // RFC3339Nano
}

// NewWorldEvent builds a world payload stamped with the current time.
func NewWorldEvent(typ, agentName string) *WorldEventPayload {
	return &WorldEventPayload{
		Type:      typ,
		AgentName: agentName,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// CRUDEventPayload is the payload for crud events: configuration
// mutations on worlds, agents, and chats.
type CRUDEventPayload struct {
	Operation string `json:"operation"` // create, update, delete
	Entity    string `json:"entity"`    // world, agent, chat
	ID        string `json:"id"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// NewCRUDEvent builds a crud payload stamped with the current time.
func NewCRUDEvent(operation, entity, id string, payload any) *CRUDEventPayload {
	return &CRUDEventPayload{
		Operation: operation,
		Entity:    entity,
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// StatusEventPayload is the payload for status events: queue entry
// lifecycle reported to clients.
type StatusEventPayload struct {
	WorldID   string `json:"worldId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // queued, processing, completed, failed
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// NewStatusEvent builds a status payload stamped with the current time.
func NewStatusEvent(worldID, messageID, status, errMsg string) *StatusEventPayload {
	return &StatusEventPayload{
		WorldID:   worldID,
		MessageID: messageID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
