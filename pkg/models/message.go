package models

import (
	"strings"
	"time"
)

// Role is the conversational role of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Reserved sender values. Anything else is an agent id.
const (
	SenderHuman  = "HUMAN"
	SenderSystem = "SYSTEM"
)

// IsHumanOrSystem reports whether sender is one of the reserved
// non-agent senders. Comparison is case-insensitive.
func IsHumanOrSystem(sender string) bool {
	return strings.EqualFold(sender, SenderHuman) || strings.EqualFold(sender, SenderSystem)
}

// ToolCall is a single tool invocation requested by an assistant message.
// Arguments is the raw JSON argument string as produced by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a persisted conversation entry. MessageID is pre-generated
// before the message first appears anywhere and is preserved through
// memory save, fan-out, and replay. AgentID names the memory owner when
// the message lives in an agent's memory; it is empty on wire-level
// messages.
type Message struct {
	MessageID        string     `json:"messageId"`
	ChatID           string     `json:"chatId,omitempty"`
	WorldID          string     `json:"worldId,omitempty"`
	AgentID          string     `json:"agentId,omitempty"`
	Role             Role       `json:"role"`
	Sender           string     `json:"sender,omitempty"`
	Content          string     `json:"content"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	ReplyToMessageID string     `json:"replyToMessageId,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones so callers can
// mutate freely.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return &out
}
