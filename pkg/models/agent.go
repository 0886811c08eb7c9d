package models

import "time"

// AgentStatus is the lifecycle state of an agent within its world.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusError    AgentStatus = "error"
)

// Agent is an LLM-driven participant with persistent memory. Memory is
// stored separately from the config record and loaded on hydration.
// LLMCallCount is scoped to the world's current chat; it resets to zero
// when a HUMAN or SYSTEM message arrives.
type Agent struct {
	ID           string      `json:"id"`
	WorldID      string      `json:"worldId"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Temperature  *float64    `json:"temperature,omitempty"`
	MaxTokens    *int        `json:"maxTokens,omitempty"`
	Status       AgentStatus `json:"status"`
	LLMCallCount int         `json:"llmCallCount"`
	LastActive   time.Time   `json:"lastActive"`
	MCPServers   []string    `json:"mcpServers,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// IsActive reports whether the agent participates in message handling.
func (a *Agent) IsActive() bool {
	return a.Status == AgentStatusActive
}
