package world

import (
	"context"
	"strings"

	"github.com/yysun/agent-world/pkg/models"
)

// CommandResult is the reply to a slash command.
type CommandResult struct {
	Command string `json:"command"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// WorldSnapshot is the /getworld response: the world with its agents
// and chats materialized.
type WorldSnapshot struct {
	World  *models.World   `json:"world"`
	Agents []*models.Agent `json:"agents"`
	Chats  []*models.Chat  `json:"chats"`
}

// ExecuteCommand runs a slash command against a world.
//
//	/clear            clear every agent's memory (archives first)
//	/clear <agent>    clear one agent's memory
//	/getworld         world snapshot with agents and chats
//	/addagent <name> [description]  create an agent with defaults
func (m *Manager) ExecuteCommand(ctx context.Context, worldID, text string) (*CommandResult, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, NewValidationError(CodeInvalidCommand, "not a command: %q", text)
	}

	switch fields[0] {
	case "/clear":
		if len(fields) > 1 {
			agentID := models.ToKebabCase(fields[1])
			if err := m.ClearAgentMemory(ctx, worldID, agentID); err != nil {
				return nil, err
			}
			return &CommandResult{Command: "/clear", Message: "memory cleared for " + agentID}, nil
		}
		if err := m.ClearAllMemory(ctx, worldID); err != nil {
			return nil, err
		}
		return &CommandResult{Command: "/clear", Message: "memory cleared for all agents"}, nil

	case "/getworld":
		snap, err := m.Snapshot(ctx, worldID)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Command: "/getworld", Data: snap}, nil

	case "/addagent":
		if len(fields) < 2 {
			return nil, NewValidationError(CodeInvalidCommand, "/addagent requires a name")
		}
		name := fields[1]
		description := strings.Join(fields[2:], " ")
		a, err := m.CreateAgent(ctx, worldID, name, description, "", "", "")
		if err != nil {
			return nil, err
		}
		return &CommandResult{Command: "/addagent", Message: "agent created: " + a.ID, Data: a}, nil

	default:
		return nil, NewValidationError(CodeInvalidCommand, "unknown command %q", fields[0])
	}
}

// Snapshot materializes a world with its agents and chats.
func (m *Manager) Snapshot(ctx context.Context, worldID string) (*WorldSnapshot, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	agents, err := m.store.ListAgents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	chats, err := m.store.ListChats(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return &WorldSnapshot{World: w, Agents: agents, Chats: chats}, nil
}
