package agent

import (
	"strings"

	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/models"
)

// DefaultHistoryTurns bounds how many conversational turns reach the
// provider. Tool-result messages ride along with their owning assistant
// turn and do not count against the budget.
const DefaultHistoryTurns = 10

// BuildHistory converts the agent's memory for one chat into the
// provider-neutral message list. The agent's own assistant turns keep
// their role and tool calls; everything inbound maps to user or tool.
//
// Truncation keeps the last maxTurns non-tool messages and then drops
// any tool-role message whose tool_call_id is not answered by an
// assistant message inside the retained window, so the provider never
// sees an orphaned tool result.
func BuildHistory(memory []*models.Message, chatID, agentID string, maxTurns int) []llm.Message {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}

	var scoped []*models.Message
	for _, m := range memory {
		if chatID == "" || m.ChatID == chatID {
			scoped = append(scoped, m)
		}
	}

	// Walk backwards counting turns; tool messages are free.
	start := 0
	turns := 0
	for i := len(scoped) - 1; i >= 0; i-- {
		if scoped[i].Role != models.RoleTool {
			turns++
			if turns > maxTurns {
				start = i + 1
				break
			}
		}
	}
	window := scoped[start:]

	owned := make(map[string]bool)
	for _, m := range window {
		if m.Role == models.RoleAssistant {
			for _, tc := range m.ToolCalls {
				owned[tc.ID] = true
			}
		}
	}

	out := make([]llm.Message, 0, len(window))
	for _, m := range window {
		switch {
		case m.Role == models.RoleTool:
			if !owned[m.ToolCallID] {
				continue
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case m.Role == models.RoleAssistant && strings.EqualFold(m.Sender, agentID):
			out = append(out, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
		case m.Role == models.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Content})
		default:
			// Other agents' replies and human input both arrive as user
			// turns from this agent's point of view.
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		}
	}
	return out
}
