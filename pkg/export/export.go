// Package export renders chats as deterministic plain-text transcripts
// and parses them back. Exporting a chat and reconstructing it yields
// the same chat metadata and the same ordered message-id sequence.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yysun/agent-world/pkg/agent"
	"github.com/yysun/agent-world/pkg/models"
)

const (
	worldHeader   = "=== World ==="
	agentHeader   = "--- Agent ---"
	chatHeader    = "=== Chat ==="
	messageHeader = "=== Messages ==="
	blockSep      = "---"
)

// Transcript renders a world, its agents, and one chat's messages as
// text. Agent memory is never included; the agent summaries cover
// configuration and counters only. Messages arrive in timestamp order
// and are rendered in that order.
func Transcript(world *models.World, agents []*models.Agent, chat *models.Chat, messages []*models.Message) string {
	var b strings.Builder

	b.WriteString(worldHeader + "\n")
	writeField(&b, "Id", world.ID)
	writeField(&b, "Name", world.Name)
	writeField(&b, "Description", world.Description)
	writeField(&b, "TurnLimit", fmt.Sprintf("%d", world.TurnLimit))
	writeField(&b, "Agents", fmt.Sprintf("%d", len(agents)))
	b.WriteString("\n")

	sorted := make([]*models.Agent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, a := range sorted {
		b.WriteString(agentHeader + "\n")
		writeField(&b, "Id", a.ID)
		writeField(&b, "Name", a.Name)
		writeField(&b, "Provider", a.Provider)
		writeField(&b, "Model", a.Model)
		writeField(&b, "SystemPrompt", flatten(a.SystemPrompt))
		writeField(&b, "LLMCallCount", fmt.Sprintf("%d", a.LLMCallCount))
		writeField(&b, "CreatedAt", stamp(a.CreatedAt))
		writeField(&b, "UpdatedAt", stamp(a.UpdatedAt))
		b.WriteString("\n")
	}

	b.WriteString(chatHeader + "\n")
	writeField(&b, "Id", chat.ID)
	writeField(&b, "WorldId", chat.WorldID)
	writeField(&b, "Name", chat.Name)
	b.WriteString("\n")

	b.WriteString(messageHeader + "\n")
	for _, m := range messages {
		if m.Role == models.RoleTool {
			continue
		}
		b.WriteString(blockSep + "\n")
		switch m.Role {
		case models.RoleAssistant:
			b.WriteString("Agent: " + assistantName(m) + " (reply)\n")
		default:
			b.WriteString("From: " + senderName(m) + "\n")
			b.WriteString("To: " + recipient(m.Content) + "\n")
		}
		writeField(&b, "Id", m.MessageID)
		writeField(&b, "Time", stamp(m.Timestamp))
		b.WriteString("\n")
		b.WriteString(escapeBody(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// ParsedTranscript holds what a transcript pins down: the chat it
// belongs to and the ordered message-id sequence.
type ParsedTranscript struct {
	WorldID    string
	ChatID     string
	ChatName   string
	MessageIDs []string
	Senders    []string
}

// ParseTranscript reconstructs chat metadata and the ordered message-id
// sequence from transcript text.
func ParseTranscript(text string) (*ParsedTranscript, error) {
	lines := strings.Split(text, "\n")
	out := &ParsedTranscript{}

	section := ""
	inBlock := false
	blockSender := ""
	for _, line := range lines {
		switch line {
		case worldHeader, agentHeader, messageHeader:
			section = line
			inBlock = false
			continue
		case chatHeader:
			section = line
			continue
		case blockSep:
			if section == messageHeader {
				inBlock = true
				blockSender = ""
			}
			continue
		}

		key, value, ok := splitField(line)
		if !ok {
			continue
		}
		switch section {
		case chatHeader:
			switch key {
			case "Id":
				out.ChatID = value
			case "WorldId":
				out.WorldID = value
			case "Name":
				out.ChatName = value
			}
		case messageHeader:
			if !inBlock {
				continue
			}
			switch key {
			case "From":
				blockSender = value
			case "Agent":
				blockSender = strings.TrimSuffix(value, " (reply)")
			case "Id":
				out.MessageIDs = append(out.MessageIDs, value)
				out.Senders = append(out.Senders, blockSender)
				inBlock = false
			}
		}
	}

	if out.ChatID == "" {
		return nil, fmt.Errorf("transcript has no chat section")
	}
	return out, nil
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key + ": " + value + "\n")
}

func splitField(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ": ")
	if idx <= 0 {
		return "", "", false
	}
	return line[:idx], line[idx+2:], true
}

// escapeBody keeps message text from impersonating transcript
// structure: a body line equal to a block or section marker is
// indented one space, which the parser treats as plain text.
func escapeBody(s string) string {
	lines := strings.Split(s, "\n")
	changed := false
	for i, line := range lines {
		switch line {
		case blockSep, worldHeader, agentHeader, chatHeader, messageHeader:
			lines[i] = " " + line
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.Join(lines, "\n")
}

// flatten keeps multi-line values on one header line.
func flatten(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func assistantName(m *models.Message) string {
	if m.Sender != "" {
		return m.Sender
	}
	if m.AgentID != "" {
		return m.AgentID
	}
	return "agent"
}

func senderName(m *models.Message) string {
	if m.Sender != "" {
		return m.Sender
	}
	return models.SenderHuman
}

// recipient names the first addressed agent, or "all" for broadcasts.
func recipient(content string) string {
	mentions := agent.ExtractMentions(content)
	if len(mentions) > 0 {
		return mentions[0]
	}
	return "all"
}
