package agent

import (
	"regexp"
	"strings"

	"github.com/yysun/agent-world/pkg/models"
)

// mentionRe matches an @mention at the start of a paragraph. Only
// paragraph-initial mentions address an agent; a mention buried
// mid-sentence is commentary, not addressing.
var mentionRe = regexp.MustCompile(`^@([a-zA-Z0-9_\-]+)`)

// ExtractMentions returns the lowercased agent ids mentioned at
// paragraph starts, in order of first occurrence, deduplicated. A
// paragraph begins at the message start or after a blank line.
func ExtractMentions(content string) []string {
	var out []string
	seen := make(map[string]bool)

	lines := strings.Split(content, "\n")
	paraStart := true
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			paraStart = true
			continue
		}
		if paraStart {
			if m := mentionRe.FindStringSubmatch(line); m != nil {
				id := strings.ToLower(m[1])
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
		}
		paraStart = false
	}
	return out
}

// ShouldRespond is the addressing predicate: whether agentID answers a
// message. Never for the agent's own messages. Mentions of the sender
// itself are discounted; with mentions present only the mentioned agents
// answer, without any a HUMAN or SYSTEM message broadcasts to everyone.
func ShouldRespond(agentID string, sender, content string) bool {
	if strings.EqualFold(sender, agentID) {
		return false
	}
	mentions := ExtractMentions(content)
	filtered := mentions[:0]
	for _, m := range mentions {
		if !strings.EqualFold(m, sender) {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return models.IsHumanOrSystem(sender)
	}
	for _, m := range filtered {
		if strings.EqualFold(m, agentID) {
			return true
		}
	}
	return false
}

// EnsureMention prefixes content with "@target " unless it already
// opens with that mention. Used when replying to another agent so
// hand-offs stay addressed without stuttering "@a1 @a1".
func EnsureMention(content, target string) string {
	if m := mentionRe.FindStringSubmatch(content); m != nil && strings.EqualFold(m[1], target) {
		return content
	}
	return "@" + target + " " + content
}

// passRe matches the pass directive: the agent yields its turn without
// speaking. The reply is kept in memory but never published.
var passRe = regexp.MustCompile(`(?i)<world>\s*pass\s*</world>`)

// HasPassDirective reports whether content contains the pass marker.
func HasPassDirective(content string) bool {
	return passRe.MatchString(content)
}
