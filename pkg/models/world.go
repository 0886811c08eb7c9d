// Package models defines the persisted data shapes shared across storage,
// queue, runtime, and API layers. Structures here hold identifiers, not
// object pointers; object graphs are materialized on load.
package models

import (
	"regexp"
	"strings"
	"time"
)

// DefaultTurnLimit caps LLM calls per agent per chat unless the world
// overrides it.
const DefaultTurnLimit = 5

// World is a tenant context grouping agents, chats, and configuration.
// The id is a kebab-case slug of the display name and is immutable.
type World struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	TurnLimit       int       `json:"turnLimit"`
	ChatLLMProvider string    `json:"chatLLMProvider,omitempty"`
	ChatLLMModel    string    `json:"chatLLMModel,omitempty"`
	CurrentChatID   string    `json:"currentChatId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

var (
	slugInvalid  = regexp.MustCompile(`[^a-z0-9]+`)
	slugCollapse = regexp.MustCompile(`-{2,}`)
)

// ToKebabCase derives a world or agent id from a display name:
// lowercase, non-alphanumeric runs become single hyphens, edges trimmed.
func ToKebabCase(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugInvalid.ReplaceAllString(s, "-")
	s = slugCollapse.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
