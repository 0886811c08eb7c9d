package models

import "time"

// DefaultChatName is assigned to chats created without an explicit name.
// A world may reuse its current chat when the name is still the default
// and no messages have been persisted.
const DefaultChatName = "New Chat"

// Chat is a named conversation within a world. MessageCount tracks the
// number of distinct persisted messages carrying this chat id.
type Chat struct {
	ID           string    `json:"id"`
	WorldID      string    `json:"worldId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsReusable reports whether a fresh default-named chat can serve as the
// next "new chat" instead of allocating another one.
func (c *Chat) IsReusable() bool {
	return c.Name == DefaultChatName && c.MessageCount == 0
}
