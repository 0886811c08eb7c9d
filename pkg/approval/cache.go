// Package approval holds tool-use decisions scoped to chats. The cache
// is a process singleton with an explicit lifecycle: initialized at
// boot, cleared per chat when the chat ends, cleared entirely on
// shutdown. Only session-scoped decisions land here; a "once" approval
// applies to the pending call and is never cached.
package approval

import (
	"sync"
	"time"
)

// Decision is the recorded outcome for a (chat, tool) pair.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Scope is the requested lifetime of a decision.
type Scope string

const (
	// ScopeOnce applies to the pending call only and is not cached.
	ScopeOnce Scope = "once"
	// ScopeSession applies for the remaining duration of the chat.
	ScopeSession Scope = "session"
)

// Entry is one cached decision.
type Entry struct {
	Decision  Decision
	Timestamp time.Time
}

type key struct {
	chatID string
	tool   string
}

// Cache maps (chatId, toolName) to decisions. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[key]Entry)}
}

// Set records a decision. Empty chatID or tool is rejected; a re-set
// overwrites the prior decision and refreshes the timestamp. Returns
// false when the entry was rejected.
func (c *Cache) Set(chatID, tool string, d Decision) bool {
	if chatID == "" || tool == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{chatID, tool}] = Entry{Decision: d, Timestamp: time.Now().UTC()}
	return true
}

// Get returns the cached decision for a (chat, tool) pair.
func (c *Cache) Get(chatID, tool string) (Entry, bool) {
	if chatID == "" || tool == "" {
		return Entry{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key{chatID, tool}]
	return e, ok
}

// Clear drops every decision recorded for one chat. Called when the
// chat's lifecycle ends.
func (c *Cache) Clear(chatID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.chatID == chatID {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// ClearAll empties the cache. Called on shutdown.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]Entry)
}

// Len reports the number of cached decisions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
