package approval

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	c := NewCache()

	require.True(t, c.Set("chat-1", "shell", Approve))
	e, ok := c.Get("chat-1", "shell")
	require.True(t, ok)
	assert.Equal(t, Approve, e.Decision)
	assert.False(t, e.Timestamp.IsZero())

	_, ok = c.Get("chat-1", "browser")
	assert.False(t, ok)
}

func TestEmptyKeysRejected(t *testing.T) {
	c := NewCache()

	assert.False(t, c.Set("", "shell", Approve))
	assert.False(t, c.Set("chat-1", "", Approve))

	_, ok := c.Get("", "shell")
	assert.False(t, ok)
	_, ok = c.Get("chat-1", "")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestResetRefreshesTimestamp(t *testing.T) {
	c := NewCache()

	c.Set("chat-1", "shell", Approve)
	first, _ := c.Get("chat-1", "shell")

	c.Set("chat-1", "shell", Deny)
	second, _ := c.Get("chat-1", "shell")

	assert.Equal(t, Deny, second.Decision)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Equal(t, 1, c.Len())
}

func TestClearIsChatScoped(t *testing.T) {
	c := NewCache()
	c.Set("chat-1", "shell", Approve)
	c.Set("chat-1", "browser", Deny)
	c.Set("chat-2", "shell", Approve)

	assert.Equal(t, 2, c.Clear("chat-1"))

	_, ok := c.Get("chat-1", "shell")
	assert.False(t, ok)

	// Sibling chat unaffected.
	e, ok := c.Get("chat-2", "shell")
	require.True(t, ok)
	assert.Equal(t, Approve, e.Decision)
}

func TestClearAll(t *testing.T) {
	c := NewCache()
	c.Set("chat-1", "shell", Approve)
	c.Set("chat-2", "shell", Deny)

	c.ClearAll()
	assert.Equal(t, 0, c.Len())

	// Still usable after a full clear.
	require.True(t, c.Set("chat-3", "shell", Approve))
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			chat := fmt.Sprintf("chat-%d", n%2)
			for j := 0; j < 100; j++ {
				c.Set(chat, "shell", Approve)
				c.Get(chat, "shell")
				if j%10 == 0 {
					c.Clear(chat)
				}
			}
		}(i)
	}
	wg.Wait()
}
