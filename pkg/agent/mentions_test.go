package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"start of message", "@a1 please summarize", []string{"a1"}},
		{"after blank line", "Status update.\n\n@a2 react please.", []string{"a2"}},
		{"mid paragraph ignored", "great work, let's loop in @a3 later.", nil},
		{"second line same paragraph ignored", "first line\n@a1 not a new paragraph", nil},
		{"multiple paragraphs", "@a1 go\n\n@a2 you too", []string{"a1", "a2"}},
		{"deduplicated", "@a1 first\n\n@a1 again", []string{"a1"}},
		{"lowercased", "@A1 hello", []string{"a1"}},
		{"hyphens and underscores", "@data-agent_2 run", []string{"data-agent_2"}},
		{"bare at sign", "@ nothing", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content))
		})
	}
}

func TestShouldRespondPredicate(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		sender  string
		content string
		want    bool
	}{
		{"broadcast from human", "a1", "HUMAN", "Hello team!", true},
		{"broadcast from system", "a1", "SYSTEM", "restarting", true},
		{"agent chatter without mention", "a1", "a2", "thinking out loud", false},
		{"direct mention", "a1", "HUMAN", "@a1 please summarize.", true},
		{"mention of someone else", "a2", "HUMAN", "@a1 please summarize.", false},
		{"mention case-insensitive", "a1", "HUMAN", "@A1 go", true},
		{"mid-text mention elicits no one", "a3", "HUMAN", "let's loop in @a3 later.", false},
		{"never self", "a1", "a1", "@a1 echo chamber", false},
		{"never self case-insensitive", "a1", "A1", "hello", false},
		{"agent mentions agent", "a2", "a1", "@a2 your turn", true},
		{"sender self-mention is discounted", "a1", "HUMAN", "@human note to self", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRespond(tt.agentID, tt.sender, tt.content))
		})
	}
}

func TestEnsureMention(t *testing.T) {
	assert.Equal(t, "@a2 done", EnsureMention("done", "a2"))
	assert.Equal(t, "@a2 done", EnsureMention("@a2 done", "a2"))
	assert.Equal(t, "@A2 done", EnsureMention("@A2 done", "a2"))
	// A different leading mention still gets the reply-to prefix.
	assert.Equal(t, "@a2 @a3 over to you", EnsureMention("@a3 over to you", "a2"))
}

func TestHasPassDirective(t *testing.T) {
	assert.True(t, HasPassDirective("nothing to add <world>pass</world>"))
	assert.True(t, HasPassDirective("<WORLD>PASS</WORLD>"))
	assert.True(t, HasPassDirective("<world> pass </world>"))
	assert.False(t, HasPassDirective("I pass on this one"))
	assert.False(t, HasPassDirective("<world>stop</world>"))
}
