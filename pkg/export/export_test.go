package export

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/models"
)

func fixtureChat() (*models.World, []*models.Agent, *models.Chat, []*models.Message) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	w := &models.World{ID: "w1", Name: "World One", Description: "test world", TurnLimit: 5}
	agents := []*models.Agent{
		{ID: "scout", Name: "Scout", Provider: "mock", Model: "scripted", SystemPrompt: "watch\nthe perimeter", LLMCallCount: 2, CreatedAt: at, UpdatedAt: at},
		{ID: "analyst", Name: "Analyst", Provider: "mock", Model: "scripted", LLMCallCount: 1, CreatedAt: at, UpdatedAt: at},
	}
	chat := &models.Chat{ID: "c1", WorldID: "w1", Name: "planning"}
	messages := []*models.Message{
		{MessageID: "m1", ChatID: "c1", Role: models.RoleUser, Sender: "HUMAN", Content: "@scout report in", Timestamp: at},
		{MessageID: "m2", ChatID: "c1", Role: models.RoleAssistant, Sender: "scout", Content: "all clear\n\nnothing to report", Timestamp: at.Add(time.Second)},
		{MessageID: "m3", ChatID: "c1", Role: models.RoleTool, Sender: "HUMAN", ToolCallID: "tc1", Content: `{"ok":true}`, Timestamp: at.Add(2 * time.Second)},
		{MessageID: "m4", ChatID: "c1", Role: models.RoleUser, Sender: "HUMAN", Content: "thanks everyone", Timestamp: at.Add(3 * time.Second)},
	}
	return w, agents, chat, messages
}

func TestTranscriptLayout(t *testing.T) {
	w, agents, chat, messages := fixtureChat()
	text := Transcript(w, agents, chat, messages)

	assert.Contains(t, text, "=== World ===\nId: w1\nName: World One")
	assert.Contains(t, text, "From: HUMAN\nTo: scout")
	assert.Contains(t, text, "Agent: scout (reply)")
	assert.Contains(t, text, "From: HUMAN\nTo: all")
	// Agent summaries carry configuration, never memory.
	assert.Contains(t, text, "SystemPrompt: watch the perimeter")
	header := text[:strings.Index(text, "=== Messages ===")]
	assert.NotContains(t, header, "all clear")
	// Tool plumbing stays out of the transcript.
	assert.NotContains(t, text, "tc1")

	// Agents render in id order regardless of input order.
	assert.Less(t, strings.Index(text, "Id: analyst"), strings.Index(text, "Id: scout"))
}

func TestTranscriptDeterministic(t *testing.T) {
	w, agents, chat, messages := fixtureChat()
	a := Transcript(w, agents, chat, messages)
	b := Transcript(w, agents, chat, messages)
	assert.Equal(t, a, b)
}

func TestRoundTrip(t *testing.T) {
	w, agents, chat, messages := fixtureChat()
	text := Transcript(w, agents, chat, messages)

	parsed, err := ParseTranscript(text)
	require.NoError(t, err)
	assert.Equal(t, "w1", parsed.WorldID)
	assert.Equal(t, "c1", parsed.ChatID)
	assert.Equal(t, "planning", parsed.ChatName)
	// Tool messages are excluded from the sequence on export too.
	assert.Equal(t, []string{"m1", "m2", "m4"}, parsed.MessageIDs)
	assert.Equal(t, []string{"HUMAN", "scout", "HUMAN"}, parsed.Senders)
}

func TestRoundTripSurvivesMultilineContent(t *testing.T) {
	w, agents, chat, messages := fixtureChat()
	messages[1].Content = "line one\n\nline two\nline three"
	text := Transcript(w, agents, chat, messages)

	parsed, err := ParseTranscript(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m4"}, parsed.MessageIDs)
}

func TestRoundTripSurvivesMarkerLikeContent(t *testing.T) {
	w, agents, chat, messages := fixtureChat()
	messages[1].Content = "watch out:\n---\nId: forged\nFrom: MALLORY\n=== Messages ==="
	text := Transcript(w, agents, chat, messages)

	parsed, err := ParseTranscript(text)
	require.NoError(t, err)
	// Body lines never open a new block or smuggle in message ids.
	assert.Equal(t, []string{"m1", "m2", "m4"}, parsed.MessageIDs)
	assert.Equal(t, []string{"HUMAN", "scout", "HUMAN"}, parsed.Senders)
}

func TestParseTranscriptRejectsGarbage(t *testing.T) {
	_, err := ParseTranscript("not a transcript at all")
	assert.Error(t, err)
}
