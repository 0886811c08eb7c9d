package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
)

type wsClient struct {
	conn *websocket.Conn
	ctx  context.Context
}

func dialWS(t *testing.T, f *apiFixture) *wsClient {
	t.Helper()
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	c := &wsClient{conn: conn, ctx: ctx}
	// Every connection greets with connection.established.
	frame := c.waitFor(t, "connection.established")
	require.NotNil(t, frame)
	return c
}

func (c *wsClient) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.conn.Write(c.ctx, websocket.MessageText, data))
}

type rawFrame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// waitFor reads frames until one matches the wanted type.
func (c *wsClient) waitFor(t *testing.T, wanted string) *rawFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		readCtx, cancel := context.WithDeadline(c.ctx, deadline)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		require.NoError(t, err, "waiting for frame %q", wanted)
		var frame rawFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == wanted {
			return &frame
		}
	}
	t.Fatalf("no %q frame before deadline", wanted)
	return nil
}

// expectNone asserts that no frame of the given type arrives within the
// window; other frames are tolerated.
func (c *wsClient) expectNone(t *testing.T, unwanted string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		readCtx, cancel := context.WithDeadline(c.ctx, deadline)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			return // window elapsed
		}
		var frame rawFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		require.NotEqual(t, unwanted, frame.Type)
	}
}

func TestHubSubscribeAndEnqueue(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w"})
	c.waitFor(t, "subscription.confirmed")

	c.sendJSON(t, map[string]any{"type": "enqueue", "worldId": "w", "content": "hello"})
	frame := c.waitFor(t, "enqueued")
	var ack map[string]string
	require.NoError(t, json.Unmarshal(frame.Payload, &ack))
	assert.NotEmpty(t, ack["messageId"])

	// The queued status event reaches the subscriber too.
	status := c.waitFor(t, string(events.FamilyStatus))
	var payload events.StatusEventPayload
	require.NoError(t, json.Unmarshal(status.Payload, &payload))
	assert.Equal(t, events.StatusQueued, payload.Status)
	assert.Equal(t, ack["messageId"], payload.MessageID)
	assert.NotZero(t, status.Seq)
}

func TestHubEnqueueUnknownWorld(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "enqueue", "worldId": "ghost", "content": "hi"})
	frame := c.waitFor(t, "error")
	assert.Contains(t, string(frame.Payload), "ghost")
}

func TestHubEchoSuppression(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w"})
	c.waitFor(t, "subscription.confirmed")
	// Declare an identity through an enqueue.
	c.sendJSON(t, map[string]any{"type": "enqueue", "worldId": "w", "content": "hi", "sender": "observer"})
	c.waitFor(t, "enqueued")

	bus := f.buses.Get("w")
	bus.Emit(events.FamilyMessage, &events.MessageEventPayload{MessageID: "h1", Sender: "HUMAN", Role: models.RoleUser, Content: "mine"})
	bus.Emit(events.FamilyMessage, &events.MessageEventPayload{MessageID: "o1", Sender: "observer", Role: models.RoleAssistant, Content: "also mine"})
	bus.Emit(events.FamilyMessage, &events.MessageEventPayload{MessageID: "a1", Sender: "scout", Role: models.RoleAssistant, Content: "theirs"})

	frame := c.waitFor(t, string(events.FamilyMessage))
	var payload events.MessageEventPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	// The human echo and the identity echo never arrive.
	assert.Equal(t, "a1", payload.MessageID)
}

func TestHubChatFilter(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w", "chatId": "c1"})
	c.waitFor(t, "subscription.confirmed")

	bus := f.buses.Get("w")
	bus.Emit(events.FamilyMessage, &events.MessageEventPayload{MessageID: "other", ChatID: "c2", Sender: "scout", Role: models.RoleAssistant, Content: "elsewhere"})
	bus.Emit(events.FamilySSE, &events.SSEEventPayload{Type: events.SSEChunk, ChatID: "c2", MessageID: "other", Content: "x"})
	bus.Emit(events.FamilyMessage, &events.MessageEventPayload{MessageID: "mine", ChatID: "c1", Sender: "scout", Role: models.RoleAssistant, Content: "here"})
	// World-scoped families pass the chat filter untouched.
	bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldIdle, ""))

	frame := c.waitFor(t, string(events.FamilyMessage))
	var payload events.MessageEventPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "mine", payload.MessageID)
	c.waitFor(t, string(events.FamilyWorld))
	c.expectNone(t, string(events.FamilySSE), 200*time.Millisecond)
}

func TestHubReplayFromBeginning(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	f.do(t, "POST", "/api/worlds/w/agents", map[string]any{"name": "scout"})

	w, err := f.worlds.GetWorld(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveAgentMemory(ctx, "w", "scout", []*models.Message{
		{MessageID: "m1", ChatID: w.CurrentChatID, Role: models.RoleUser, Sender: "HUMAN", Content: "hi", Timestamp: time.Now().UTC()},
		{MessageID: "m2", ChatID: w.CurrentChatID, Role: models.RoleAssistant, Sender: "scout", Content: "hey", Timestamp: time.Now().UTC().Add(time.Second)},
	}))

	c := dialWS(t, f)
	c.sendJSON(t, map[string]any{
		"type": "subscribe", "worldId": "w", "chatId": w.CurrentChatID, "replayFrom": "beginning",
	})
	c.waitFor(t, "subscription.confirmed")

	var ids []string
	for len(ids) < 2 {
		frame := c.waitFor(t, string(events.FamilyMessage))
		var payload events.MessageEventPayload
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		ids = append(ids, payload.MessageID)
		// Replayed history carries no live sequence number.
		assert.Zero(t, frame.Seq)
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestHubNumericReplay(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})

	bus := f.buses.Get("w")
	for i := 0; i < 3; i++ {
		bus.Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldIdle, ""))
	}
	cursor := bus.LastSeq() - 2

	c := dialWS(t, f)
	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w", "replayFrom": cursor})
	c.waitFor(t, "subscription.confirmed")

	first := c.waitFor(t, string(events.FamilyWorld))
	second := c.waitFor(t, string(events.FamilyWorld))
	assert.Equal(t, cursor+1, first.Seq)
	assert.Equal(t, cursor+2, second.Seq)
}

func TestHubCommand(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "command", "worldId": "w", "text": "/addagent scout watches"})
	frame := c.waitFor(t, "command.result")
	assert.Contains(t, string(frame.Payload), "scout")

	c.sendJSON(t, map[string]any{"type": "command", "worldId": "w", "text": "/warp"})
	errFrame := c.waitFor(t, "error")
	assert.Contains(t, string(errFrame.Payload), "INVALID_COMMAND")

	// The crud event from /addagent reaches subscribers with a refresh.
	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w"})
	c.waitFor(t, "subscription.confirmed")
	c.sendJSON(t, map[string]any{"type": "command", "worldId": "w", "text": "/addagent analyst"})
	c.waitFor(t, string(events.FamilyCRUD))
	c.waitFor(t, "world.refresh")
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/worlds", map[string]any{"name": "w"})
	c := dialWS(t, f)

	c.sendJSON(t, map[string]any{"type": "subscribe", "worldId": "w"})
	c.waitFor(t, "subscription.confirmed")
	c.sendJSON(t, map[string]any{"type": "unsubscribe", "worldId": "w"})

	// Give the unsubscribe a moment to land, then emit.
	time.Sleep(50 * time.Millisecond)
	f.buses.Get("w").Emit(events.FamilyWorld, events.NewWorldEvent(events.WorldIdle, ""))
	c.expectNone(t, string(events.FamilyWorld), 200*time.Millisecond)
}

func TestHubPing(t *testing.T) {
	f := newAPIFixture(t)
	c := dialWS(t, f)
	c.sendJSON(t, map[string]any{"type": "ping"})
	c.waitFor(t, "pong")
}
