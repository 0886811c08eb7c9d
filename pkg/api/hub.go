package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/world"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// subscribed families, in the order replayed events interleave.
var hubFamilies = []events.Family{
	events.FamilyMessage,
	events.FamilySSE,
	events.FamilyWorld,
	events.FamilyCRUD,
	events.FamilyStatus,
}

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Type       string          `json:"type"`
	WorldID    string          `json:"worldId"`
	ChatID     string          `json:"chatId"`
	ReplayFrom json.RawMessage `json:"replayFrom"`
	Content    string          `json:"content"`
	Sender     string          `json:"sender"`
	Text       string          `json:"text"`
}

// serverFrame is one outbound websocket message. Seq carries the
// per-world event sequence on live and numeric-replay frames.
type serverFrame struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// HubConfig wires the hub to its collaborators.
type HubConfig struct {
	Worlds *world.Manager
	Queue  *queue.Service
	Store  storage.Store
	Buses  *events.BusRegistry
	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Hub manages websocket connections and their world subscriptions.
// One hub per process.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	mu          sync.Mutex
	connections map[string]*connection
}

// connection is a single websocket client. Subscriptions and identity
// are mutated only on the read loop; bus handlers read them under mu.
type connection struct {
	id   string
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex // websocket writes must not interleave

	mu       sync.Mutex
	identity string // declared agent sender, for echo suppression
	subs     map[string]*subscription
}

type subscription struct {
	worldID   string
	chatID    string
	disposers []func()
}

// NewHub creates the hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger.With("component", "hub"),
		connections: make(map[string]*connection),
	}
}

// ActiveConnections reports the number of live websocket clients.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

// HandleConnection owns one client's lifecycle. Blocks until the
// socket closes; the read deadline disconnects idle clients.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &connection{
		id:   uuid.NewString(),
		conn: conn,
		ctx:  ctx,
		subs: make(map[string]*subscription),
	}
	h.register(c)
	defer h.unregister(c)

	h.send(c, &serverFrame{Type: "connection.established", Payload: map[string]string{"connectionId": c.id}})

	for {
		readCtx, readCancel := context.WithTimeout(ctx, h.cfg.ReadTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("invalid websocket frame", "connection_id", c.id, "error", err)
			h.sendError(c, "", "invalid frame")
			continue
		}
		h.handleFrame(c, &frame)
	}
}

func (h *Hub) handleFrame(c *connection, frame *clientFrame) {
	switch frame.Type {
	case "subscribe":
		if frame.WorldID == "" {
			h.sendError(c, "", "worldId is required for subscribe")
			return
		}
		h.subscribe(c, frame)

	case "unsubscribe":
		if frame.WorldID == "" {
			h.sendError(c, "", "worldId is required for unsubscribe")
			return
		}
		h.unsubscribe(c, frame.WorldID)

	case "enqueue":
		h.enqueue(c, frame)

	case "command":
		h.command(c, frame)

	case "ping":
		h.send(c, &serverFrame{Type: "pong"})

	default:
		h.sendError(c, frame.WorldID, "unknown frame type "+strconv.Quote(frame.Type))
	}
}

// subscribe attaches one handler per family on the world's bus, then
// replays history according to replayFrom. Live events observed during
// replay are delivered after it; per-connection order still matches
// server emission order.
func (h *Hub) subscribe(c *connection, frame *clientFrame) {
	worldID := frame.WorldID

	c.mu.Lock()
	if _, exists := c.subs[worldID]; exists {
		c.mu.Unlock()
		h.send(c, &serverFrame{Type: "subscription.confirmed", Payload: map[string]string{"worldId": worldID}})
		return
	}
	sub := &subscription{worldID: worldID, chatID: frame.ChatID}
	c.subs[worldID] = sub
	c.mu.Unlock()

	bus := h.cfg.Buses.Get(worldID)
	for _, fam := range hubFamilies {
		fam := fam
		dispose := bus.Subscribe(fam, func(evt events.Event) {
			h.deliver(c, sub, fam, evt)
		})
		sub.disposers = append(sub.disposers, dispose)
	}

	h.send(c, &serverFrame{Type: "subscription.confirmed", Payload: map[string]string{"worldId": worldID}})
	h.replay(c, bus, frame)
}

func (h *Hub) unsubscribe(c *connection, worldID string) {
	c.mu.Lock()
	sub, ok := c.subs[worldID]
	delete(c.subs, worldID)
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, dispose := range sub.disposers {
		dispose()
	}
}

// deliver forwards one live event, applying the subscription's chat
// filter, echo suppression, and the crud-triggered refresh.
func (h *Hub) deliver(c *connection, sub *subscription, fam events.Family, evt events.Event) {
	if !chatMatches(sub.chatID, evt) {
		return
	}
	if fam == events.FamilyMessage {
		if p, ok := evt.Payload.(*events.MessageEventPayload); ok && h.suppressed(c, p.Sender) {
			return
		}
	}
	h.send(c, &serverFrame{Type: string(fam), Seq: evt.Seq, Payload: evt.Payload})

	if fam == events.FamilyCRUD {
		if p, ok := evt.Payload.(*events.CRUDEventPayload); ok && (p.Entity == "agent" || p.Entity == "chat") {
			go h.refresh(c, evt.WorldID)
		}
	}
}

// chatMatches applies the subscription's optional chat binding.
// Message and sse traffic is chat-scoped; world, crud, and status
// events concern the whole world and always pass. A payload without a
// chat id also passes.
func chatMatches(chatID string, evt events.Event) bool {
	if chatID == "" {
		return true
	}
	switch p := evt.Payload.(type) {
	case *events.MessageEventPayload:
		return p.ChatID == "" || strings.EqualFold(p.ChatID, chatID)
	case *events.SSEEventPayload:
		return p.ChatID == "" || strings.EqualFold(p.ChatID, chatID)
	}
	return true
}

// suppressed hides a client's own messages: human input it already has
// locally, or messages sent under the connection's declared identity.
func (h *Hub) suppressed(c *connection, sender string) bool {
	if models.IsHumanOrSystem(sender) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != "" && strings.EqualFold(sender, c.identity)
}

// refresh re-sends a world snapshot after an agent or chat mutation.
// Best effort: failures are warnings, never disconnects.
func (h *Hub) refresh(c *connection, worldID string) {
	snap, err := h.cfg.Worlds.Snapshot(context.Background(), worldID)
	if err != nil {
		h.logger.Warn("world refresh failed", "world_id", worldID, "error", err)
		return
	}
	h.send(c, &serverFrame{Type: "world.refresh", Payload: snap})
}

// replay streams history on subscribe: "beginning" sends the stored
// chat messages, a numeric cursor sends ring-log events past it. A
// cursor older than the replay window gets an overflow marker telling
// the client to reload over REST.
func (h *Hub) replay(c *connection, bus *events.Bus, frame *clientFrame) {
	if len(frame.ReplayFrom) == 0 {
		return
	}

	var mode string
	if err := json.Unmarshal(frame.ReplayFrom, &mode); err == nil {
		if mode != "beginning" {
			h.sendError(c, frame.WorldID, "invalid replayFrom "+strconv.Quote(mode))
			return
		}
		messages, err := h.cfg.Store.GetMemory(c.ctx, frame.WorldID, frame.ChatID)
		if err != nil {
			h.logger.Warn("replay query failed", "world_id", frame.WorldID, "error", err)
			return
		}
		for _, m := range messages {
			h.send(c, &serverFrame{Type: string(events.FamilyMessage), Payload: events.MessagePayloadFrom(m)})
		}
		return
	}

	var since uint64
	if err := json.Unmarshal(frame.ReplayFrom, &since); err != nil {
		h.sendError(c, frame.WorldID, "invalid replayFrom")
		return
	}
	evts, overflow := bus.EventsSince(since)
	for _, evt := range evts {
		if !chatMatches(frame.ChatID, evt) {
			continue
		}
		h.send(c, &serverFrame{Type: string(evt.Family), Seq: evt.Seq, Payload: evt.Payload})
	}
	if overflow {
		h.send(c, &serverFrame{Type: "catchup.overflow", Payload: map[string]string{"worldId": frame.WorldID}})
	}
}

// enqueue admits a message through the queue service. A non-human
// sender becomes the connection's identity for echo suppression.
func (h *Hub) enqueue(c *connection, frame *clientFrame) {
	if frame.WorldID == "" {
		h.sendError(c, "", "worldId is required for enqueue")
		return
	}
	if frame.Sender != "" && !models.IsHumanOrSystem(frame.Sender) {
		c.mu.Lock()
		c.identity = frame.Sender
		c.mu.Unlock()
	}

	entry, err := h.cfg.Queue.Enqueue(c.ctx, frame.WorldID, frame.ChatID, frame.Content, frame.Sender)
	if err != nil {
		h.sendError(c, frame.WorldID, err.Error())
		return
	}
	h.send(c, &serverFrame{Type: "enqueued", Payload: map[string]string{
		"worldId":   frame.WorldID,
		"messageId": entry.MessageID,
	}})
}

// command runs a slash command and answers on the issuing connection.
func (h *Hub) command(c *connection, frame *clientFrame) {
	if frame.WorldID == "" {
		h.sendError(c, "", "worldId is required for command")
		return
	}
	res, err := h.cfg.Worlds.ExecuteCommand(c.ctx, frame.WorldID, frame.Text)
	if err != nil {
		h.sendError(c, frame.WorldID, err.Error())
		return
	}
	h.send(c, &serverFrame{Type: "command.result", Payload: res})
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *connection) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		for _, dispose := range sub.disposers {
			dispose()
		}
	}

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendError(c *connection, worldID, message string) {
	payload := map[string]string{"message": message}
	if worldID != "" {
		payload["worldId"] = worldID
	}
	h.send(c, &serverFrame{Type: "error", Payload: payload})
}

// send writes one frame with the write timeout. A failed write closes
// the socket; the read loop notices and cleans up.
func (h *Hub) send(c *connection, frame *serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("frame marshal failed", "connection_id", c.id, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Warn("websocket write failed", "connection_id", c.id, "error", err)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "write failure")
	}
}
