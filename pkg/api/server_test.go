package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/models"
	memstore "github.com/yysun/agent-world/pkg/storage/memory"
	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/world"
)

type apiFixture struct {
	server *Server
	router *gin.Engine
	store  *memstore.Store
	buses  *events.BusRegistry
	worlds *world.Manager
	svc    *queue.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store: memstore.New(),
		buses: events.NewBusRegistry(nil),
	}
	t.Cleanup(func() { _ = f.store.Close() })

	f.worlds = world.NewManager(f.store, f.buses, approval.NewCache(), config.Defaults{
		Provider: "mock", Model: "scripted", TurnLimit: 5,
	}, nil)
	f.svc = queue.NewService(f.store, f.buses, nil, nil)

	f.server = NewServer(ServerConfig{
		Worlds: f.worlds,
		Queue:  f.svc,
		Store:  f.store,
		Buses:  f.buses,
	})
	f.router = f.server.Router()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWorldEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/worlds", gin.H{"name": "My World", "description": "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[models.World](t, rec)
	assert.Equal(t, "my-world", created.ID)
	assert.Equal(t, 5, created.TurnLimit)

	rec = f.do(t, http.MethodPost, "/api/worlds", gin.H{"name": "my world"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, world.CodeWorldExists, decode[map[string]any](t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/worlds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.World](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/worlds/my-world", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[world.WorldSnapshot](t, rec)
	assert.Equal(t, "my-world", snap.World.ID)
	assert.Len(t, snap.Chats, 1)

	rec = f.do(t, http.MethodPatch, "/api/worlds/my-world", gin.H{"turnLimit": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, world.CodeInvalidTurnLimit, decode[map[string]any](t, rec)["code"])

	rec = f.do(t, http.MethodPatch, "/api/worlds/my-world", gin.H{"turnLimit": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[models.World](t, rec).TurnLimit)

	rec = f.do(t, http.MethodDelete, "/api/worlds/my-world", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/worlds/my-world", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/worlds", gin.H{"name": "w"})

	rec := f.do(t, http.MethodPost, "/api/worlds/w/agents", gin.H{"name": "Scout", "systemPrompt": "watch"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[models.Agent](t, rec)
	assert.Equal(t, "scout", a.ID)
	assert.Equal(t, "mock", a.Provider)

	rec = f.do(t, http.MethodPatch, "/api/worlds/w/agents/scout", gin.H{"status": "inactive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AgentStatusInactive, decode[models.Agent](t, rec).Status)

	rec = f.do(t, http.MethodDelete, "/api/worlds/w/agents/scout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/worlds/w/agents/scout", gin.H{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/worlds", gin.H{"name": "w"})

	rec := f.do(t, http.MethodGet, "/api/worlds/w/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chats := decode[[]models.Chat](t, rec)
	require.Len(t, chats, 1)

	// The fresh default chat is reused rather than duplicated.
	rec = f.do(t, http.MethodPost, "/api/worlds/w/chats", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, chats[0].ID, decode[models.Chat](t, rec).ID)

	rec = f.do(t, http.MethodDelete, "/api/worlds/w/chats/"+chats[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestExportEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.do(t, http.MethodPost, "/api/worlds", gin.H{"name": "w"})
	f.do(t, http.MethodPost, "/api/worlds/w/agents", gin.H{"name": "scout"})

	w, err := f.worlds.GetWorld(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, f.store.SaveAgentMemory(ctx, "w", "scout", []*models.Message{
		{MessageID: "m1", ChatID: w.CurrentChatID, Role: models.RoleUser, Sender: "HUMAN", Content: "@scout hello", Timestamp: time.Now().UTC()},
		{MessageID: "m2", ChatID: w.CurrentChatID, Role: models.RoleAssistant, Sender: "scout", Content: "hello back", Timestamp: time.Now().UTC().Add(time.Second)},
	}))

	rec := f.do(t, http.MethodGet, "/api/worlds/w/export/"+w.CurrentChatID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "From: HUMAN")
	assert.Contains(t, rec.Body.String(), "Agent: scout (reply)")
	assert.Contains(t, rec.Body.String(), "Id: m1")

	rec = f.do(t, http.MethodGet, "/api/worlds/w/export/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "queue")
	assert.Contains(t, body, "connections")
}
