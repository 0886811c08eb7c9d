// Package api exposes the HTTP surface: REST CRUD for worlds, agents,
// and chats, transcript export, health, and the websocket hub that
// streams world events to subscribed clients.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/mcp"
	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/world"
)

// ServerConfig wires the server to its collaborators.
type ServerConfig struct {
	Addr      string
	Worlds    *world.Manager
	Queue     *queue.Service
	Processor *queue.Processor
	Store     storage.Store
	Buses     *events.BusRegistry
	MCP       *mcp.Manager
	Logger    *slog.Logger

	// AllowedWSOrigins is the websocket origin allowlist. Empty means
	// same-origin only, "*" disables the check.
	AllowedWSOrigins []string
}

// Server is the HTTP server: REST handlers plus the websocket hub.
type Server struct {
	cfg    ServerConfig
	hub    *Hub
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer builds the server and its hub.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
	}
	s.hub = NewHub(HubConfig{
		Worlds: cfg.Worlds,
		Queue:  cfg.Queue,
		Store:  cfg.Store,
		Buses:  cfg.Buses,
		Logger: logger,
	})
	return s
}

// Hub returns the websocket hub, for tests and shutdown hooks.
func (s *Server) Hub() *Hub { return s.hub }

// Router assembles the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	{
		api.GET("/worlds", s.listWorlds)
		api.POST("/worlds", s.createWorld)
		api.GET("/worlds/:world", s.getWorld)
		api.PATCH("/worlds/:world", s.updateWorld)
		api.DELETE("/worlds/:world", s.deleteWorld)

		api.POST("/worlds/:world/agents", s.createAgent)
		api.PATCH("/worlds/:world/agents/:id", s.updateAgent)
		api.DELETE("/worlds/:world/agents/:id", s.deleteAgent)

		api.GET("/worlds/:world/chats", s.listChats)
		api.POST("/worlds/:world/chats", s.newChat)
		api.DELETE("/worlds/:world/chats/:id", s.deleteChat)

		api.GET("/worlds/:world/export/:chat", s.exportChat)
	}
	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown
// runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains HTTP connections and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
