package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yysun/agent-world/pkg/export"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/world"
)

// exportChat renders one chat as a plain-text transcript.
func (s *Server) exportChat(c *gin.Context) {
	ctx := c.Request.Context()
	worldID := c.Param("world")
	chatID := c.Param("chat")

	snap, err := s.cfg.Worlds.Snapshot(ctx, worldID)
	if err != nil {
		writeError(c, err)
		return
	}
	chat, err := s.cfg.Store.LoadChat(ctx, worldID, chatID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(c, world.NewValidationError(world.CodeChatNotFound, "chat %q not found", chatID))
			return
		}
		writeError(c, err)
		return
	}
	messages, err := s.cfg.Store.GetMemory(ctx, worldID, chatID)
	if err != nil {
		writeError(c, err)
		return
	}

	text := export.Transcript(snap.World, snap.Agents, chat, messages)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}
