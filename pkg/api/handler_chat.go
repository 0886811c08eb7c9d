package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type newChatRequest struct {
	Name string `json:"name"`
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.cfg.Worlds.ListChats(c.Request.Context(), c.Param("world"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// newChat allocates (or reuses) a chat and makes it current.
func (s *Server) newChat(c *gin.Context) {
	var req newChatRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat, err := s.cfg.Worlds.NewChat(c.Request.Context(), c.Param("world"), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) deleteChat(c *gin.Context) {
	if err := s.cfg.Worlds.DeleteChat(c.Request.Context(), c.Param("world"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
