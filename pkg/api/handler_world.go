package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yysun/agent-world/pkg/world"
)

type createWorldRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	TurnLimit   int    `json:"turnLimit"`
}

type updateWorldRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	TurnLimit   *int    `json:"turnLimit"`
}

func (s *Server) listWorlds(c *gin.Context) {
	worlds, err := s.cfg.Worlds.ListWorlds(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, worlds)
}

func (s *Server) createWorld(c *gin.Context) {
	var req createWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.cfg.Worlds.CreateWorld(c.Request.Context(), req.Name, req.Description, req.TurnLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// getWorld returns the full snapshot: world, agents, and chats.
func (s *Server) getWorld(c *gin.Context) {
	snap, err := s.cfg.Worlds.Snapshot(c.Request.Context(), c.Param("world"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) updateWorld(c *gin.Context) {
	var req updateWorldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.cfg.Worlds.UpdateWorld(c.Request.Context(), c.Param("world"), world.WorldUpdate{
		Name:        req.Name,
		Description: req.Description,
		TurnLimit:   req.TurnLimit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) deleteWorld(c *gin.Context) {
	if err := s.cfg.Worlds.DeleteWorld(c.Request.Context(), c.Param("world")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
