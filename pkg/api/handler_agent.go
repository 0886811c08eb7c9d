package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/world"
)

type createAgentRequest struct {
	Name         string `json:"name" binding:"required"`
	Description  string `json:"description"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

type updateAgentRequest struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Provider     *string  `json:"provider"`
	Model        *string  `json:"model"`
	SystemPrompt *string  `json:"systemPrompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"maxTokens"`
	Status       *string  `json:"status"`
	MCPServers   []string `json:"mcpServers"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.cfg.Worlds.CreateAgent(c.Request.Context(), c.Param("world"),
		req.Name, req.Description, req.Provider, req.Model, req.SystemPrompt)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) updateAgent(c *gin.Context) {
	var req updateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	upd := world.AgentUpdate{
		Name:         req.Name,
		Description:  req.Description,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		MCPServers:   req.MCPServers,
	}
	if req.Status != nil {
		status := models.AgentStatus(*req.Status)
		upd.Status = &status
	}
	a, err := s.cfg.Worlds.UpdateAgent(c.Request.Context(), c.Param("world"), c.Param("id"), upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.cfg.Worlds.DeleteAgent(c.Request.Context(), c.Param("world"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
