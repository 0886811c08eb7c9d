package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// health reports storage reachability, queue depth, the processor
// state, and MCP server connectivity.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy"}
	status := http.StatusOK

	stats, err := s.cfg.Store.QueueStats(ctx)
	if err != nil {
		body["status"] = "unhealthy"
		body["storage"] = gin.H{"error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		body["queue"] = stats
	}

	if s.cfg.Processor != nil {
		body["processor"] = s.cfg.Processor.Health()
	}
	if s.cfg.MCP != nil {
		body["mcp"] = s.cfg.MCP.ServerStatus()
	}
	body["connections"] = s.hub.ActiveConnections()

	c.JSON(status, body)
}
