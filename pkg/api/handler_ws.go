package api

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWS upgrades the connection and hands it to the hub. Blocks for
// the socket's lifetime.
func (s *Server) handleWS(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.AllowedWSOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			opts.OriginPatterns = nil
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}
