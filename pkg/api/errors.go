package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/world"
)

// writeError maps service-layer errors to HTTP responses. Validation
// errors carry their structured code in the body so clients can branch
// without parsing messages.
func writeError(c *gin.Context, err error) {
	var verr *world.ValidationError
	if errors.As(err, &verr) {
		c.JSON(statusFor(verr.Code), gin.H{"error": verr.Message, "code": verr.Code})
		return
	}
	if errors.Is(err, queue.ErrWorldNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": world.CodeWorldNotFound})
		return
	}

	slog.Error("unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func statusFor(code string) int {
	switch code {
	case world.CodeWorldNotFound, world.CodeAgentNotFound, world.CodeChatNotFound:
		return http.StatusNotFound
	case world.CodeWorldExists, world.CodeAgentExists:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
