package world

import (
	"errors"
	"fmt"
)

// Validation codes surfaced to API clients.
const (
	CodeWorldExists      = "WORLD_EXISTS"
	CodeWorldNotFound    = "WORLD_NOT_FOUND"
	CodeAgentExists      = "AGENT_EXISTS"
	CodeAgentNotFound    = "AGENT_NOT_FOUND"
	CodeChatNotFound     = "CHAT_NOT_FOUND"
	CodeInvalidName      = "INVALID_NAME"
	CodeInvalidTurnLimit = "INVALID_TURN_LIMIT"
	CodeInvalidCommand   = "INVALID_COMMAND"
)

// ValidationError is a boundary rejection with a structured code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError builds a coded error.
func NewValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the validation code, or "" for non-validation errors.
func CodeOf(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
