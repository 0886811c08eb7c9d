package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EchoTool returns its input text. Useful for wiring checks and tests.
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Echo the provided text back unchanged." }
func (t *EchoTool) ParametersSchema() string {
	return `{"type":"object","properties":{"text":{"type":"string","description":"Text to echo"}},"required":["text"]}`
}
func (t *EchoTool) RequiresApproval() bool { return false }

func (t *EchoTool) Execute(_ context.Context, args string) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("echo: invalid arguments: %w", err)
	}
	return in.Text, nil
}

// TimeTool reports the current UTC time.
type TimeTool struct {
	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

func (t *TimeTool) Name() string        { return "time" }
func (t *TimeTool) Description() string { return "Get the current date and time in UTC." }
func (t *TimeTool) ParametersSchema() string {
	return `{"type":"object","properties":{}}`
}
func (t *TimeTool) RequiresApproval() bool { return false }

func (t *TimeTool) Execute(context.Context, string) (string, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return now().UTC().Format(time.RFC3339), nil
}
