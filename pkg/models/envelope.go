package models

import (
	"encoding/json"
	"strings"
)

// EnvelopeType discriminates JSON-wrapped inbound message content.
type EnvelopeType string

const (
	// EnvelopeToolResult marks content answering a prior tool call.
	// Stored as a tool-role message; an optional agentId restricts
	// ingestion to a single agent.
	EnvelopeToolResult EnvelopeType = "tool_result"

	// EnvelopeOpaque marks a well-formed envelope whose __type is not
	// recognized. The raw object is preserved so forward-compatible
	// peers round-trip cleanly; the runtime treats it as plain text.
	EnvelopeOpaque EnvelopeType = ""
)

// Envelope is the decoded form of JSON-wrapped message content.
type Envelope struct {
	Type       EnvelopeType
	ToolCallID string
	AgentID    string
	Content    string
	Raw        map[string]any
}

// ParseEnvelope inspects content for a JSON object carrying a __type
// discriminator. ok is false when content is not such an object and
// should be treated as plain text. A recognized type populates the typed
// fields; an unrecognized one returns Type == EnvelopeOpaque with Raw set.
func ParseEnvelope(content string) (*Envelope, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	typ, _ := raw["__type"].(string)
	if typ == "" {
		return nil, false
	}

	env := &Envelope{Raw: raw}
	switch EnvelopeType(typ) {
	case EnvelopeToolResult:
		env.Type = EnvelopeToolResult
		env.ToolCallID, _ = raw["tool_call_id"].(string)
		env.AgentID, _ = raw["agentId"].(string)
		env.Content = stringifyEnvelopeContent(raw["content"])
	default:
		env.Type = EnvelopeOpaque
	}
	return env, true
}

// stringifyEnvelopeContent flattens the content field: strings pass
// through, structured values are re-marshalled so downstream consumers
// always see text.
func stringifyEnvelopeContent(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
