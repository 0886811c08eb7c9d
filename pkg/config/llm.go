package config

// LLMProviderConfig describes one named LLM provider from
// llm-providers.yaml. Agents reference providers by name.
type LLMProviderConfig struct {
	// Type selects the SDK binding: anthropic, openai, or mock.
	Type string `yaml:"type"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in YAML.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the SDK's default endpoint (proxies,
	// OpenAI-compatible servers).
	BaseURL string `yaml:"base_url,omitempty"`

	// DefaultModel is used when an agent names no model.
	DefaultModel string `yaml:"default_model"`

	// MaxRetries bounds retry attempts on retryable provider errors.
	// Zero means the built-in default (2).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Supported MCP transports.
const (
	MCPTransportStdio          = "stdio"
	MCPTransportSSE            = "sse"
	MCPTransportStreamableHTTP = "streamable-http"
)

// MCPServerConfig describes one named MCP server agents may reference.
type MCPServerConfig struct {
	// Transport is stdio, sse, or streamable-http.
	Transport string `yaml:"transport"`

	// Command, Args, and Env apply to stdio transports.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// URL and Headers apply to sse and streamable-http transports.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// ToolPrefix namespaces discovered tools ("<prefix>_<tool>") so
	// servers with colliding tool names can coexist.
	ToolPrefix string `yaml:"tool_prefix,omitempty"`
}
