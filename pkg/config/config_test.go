package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInitializeDefaultsWithoutFiles(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Defaults.TurnLimit)
	assert.Equal(t, 1*time.Second, cfg.Queue.PollInterval)
	assert.True(t, cfg.Retention.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SettledTTL)
	assert.Contains(t, cfg.LLMProviders, "mock")
}

func TestInitializeMergesUserYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "agent-world.yaml", `
server:
  port: 9999
storage:
  type: sqlite
  data_path: /tmp/aw
queue:
  max_attempts: 7
defaults:
  turn_limit: 3
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, StorageSQLite, cfg.Storage.Type)
	assert.Equal(t, "/tmp/aw", cfg.Storage.DataPath)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3, cfg.Defaults.TurnLimit)
	// Unset queue knobs keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Queue.HeartbeatInterval)
}

func TestInitializeLLMProviders(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_ANTHROPIC_KEY_VAR", "ANTHROPIC_API_KEY")
	writeConfig(t, dir, "llm-providers.yaml", `
llm_providers:
  claude:
    type: anthropic
    api_key_env: "{{.TEST_ANTHROPIC_KEY_VAR}}"
    default_model: claude-sonnet-4-5
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	p, ok := cfg.LLMProviders["claude"]
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Type)
	// {{.VAR}} expansion resolved from the environment.
	assert.Equal(t, "ANTHROPIC_API_KEY", p.APIKeyEnv)
	assert.Equal(t, "claude-sonnet-4-5", p.DefaultModel)
	// Built-in mock provider survives the merge.
	assert.Contains(t, cfg.LLMProviders, "mock")
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "agent-world.yaml", `
storage:
  type: sqlite
`)
	t.Setenv(EnvStorageType, "memory")
	t.Setenv(EnvHTTPPort, "7070")
	t.Setenv(EnvDataPath, "/var/aw")

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/var/aw", cfg.Storage.DataPath)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage type", func(c *Config) { c.Storage.Type = "dynamo" }},
		{"postgres without url", func(c *Config) { c.Storage.Type = StoragePostgres }},
		{"zero turn limit", func(c *Config) { c.Defaults.TurnLimit = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"enabled retention without ttl", func(c *Config) { c.Retention.SettledTTL = 0 }},
		{"unknown default provider", func(c *Config) { c.Defaults.Provider = "nope" }},
		{"unknown provider type", func(c *Config) {
			c.LLMProviders["bad"] = LLMProviderConfig{Type: "cohere"}
		}},
		{"stdio mcp without command", func(c *Config) {
			c.MCPServers["fs"] = MCPServerConfig{Transport: "stdio"}
		}},
		{"sse mcp without url", func(c *Config) {
			c.MCPServers["remote"] = MCPServerConfig{Transport: "sse"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMalformedYAMLIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "agent-world.yaml", "server: [not a map")

	_, err := Initialize(dir)
	assert.Error(t, err)
}

func TestExpandEnvPreservesDollarSigns(t *testing.T) {
	t.Setenv("EXPAND_TEST_VALUE", "hello")
	out := ExpandEnv([]byte(`pattern: "^secret.*$"
key: "{{.EXPAND_TEST_VALUE}}"
missing: "{{.NO_SUCH_VARIABLE_SET}}"`))

	assert.Contains(t, string(out), `^secret.*$`)
	assert.Contains(t, string(out), `key: "hello"`)
	assert.Contains(t, string(out), `missing: ""`)
}
