// Package config loads the agent-world configuration: agent-world.yaml
// for server, storage, queue, defaults, and MCP servers, plus
// llm-providers.yaml for provider bindings. Both files are optional;
// built-in defaults cover a local run on memory storage. Environment
// variables expand inside YAML via {{.VAR}} templates, and a handful of
// AGENT_WORLD_* variables override the resolved values last.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/yysun/agent-world/pkg/models"
)

// Environment variable overrides applied after YAML resolution.
const (
	EnvDataPath    = "AGENT_WORLD_DATA_PATH"
	EnvStorageType = "AGENT_WORLD_STORAGE_TYPE"
	EnvHTTPPort    = "AGENT_WORLD_HTTP_PORT"
	EnvDatabaseURL = "DATABASE_URL"
	EnvLogLevels   = "LOGGER_LEVELS"
)

// Storage backend names accepted in StorageConfig.Type.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Config is the resolved process configuration.
type Config struct {
	Server       ServerConfig                 `yaml:"server"`
	Storage      StorageConfig                `yaml:"storage"`
	Queue        *QueueConfig                 `yaml:"queue"`
	Retention    *RetentionConfig             `yaml:"retention"`
	Defaults     Defaults                     `yaml:"defaults"`
	MCPServers   map[string]MCPServerConfig   `yaml:"mcp_servers"`
	LLMProviders map[string]LLMProviderConfig `yaml:"-"`

	// LogLevels is the raw LOGGER_LEVELS value (comma-separated debug
	// categories), captured here so main wires it into logging setup.
	LogLevels string `yaml:"-"`
}

// ServerConfig holds the HTTP/WebSocket surface settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	// Type is memory, sqlite, or postgres.
	Type string `yaml:"type"`

	// DataPath is the directory holding the sqlite database file.
	DataPath string `yaml:"data_path"`

	// DatabaseURL is the postgres connection string.
	DatabaseURL string `yaml:"database_url"`
}

// Defaults are applied to newly created worlds and agents.
type Defaults struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	TurnLimit int    `yaml:"turn_limit"`
}

type llmProvidersYAML struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// DefaultConfig returns the built-in configuration: memory storage,
// port 8080, a mock provider, stock queue knobs.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type:     StorageMemory,
			DataPath: "./data",
		},
		Queue:     DefaultQueueConfig(),
		Retention: DefaultRetentionConfig(),
		Defaults: Defaults{
			Provider:  "mock",
			Model:     "scripted",
			TurnLimit: models.DefaultTurnLimit,
		},
		MCPServers: make(map[string]MCPServerConfig),
		LLMProviders: map[string]LLMProviderConfig{
			"mock": {Type: "mock", DefaultModel: "scripted"},
		},
	}
}

// Initialize loads, merges, and validates configuration from configDir.
// Missing files fall back to built-in defaults; a present but malformed
// file is a fatal bootstrap error.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := DefaultConfig()

	if configDir != "" {
		var user Config
		found, err := loadYAML(filepath.Join(configDir, "agent-world.yaml"), &user)
		if err != nil {
			return nil, fmt.Errorf("loading agent-world.yaml: %w", err)
		}
		if found {
			// User values override defaults; unset fields keep defaults.
			if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging agent-world.yaml: %w", err)
			}
		}

		var providers llmProvidersYAML
		found, err = loadYAML(filepath.Join(configDir, "llm-providers.yaml"), &providers)
		if err != nil {
			return nil, fmt.Errorf("loading llm-providers.yaml: %w", err)
		}
		if found {
			for name, p := range providers.LLMProviders {
				cfg.LLMProviders[name] = p
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("configuration initialized",
		"storage", cfg.Storage.Type,
		"port", cfg.Server.Port,
		"llm_providers", len(cfg.LLMProviders),
		"mcp_servers", len(cfg.MCPServers))
	return cfg, nil
}

// loadYAML reads, env-expands, and parses one YAML file. found is false
// when the file does not exist.
func loadYAML(path string, target any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, target); err != nil {
		return true, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return true, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvDataPath); v != "" {
		cfg.Storage.DataPath = v
	}
	if v := os.Getenv(EnvStorageType); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring invalid port override", "env", EnvHTTPPort, "value", v)
		}
	}
	cfg.LogLevels = os.Getenv(EnvLogLevels)
}

// Validate checks the resolved configuration before use.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Type == StoragePostgres && c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage type postgres requires database_url (or %s)", EnvDatabaseURL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Defaults.TurnLimit < 1 {
		return fmt.Errorf("defaults.turn_limit must be >= 1, got %d", c.Defaults.TurnLimit)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.PollInterval <= 0 || c.Queue.HeartbeatInterval <= 0 {
		return fmt.Errorf("queue intervals must be positive")
	}
	if c.Retention.Enabled && (c.Retention.SweepInterval <= 0 || c.Retention.SettledTTL <= 0) {
		return fmt.Errorf("retention intervals must be positive when enabled")
	}
	if _, ok := c.LLMProviders[c.Defaults.Provider]; !ok {
		return fmt.Errorf("defaults.provider %q is not a configured LLM provider", c.Defaults.Provider)
	}
	for name, p := range c.LLMProviders {
		switch p.Type {
		case "anthropic", "openai", "mock":
		default:
			return fmt.Errorf("llm provider %q: unknown type %q", name, p.Type)
		}
	}
	for name, m := range c.MCPServers {
		switch m.Transport {
		case MCPTransportStdio:
			if m.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires command", name)
			}
		case MCPTransportSSE, MCPTransportStreamableHTTP:
			if m.URL == "" {
				return fmt.Errorf("mcp server %q: %s transport requires url", name, m.Transport)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", name, m.Transport)
		}
	}
	return nil
}
