package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yysun/agent-world/pkg/api"
	"github.com/yysun/agent-world/pkg/approval"
	"github.com/yysun/agent-world/pkg/cleanup"
	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/events"
	"github.com/yysun/agent-world/pkg/llm"
	"github.com/yysun/agent-world/pkg/llm/anthropic"
	"github.com/yysun/agent-world/pkg/llm/mock"
	"github.com/yysun/agent-world/pkg/llm/openai"
	"github.com/yysun/agent-world/pkg/mcp"
	"github.com/yysun/agent-world/pkg/queue"
	"github.com/yysun/agent-world/pkg/storage"
	memstore "github.com/yysun/agent-world/pkg/storage/memory"
	"github.com/yysun/agent-world/pkg/storage/postgres"
	"github.com/yysun/agent-world/pkg/storage/sqlite"
	"github.com/yysun/agent-world/pkg/tools"
	"github.com/yysun/agent-world/pkg/version"
	"github.com/yysun/agent-world/pkg/world"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("starting "+version.Full(),
		"storage", cfg.Storage.Type,
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	// 1. Storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		return &exitError{code: exitStorage, err: fmt.Errorf("storage: %w", err)}
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("closing storage", "error", err)
		}
	}()

	// 2. Event plumbing and approvals
	buses := events.NewBusRegistry(slog.Default())
	approvals := approval.NewCache()

	// 3. LLM providers
	providers, err := buildProviders(cfg)
	if err != nil {
		return &exitError{code: exitBootstrap, err: err}
	}
	defer func() { _ = providers.Close() }()

	// 4. Tools and MCP servers
	toolRegistry := tools.NewBuiltinRegistry()
	mcpManager := mcp.NewManager(toolRegistry, cfg.MCPServers, slog.Default())
	if err := mcpManager.Start(ctx); err != nil {
		slog.Warn("some MCP servers failed to start", "error", err)
	}
	defer mcpManager.Stop()

	// 5. World management and queue
	worlds := world.NewManager(store, buses, approvals, cfg.Defaults, slog.Default())
	queueService := queue.NewService(store, buses, cfg.Queue, slog.Default())

	loader := queue.WorldLoaderFunc(func(ctx context.Context, worldID string) (queue.WorldTask, error) {
		return world.Load(ctx, world.RuntimeConfig{
			WorldID:   worldID,
			Store:     store,
			Bus:       buses.Get(worldID),
			Providers: providers,
			Tools:     toolRegistry,
			Approvals: approvals,
			Logger:    slog.Default(),
		})
	})
	processor := queue.NewProcessor(queueService, store, loader, slog.Default())
	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("queue processor: %w", err)
	}
	defer processor.Stop()

	retention := cleanup.NewService(store, cfg.Retention, slog.Default())
	retention.Start(ctx)
	defer retention.Stop()

	// 6. HTTP server
	server := api.NewServer(api.ServerConfig{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Worlds:    worlds,
		Queue:     queueService,
		Processor: processor,
		Store:     store,
		Buses:     buses,
		MCP:       mcpManager,
		Logger:    slog.Default(),

		AllowedWSOrigins: cfg.Server.AllowedWSOrigins,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown incomplete", "error", err)
	}
	return nil
}

// openStore constructs the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case config.StorageMemory:
		return memstore.New(), nil
	case config.StorageSQLite:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data path: %w", err)
		}
		s := sqlite.New(filepath.Join(cfg.Storage.DataPath, "agent-world.db"),
			sqlite.WithLogger(slog.Default()))
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.StoragePostgres:
		return postgres.New(ctx, cfg.Storage.DatabaseURL, postgres.WithLogger(slog.Default()))
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// buildProviders registers every configured LLM provider. A provider
// whose API key is missing is skipped with a warning so local runs
// without keys still work.
func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	for name, pc := range cfg.LLMProviders {
		switch pc.Type {
		case "mock":
			registry.Register(name, mock.NewEchoing(), pc.DefaultModel)
		case "anthropic":
			key := os.Getenv(pc.APIKeyEnv)
			if key == "" {
				slog.Warn("skipping provider: API key not set", "provider", name, "env", pc.APIKeyEnv)
				continue
			}
			p, err := anthropic.New(anthropic.Config{APIKey: key, BaseURL: pc.BaseURL, MaxRetries: pc.MaxRetries})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			registry.Register(name, p, pc.DefaultModel)
		case "openai":
			key := os.Getenv(pc.APIKeyEnv)
			if key == "" {
				slog.Warn("skipping provider: API key not set", "provider", name, "env", pc.APIKeyEnv)
				continue
			}
			p, err := openai.New(openai.Config{APIKey: key, BaseURL: pc.BaseURL, MaxRetries: pc.MaxRetries})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			registry.Register(name, p, pc.DefaultModel)
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", name, pc.Type)
		}
	}
	return registry, nil
}
