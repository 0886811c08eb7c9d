package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yysun/agent-world/pkg/config"
	"github.com/yysun/agent-world/pkg/logging"
	"github.com/yysun/agent-world/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 fatal bootstrap error, 2
// unrecoverable storage fault.
const (
	exitOK        = 0
	exitBootstrap = 1
	exitStorage   = 2
)

var configDir string

func run() int {
	root := &cobra.Command{
		Use:           version.AppName,
		Short:         "multi-agent world server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "."), "configuration directory")

	root.AddCommand(newServeCmd(), newExportCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitBootstrap
	}
	return exitOK
}

// loadConfig resolves .env, configuration, and logging in one shot.
// Every subcommand starts here.
func loadConfig() (*config.Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("no .env file, continuing with existing environment", "path", envPath)
	}

	cfg, err := config.Initialize(configDir)
	if err != nil {
		return nil, &exitError{code: exitBootstrap, err: fmt.Errorf("configuration: %w", err)}
	}
	logging.Setup(os.Stderr, cfg.LogLevels)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
