package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yysun/agent-world/pkg/export"
)

func newExportCmd() *cobra.Command {
	var worldID, chatID string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "print a chat transcript",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd.Context(), cmd, worldID, chatID)
		},
	}
	cmd.Flags().StringVar(&worldID, "world", "", "world id")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id (defaults to the world's current chat)")
	_ = cmd.MarkFlagRequired("world")
	return cmd
}

func runExport(ctx context.Context, cmd *cobra.Command, worldID, chatID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return &exitError{code: exitStorage, err: fmt.Errorf("storage: %w", err)}
	}
	defer func() { _ = store.Close() }()

	w, err := store.LoadWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	if chatID == "" {
		chatID = w.CurrentChatID
	}
	chat, err := store.LoadChat(ctx, worldID, chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	agents, err := store.ListAgents(ctx, worldID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	messages, err := store.GetMemory(ctx, worldID, chatID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), export.Transcript(w, agents, chat, messages))
	return nil
}
