package main

import (
	"fmt"
	"os"

	"github.com/schaermu/vttrelease/internal/activation"
	"github.com/schaermu/vttrelease/internal/git"
	"github.com/schaermu/vttrelease/internal/webhook"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Release on GitHub push webhooks",
		Long: `Serve starts a long-running HTTP server that accepts GitHub push webhooks,
checks out the pushed ref into paths.state_dir and runs a release for it.

Releases run one at a time; pushes arriving meanwhile are queued, once
per ref. The listening socket is taken from systemd socket activation
when available, otherwise serve.listen_addr is bound.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())

	cfg, err := loadConfig(logger, "")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	server, err := webhook.NewServer(cfg, gitClient, store, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(cfg.Serve.ListenAddr, "webhook")
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}

	return server.Serve(ctx, ln)
}
