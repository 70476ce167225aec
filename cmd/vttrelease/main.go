package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/dirstore"
	"github.com/schaermu/vttrelease/internal/github"
	"github.com/schaermu/vttrelease/internal/release"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

// Exit codes
const (
	exitOK            = 0
	exitChannelFailed = 1
	exitFatal         = 2
)

// errChannelsFailed is returned by commands whose release had at least one
// failed channel
var errChannelsFailed = errors.New("one or more channels failed")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome to an exit code
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return exitCode(cmd.Execute())
}

// exitCode is 1 when channels failed and 2 for every error that stopped
// the run before any channel was attempted
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errChannelsFailed):
		return exitChannelFailed
	default:
		return exitFatal
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vttrelease",
		Short: "Package and release Foundry VTT modules",
		Long: `vttrelease bundles a Foundry VTT module (its manifest and the files the
manifest declares) into a reproducible zip archive, and creates or updates
the matching releases: the rolling "latest" release and one release per
version tag.

Re-running a release with unchanged sources is a no-op upload. Each release
channel succeeds or fails on its own.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultFile+" in the module root, if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newReleaseCmd())
	rootCmd.AddCommand(newBundleCmd())
	rootCmd.AddCommand(newSetVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "vttrelease %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// setupLogger logs to w; stdout is kept for command output
func setupLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// loadConfig reads --config, or the default file in root when it exists.
// Without either the built-in defaults are used.
func loadConfig(logger *slog.Logger, root string) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		if root == "" {
			root = "."
		}
		candidate := filepath.Join(root, config.DefaultFile)
		if _, err := os.Stat(candidate); err != nil {
			logger.Debug("no config file found, using defaults", "path", candidate)
			cfg := config.Default()
			cfg.Paths.Root = root
			return cfg, nil
		}
		configPath = candidate
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Paths.Root,
		"manifest", cfg.Manifest,
		"remote", cfg.Remote.Kind,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

// newStore creates the release store selected by remote.kind
func newStore(cfg *config.Config, logger *slog.Logger) (release.Store, error) {
	switch cfg.Remote.Kind {
	case config.RemoteGitHub:
		token, err := cfg.GitHubToken()
		if err != nil {
			return nil, err
		}
		return github.NewClient(github.Config{
			BaseURL:           cfg.Remote.APIURL,
			Owner:             cfg.Remote.Owner,
			Repo:              cfg.Remote.Repo,
			Token:             token,
			RequestsPerSecond: cfg.Remote.RequestsPerSecond,
			Logger:            logger,
		})
	case config.RemoteDir:
		return dirstore.New(cfg.Remote.Dir, logger)
	default:
		return nil, fmt.Errorf("no release remote configured (set remote.kind to github or dir)")
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
