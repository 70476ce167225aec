package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/git"
	"github.com/schaermu/vttrelease/internal/publish"
	"github.com/schaermu/vttrelease/internal/release"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// moduleFlags override the module layout from the config file
type moduleFlags struct {
	root     string
	manifest string
	files    []string
}

func (f *moduleFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.root, "root", "", "module working tree (default is paths.root from the config, or .)")
	flags.StringVar(&f.manifest, "manifest", "", "manifest path relative to the root (default module.json)")
	flags.StringArrayVar(&f.files, "files", nil, "file or glob to bundle, relative to the manifest directory; repeatable (default: the files the manifest declares)")
}

// load reads the config and applies the flag overrides
func (f *moduleFlags) load(logger *slog.Logger) (*config.Config, error) {
	cfg, err := loadConfig(logger, f.root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.root != "" {
		cfg.Paths.Root = f.root
	}
	if f.manifest != "" {
		cfg.Manifest = f.manifest
	}
	if len(f.files) > 0 {
		cfg.Files = f.files
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// channelsValue is a repeatable --channel flag. Values may also be comma
// separated.
type channelsValue []release.Channel

var _ pflag.Value = (*channelsValue)(nil)

func (c *channelsValue) String() string {
	names := make([]string, len(*c))
	for i, ch := range *c {
		names[i] = ch.String()
	}
	return strings.Join(names, ",")
}

func (c *channelsValue) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		ch, err := release.ParseChannel(part)
		if err != nil {
			return err
		}
		*c = append(*c, ch)
	}
	return nil
}

func (c *channelsValue) Type() string {
	return "channel"
}

type releaseOptions struct {
	module   moduleFlags
	channels channelsValue
	stable   bool
	ref      string
	dryRun   bool
	out      string
}

func newReleaseCmd() *cobra.Command {
	opts := &releaseOptions{}

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Bundle the module and create or update its releases",
		Long: `Release reads the manifest, bundles the module and reconciles each release
channel: the release is created when absent and has its assets replaced
when present.

Channels come from --channel, or from the triggering ref: a version tag
releases itself and "latest", a branch releases "latest". The latest
channel only changes when the ref is stable (a release.stable_branches
branch, a version tag, or --stable).

The ref is taken from --ref, $GITHUB_REF, or the checked out tag or branch.

Exit status is 0 when every channel succeeded, 1 when any channel failed,
and 2 when the module could not be bundled and no channel was attempted.`,
		Example: `  vttrelease release
  vttrelease release --ref refs/tags/v1.2.0
  vttrelease release --channel latest --stable --files module.json --files 'scripts/**'
  vttrelease release --channel version --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelease(cmd, opts)
		},
	}

	flags := cmd.Flags()
	opts.module.register(flags)
	flags.Var(&opts.channels, "channel", `release channel: "latest", "version" (tag from the manifest version) or a tag; repeatable`)
	flags.BoolVar(&opts.stable, "stable", false, "treat the ref as stable, allowing the latest channel to change")
	flags.StringVar(&opts.ref, "ref", "", "triggering git ref, e.g. refs/tags/v1.2.0 or refs/heads/main")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "show what would be done without making changes")
	flags.StringVar(&opts.out, "out", "", "also write the released manifest and archive to this directory")
	return cmd
}

func runRelease(cmd *cobra.Command, opts *releaseOptions) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr())

	cfg, err := opts.module.load(logger)
	if err != nil {
		return err
	}

	ref := detectRef(ctx, logger, opts.ref, cfg.Paths.Root)
	trig := publish.TriggerFromRef(cfg, ref)
	trig.Commit = os.Getenv("GITHUB_SHA")
	if len(opts.channels) > 0 {
		trig.Channels = opts.channels
	}
	if cmd.Flags().Changed("stable") {
		trig.Stable = opts.stable
	}

	var store release.Store
	if len(trig.Channels) > 0 {
		if store, err = newStore(cfg, logger); err != nil {
			return err
		}
	}

	engine := publish.NewEngine(cfg, store, logger, opts.dryRun)
	if opts.out != "" {
		engine.ExcludeDir(opts.out)
	}
	report, err := engine.Run(ctx, trig)
	if err != nil {
		return err
	}

	if opts.out != "" && !opts.dryRun {
		if _, err := report.Build.WriteTo(opts.out); err != nil {
			return err
		}
	}

	printResults(cmd.OutOrStdout(), report)
	if report.Failed() {
		return errChannelsFailed
	}
	return nil
}

// detectRef prefers the flag, then the CI environment, then the checkout
func detectRef(ctx context.Context, logger *slog.Logger, flagRef, root string) string {
	if flagRef != "" {
		return flagRef
	}
	if ref := os.Getenv("GITHUB_REF"); ref != "" {
		logger.Debug("using ref from environment", "ref", ref)
		return ref
	}

	ref, err := git.NewShellClient("", "").CurrentRef(ctx, root)
	switch {
	case errors.Is(err, git.ErrNoRef):
		logger.Info("HEAD is detached and untagged, no ref detected")
		return ""
	case err != nil:
		logger.Debug("could not detect git ref", "error", err)
		return ""
	}
	logger.Debug("using ref from checkout", "ref", ref)
	return ref
}

// printResults writes one line per channel
func printResults(w io.Writer, report *publish.Report) {
	if len(report.Results) == 0 {
		_, _ = fmt.Fprintln(w, "no channels to release")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANNEL\tTAG\tSTATE\tDETAIL")
	for _, r := range report.Results {
		state := string(r.State)
		if r.Planned {
			state += " (planned)"
		}
		detail := ""
		switch {
		case r.Err != nil:
			detail = r.Err.Error()
		case r.Record != nil:
			detail = r.Record.URL
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Channel, r.Tag, state, detail)
	}
	_ = tw.Flush()
}
