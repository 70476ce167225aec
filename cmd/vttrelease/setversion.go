package main

import (
	"fmt"

	"github.com/schaermu/vttrelease/internal/manifest"
	"github.com/schaermu/vttrelease/internal/publish"
	"github.com/spf13/cobra"
)

func newSetVersionCmd() *cobra.Command {
	var (
		module     moduleFlags
		newVersion string
		tag        string
	)

	cmd := &cobra.Command{
		Use:   "set-version",
		Short: "Write a version into the manifest",
		Long: `Set-version rewrites the manifest's version in place, keeping key order,
indentation and comments. A leading "v" is stripped. With --tag the version
is taken from a version tag using versioning.tag_prefix.`,
		Example: `  vttrelease set-version --version 1.2.0
  vttrelease set-version --tag refs/tags/v1.2.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(cmd.ErrOrStderr())

			cfg, err := module.load(logger)
			if err != nil {
				return err
			}

			m, err := manifest.Read(cfg.ManifestPath())
			if err != nil {
				return &publish.FatalError{Stage: "manifest", Err: err}
			}

			target := newVersion
			if tag != "" {
				if target, err = manifest.ExtractVersionWithPrefix(tag, cfg.Versioning.TagPrefix); err != nil {
					return &publish.FatalError{Stage: "manifest", Err: err}
				}
			}

			updated, err := manifest.WriteVersion(m, target)
			if err != nil {
				return &publish.FatalError{Stage: "manifest", Err: err}
			}
			if !manifest.IsAdvance(m.Version, updated.Version) {
				logger.Warn("new version does not advance the previous one",
					"previous", m.Version,
					"version", updated.Version)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", cfg.Manifest, m.Version, updated.Version)
			return nil
		},
	}

	flags := cmd.Flags()
	module.register(flags)
	flags.StringVar(&newVersion, "version", "", "version to write")
	flags.StringVar(&tag, "tag", "", "version tag to take the version from")
	cmd.MarkFlagsMutuallyExclusive("version", "tag")
	cmd.MarkFlagsOneRequired("version", "tag")
	return cmd
}
