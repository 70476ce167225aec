package main

import (
	"fmt"

	"github.com/schaermu/vttrelease/internal/publish"
	"github.com/spf13/cobra"
)

func newBundleCmd() *cobra.Command {
	var (
		module moduleFlags
		ref    string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Build the module archive without releasing it",
		Long: `Bundle builds the module archive and the manifest that would be released
and writes both to --out. The archive is byte-identical for identical
sources.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(cmd.ErrOrStderr())

			cfg, err := module.load(logger)
			if err != nil {
				return err
			}

			engine := publish.NewEngine(cfg, nil, logger, false)
			engine.ExcludeDir(out)

			// the version is still taken from a version tag when one is given
			build, err := engine.Build(publish.TriggerFromRef(cfg, ref))
			if err != nil {
				return err
			}

			written, err := build.WriteTo(out)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, p := range written {
				_, _ = fmt.Fprintln(w, p)
			}
			_, _ = fmt.Fprintf(w, "%s %s digest %s\n", build.Artifacts.ModuleID, build.Artifacts.Version, build.Artifacts.Digest)
			return nil
		},
	}

	flags := cmd.Flags()
	module.register(flags)
	flags.StringVar(&ref, "ref", "", "version tag to take the version from, e.g. v1.2.0")
	flags.StringVar(&out, "out", "dist", "output directory, never bundled itself")
	return cmd
}
