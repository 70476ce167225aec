// Package publish runs the release pipeline: read the manifest, bundle
// the module, and reconcile the artifacts against the release store.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/vttrelease/internal/bundle"
	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/manifest"
	"github.com/schaermu/vttrelease/internal/release"
)

// FatalError is a manifest or bundle failure. No channel is attempted
// after one.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Build is the output of one module build
type Build struct {
	Manifest  *manifest.Manifest
	Bundle    *bundle.Bundle
	Archive   []byte
	Artifacts release.Artifacts
}

// Report is the outcome of a release run
type Report struct {
	Trigger Trigger
	Build   *Build
	Results []release.Result
}

// Failed reports whether any channel failed
func (r *Report) Failed() bool {
	return release.AnyFailed(r.Results)
}

// Engine orchestrates the release process
type Engine struct {
	cfg    *config.Config
	store  release.Store
	logger *slog.Logger
	dryRun bool
	now    func() time.Time

	excludeDirs []string
}

// NewEngine creates a new release engine. store may be nil for engines
// that only build.
func NewEngine(cfg *config.Config, store release.Store, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		dryRun: dryRun,
		now:    time.Now,
	}
}

// ExcludeDir keeps the files under dir out of every bundle. It is meant
// for output directories inside the module tree. Relative paths are
// resolved against the working directory.
func (e *Engine) ExcludeDir(dir string) {
	e.excludeDirs = append(e.excludeDirs, dir)
}

// Build reads the manifest and bundles the module for trig
func (e *Engine) Build(trig Trigger) (*Build, error) {
	manifestPath := e.cfg.ManifestPath()
	m, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, &FatalError{Stage: "manifest", Err: err}
	}

	// Tags without the version prefix, e.g. "nightly", keep the manifest version
	if e.cfg.VersionFromTag() && trig.IsVersionTag() && strings.HasPrefix(trig.Tag, e.cfg.Versioning.TagPrefix) {
		if m, err = e.versionFromTag(m, trig.Tag); err != nil {
			return nil, &FatalError{Stage: "manifest", Err: err}
		}
	}

	if m, err = m.WithReleaseURLs(e.expandURL(e.cfg.Release.ManifestURL, m), e.expandURL(e.cfg.Release.DownloadURL, m)); err != nil {
		return nil, &FatalError{Stage: "manifest", Err: err}
	}

	// Declared paths are relative to the directory holding the manifest
	root := filepath.Dir(manifestPath)
	manifestName := path.Base(filepath.ToSlash(manifestPath))

	b, err := bundle.Build(m, e.cfg.Files, root, bundle.Options{
		Overrides: map[string][]byte{manifestName: m.Bytes()},
		Prefix:    e.cfg.Archive.RootDir,
		Exclude:   dirsUnder(root, e.excludeDirs),
	})
	if err != nil {
		return nil, &FatalError{Stage: "bundle", Err: err}
	}

	archive, err := b.Archive()
	if err != nil {
		return nil, &FatalError{Stage: "archive", Err: err}
	}

	digest := b.Digest()
	e.logger.Info("module bundled",
		"id", m.ID,
		"version", m.Version,
		"files", len(b.Entries),
		"size", len(archive),
		"digest", digest.Short())

	return &Build{
		Manifest: m,
		Bundle:   b,
		Archive:  archive,
		Artifacts: release.Artifacts{
			ModuleID: m.ID,
			Title:    m.Title,
			Version:  m.Version,
			Digest:   digest.String(),
			Assets: []release.Asset{
				release.NewAsset(manifestName, manifestContentType(m.Format), m.Bytes()),
				release.NewAsset(e.cfg.Archive.Name, "application/zip", archive),
			},
		},
	}, nil
}

// versionFromTag replaces the manifest version with the one the tag
// carries, persisting it when versioning.write_manifest is set.
func (e *Engine) versionFromTag(m *manifest.Manifest, tag string) (*manifest.Manifest, error) {
	version, err := manifest.ExtractVersionWithPrefix(tag, e.cfg.Versioning.TagPrefix)
	if err != nil {
		return nil, err
	}
	if current, err := manifest.NormalizeVersion(m.Version); err == nil && current == version {
		return m, nil
	}

	if !manifest.IsAdvance(m.Version, version) {
		e.logger.Warn("tag version does not advance the manifest version",
			"manifest_version", m.Version,
			"tag_version", version)
	}

	updated, err := m.WithVersion(version)
	if err != nil {
		return nil, err
	}
	e.logger.Info("version taken from tag", "tag", tag, "version", updated.Version)

	if e.cfg.Versioning.WriteManifest && !e.dryRun {
		if err := updated.Save(); err != nil {
			return nil, fmt.Errorf("failed to write manifest: %w", err)
		}
	}
	return updated, nil
}

// expandURL fills the placeholders of a manifest or download URL template
func (e *Engine) expandURL(tmpl string, m *manifest.Manifest) string {
	if tmpl == "" {
		return ""
	}
	return strings.NewReplacer(
		"{owner}", e.cfg.Remote.Owner,
		"{repo}", e.cfg.Remote.Repo,
		"{tag}", e.cfg.Versioning.TagPrefix+m.Version,
		"{version}", m.Version,
		"{latest_tag}", e.cfg.Release.LatestTag,
		"{archive}", e.cfg.Archive.Name,
		"{manifest}", path.Base(filepath.ToSlash(e.cfg.Manifest)),
	).Replace(tmpl)
}

func manifestContentType(format manifest.Format) string {
	if format == manifest.FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Run builds the module and reconciles every channel of trig. The error
// is a *FatalError when nothing could be built; channel failures are
// reported in the results only.
func (e *Engine) Run(ctx context.Context, trig Trigger) (*Report, error) {
	e.logger.Info("starting release",
		"ref", trig.Ref,
		"channels", channelNames(trig.Channels),
		"stable", trig.Stable,
		"dry_run", e.dryRun)

	build, err := e.Build(trig)
	if err != nil {
		return nil, err
	}
	report := &Report{Trigger: trig, Build: build}

	if len(trig.Channels) == 0 {
		e.logger.Info("trigger selects no channels, nothing to release")
		return report, nil
	}
	if e.store == nil {
		return nil, fmt.Errorf("no release store configured")
	}

	statePath := e.cfg.StateFilePath()
	var state *State
	if statePath != "" {
		if state, err = LoadState(statePath); err != nil {
			e.logger.Warn("failed to load previous state (will treat as fresh run)", "error", err)
			state = &State{Releases: make(map[string]ReleaseState)}
		}
		if state.Digest == build.Artifacts.Digest {
			e.logger.Info("bundle unchanged since last run", "digest", build.Bundle.Digest().Short())
		}
	}

	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	reconciler := release.NewReconciler(e.store, e.logger,
		release.WithRetry(release.RetryPolicy{
			MaxAttempts: e.cfg.Retry.MaxAttempts,
			BaseDelay:   e.cfg.Retry.BaseDelay,
			MaxDelay:    e.cfg.Retry.MaxDelay,
		}),
		release.WithConcurrency(e.cfg.Concurrency),
	)

	policy := e.policy(trig)
	if e.dryRun {
		report.Results = reconciler.Plan(ctx, trig.Channels, build.Artifacts, policy)
		e.logSummary(report.Results)
		e.logger.Info("dry-run complete, no changes applied")
		return report, nil
	}

	report.Results = reconciler.Reconcile(ctx, trig.Channels, build.Artifacts, policy)
	e.logSummary(report.Results)

	if state != nil {
		e.recordState(state, trig, build, report.Results)
		if err := state.Save(statePath); err != nil {
			e.logger.Warn("failed to save state", "error", err)
		}
	}

	if report.Failed() {
		e.logger.Error("release finished with failed channels")
	} else {
		e.logger.Info("release completed successfully")
	}
	return report, nil
}

func (e *Engine) policy(trig Trigger) release.Policy {
	return release.Policy{
		Stable:       trig.Stable,
		AllowUpdates: e.cfg.AllowUpdates(),
		Draft:        e.cfg.Release.Draft,
		Prerelease:   e.cfg.Release.Prerelease,
		LatestTag:    e.cfg.Release.LatestTag,
		TagPrefix:    e.cfg.Versioning.TagPrefix,
		NameTemplate: e.cfg.Release.Name,
		Body:         e.cfg.Release.Body,
	}
}

func (e *Engine) recordState(state *State, trig Trigger, build *Build, results []release.Result) {
	succeeded := false
	for _, r := range results {
		if r.State != release.StateCreated && r.State != release.StateUpdated {
			continue
		}
		succeeded = true
		rs := ReleaseState{
			Version:    build.Artifacts.Version,
			Digest:     build.Artifacts.Digest,
			Commit:     trig.Commit,
			ReleasedAt: e.now().UTC(),
		}
		if r.Record != nil {
			rs.URL = r.Record.URL
		}
		state.Releases[r.Tag] = rs
	}
	if succeeded {
		state.Digest = build.Artifacts.Digest
		state.Commit = trig.Commit
	}
}

func (e *Engine) logSummary(results []release.Result) {
	counts := make(map[release.State]int)
	for _, r := range results {
		counts[r.State]++
	}
	e.logger.Info("release summary",
		"created", counts[release.StateCreated],
		"updated", counts[release.StateUpdated],
		"skipped", counts[release.StateSkipped],
		"failed", counts[release.StateFailed],
		"timeout", counts[release.StateTimeout])
}

func channelNames(channels []release.Channel) []string {
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = c.String()
	}
	return names
}

// dirsUnder returns the dirs that lie inside root, relative to root.
// root itself and directories outside it are dropped.
func dirsUnder(root string, dirs []string) []string {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil
	}

	var rel []string
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		r, err := filepath.Rel(absRoot, abs)
		if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			continue
		}
		rel = append(rel, filepath.ToSlash(r))
	}
	return rel
}

// WriteTo writes the archive and the released manifest into dir
func (b *Build) WriteTo(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var written []string
	for _, a := range b.Artifacts.SortedAssets() {
		p := filepath.Join(dir, a.Name)
		if err := os.WriteFile(p, a.Content, 0644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", a.Name, err)
		}
		written = append(written, p)
	}
	return written, nil
}
