package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working root
const DefaultFile = ".vttrelease.yaml"

// RemoteKind selects the release store implementation
type RemoteKind string

const (
	RemoteNone   RemoteKind = ""
	RemoteGitHub RemoteKind = "github"
	RemoteDir    RemoteKind = "dir"
)

// Config represents the complete vttrelease configuration
type Config struct {
	Manifest    string           `yaml:"manifest"`
	Files       []string         `yaml:"files"`
	Archive     ArchiveConfig    `yaml:"archive"`
	Versioning  VersioningConfig `yaml:"versioning"`
	Release     ReleaseConfig    `yaml:"release"`
	Remote      RemoteConfig     `yaml:"remote"`
	Retry       RetryConfig      `yaml:"retry"`
	Deadline    time.Duration    `yaml:"deadline"`
	Concurrency int              `yaml:"concurrency"`
	Paths       PathsConfig      `yaml:"paths"`
	Repo        RepoConfig       `yaml:"repo"`
	Auth        AuthConfig       `yaml:"auth"`
	Serve       ServeConfig      `yaml:"serve"`
}

// ArchiveConfig configures the module zip
type ArchiveConfig struct {
	Name string `yaml:"name"`
	// RootDir nests every entry under a directory inside the zip
	RootDir string `yaml:"root_dir"`
}

// VersioningConfig configures how the module version follows tags
type VersioningConfig struct {
	TagPrefix string `yaml:"tag_prefix"`
	// FromTag takes the version from the triggering tag instead of the manifest
	FromTag *bool `yaml:"from_tag"`
	// WriteManifest persists a version taken from a tag to the manifest file
	WriteManifest bool `yaml:"write_manifest"`
}

// ReleaseConfig configures release records
type ReleaseConfig struct {
	LatestTag      string   `yaml:"latest_tag"`
	StableBranches []string `yaml:"stable_branches"`
	Draft          bool     `yaml:"draft"`
	Prerelease     bool     `yaml:"prerelease"`
	AllowUpdates   *bool    `yaml:"allow_updates"`
	Name           string   `yaml:"name"`
	Body           string   `yaml:"body"`
	// LatestOnTag lets version tag pushes update the latest release too
	LatestOnTag *bool `yaml:"latest_on_tag"`
	// ManifestURL and DownloadURL are written into the released manifest.
	// {owner}, {repo}, {tag}, {version}, {latest_tag}, {archive} and
	// {manifest} are substituted.
	ManifestURL string `yaml:"manifest_url"`
	DownloadURL string `yaml:"download_url"`
}

// RemoteConfig configures the release store
type RemoteConfig struct {
	Kind              RemoteKind `yaml:"kind"`
	Owner             string     `yaml:"owner"`
	Repo              string     `yaml:"repo"`
	APIURL            string     `yaml:"api_url"`
	TokenFile         string     `yaml:"token_file"`
	TokenEnv          string     `yaml:"token_env"`
	RequestsPerSecond float64    `yaml:"requests_per_second"`
	// Dir is the release directory for the dir store
	Dir string `yaml:"dir"`
}

// RetryConfig bounds retries of transient store failures
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// Root is the module working tree
	Root     string `yaml:"root"`
	StateDir string `yaml:"state_dir"`
}

// RepoConfig configures the Git repository checked out by the webhook server
type RepoConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative paths in the file are relative to the file
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, expands environment variables and
// applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Manifest = os.ExpandEnv(c.Manifest)
	c.Paths.Root = os.ExpandEnv(c.Paths.Root)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Remote.Owner = os.ExpandEnv(c.Remote.Owner)
	c.Remote.Repo = os.ExpandEnv(c.Remote.Repo)
	c.Remote.APIURL = os.ExpandEnv(c.Remote.APIURL)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Remote.Dir = os.ExpandEnv(c.Remote.Dir)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Manifest == "" {
		c.Manifest = "module.json"
	}
	if c.Archive.Name == "" {
		c.Archive.Name = "module.zip"
	}
	if c.Versioning.TagPrefix == "" {
		c.Versioning.TagPrefix = "v"
	}
	if c.Versioning.FromTag == nil {
		c.Versioning.FromTag = boolPtr(true)
	}
	if c.Release.LatestTag == "" {
		c.Release.LatestTag = "latest"
	}
	if c.Release.StableBranches == nil {
		c.Release.StableBranches = []string{"main", "master"}
	}
	if c.Release.AllowUpdates == nil {
		c.Release.AllowUpdates = boolPtr(true)
	}
	if c.Release.LatestOnTag == nil {
		c.Release.LatestOnTag = boolPtr(true)
	}
	if c.Remote.TokenEnv == "" {
		c.Remote.TokenEnv = "GITHUB_TOKEN"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Deadline == 0 {
		c.Deadline = 10 * time.Minute
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Paths.Root == "" {
		c.Paths.Root = "."
	}
}

// resolvePaths makes relative local paths relative to base
func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Paths.Root = resolve(c.Paths.Root)
	c.Paths.StateDir = resolve(c.Paths.StateDir)
	c.Remote.Dir = resolve(c.Remote.Dir)
	c.Remote.TokenFile = resolve(c.Remote.TokenFile)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if c.Archive.Name == "" || strings.ContainsAny(c.Archive.Name, `/\`) {
		return fmt.Errorf("archive.name must be a plain file name: %q", c.Archive.Name)
	}
	if !strings.HasSuffix(c.Archive.Name, ".zip") {
		return fmt.Errorf("archive.name must end in .zip: %s", c.Archive.Name)
	}
	if c.Archive.Name == path.Base(filepath.ToSlash(c.Manifest)) {
		return fmt.Errorf("archive.name collides with the manifest file name")
	}
	if c.Archive.RootDir != "" {
		clean := path.Clean(c.Archive.RootDir)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("archive.root_dir must stay inside the archive: %s", c.Archive.RootDir)
		}
	}

	if strings.ContainsAny(c.Release.LatestTag, " ~^:?*[\\") {
		return fmt.Errorf("release.latest_tag is not a valid tag: %q", c.Release.LatestTag)
	}

	switch c.Remote.Kind {
	case RemoteNone:
		// release commands fail later; bundle and set-version work without a remote
	case RemoteGitHub:
		if c.Remote.Owner == "" || c.Remote.Repo == "" {
			return fmt.Errorf("remote.owner and remote.repo are required for the github remote")
		}
		if c.Remote.APIURL != "" && !strings.HasPrefix(c.Remote.APIURL, "https://") {
			return fmt.Errorf("remote.api_url must use HTTPS: %s", c.Remote.APIURL)
		}
		if c.Remote.RequestsPerSecond < 0 {
			return fmt.Errorf("remote.requests_per_second must not be negative")
		}
	case RemoteDir:
		if c.Remote.Dir == "" {
			return fmt.Errorf("remote.dir is required for the dir remote")
		}
	default:
		return fmt.Errorf("invalid remote.kind: %s (must be github or dir)", c.Remote.Kind)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// ValidateServe checks the settings the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required for serve")
	}
	if c.Paths.StateDir == "" || !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path for serve: %q", c.Paths.StateDir)
	}
	if c.Remote.Kind == RemoteNone {
		return fmt.Errorf("remote.kind is required for serve")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}
	return nil
}

// AllowUpdates reports whether existing releases may have their assets replaced
func (c *Config) AllowUpdates() bool {
	return c.Release.AllowUpdates == nil || *c.Release.AllowUpdates
}

// LatestOnTag reports whether a version tag also counts as stable for
// the latest channel
func (c *Config) LatestOnTag() bool {
	return c.Release.LatestOnTag == nil || *c.Release.LatestOnTag
}

// VersionFromTag reports whether a triggering tag overrides the manifest version
func (c *Config) VersionFromTag() bool {
	return c.Versioning.FromTag == nil || *c.Versioning.FromTag
}

// ManifestPath returns the manifest location. A relative manifest is
// inside the working root.
func (c *Config) ManifestPath() string {
	if filepath.IsAbs(c.Manifest) {
		return c.Manifest
	}
	return filepath.Join(c.Paths.Root, c.Manifest)
}

// RepoDir returns the path where the webhook server checks out the repository
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the run state file, or "" when no
// state directory is configured.
func (c *Config) StateFilePath() string {
	if c.Paths.StateDir == "" {
		return ""
	}
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// IsStableBranch reports whether branch is one of release.stable_branches
func (c *Config) IsStableBranch(branch string) bool {
	branch = strings.TrimPrefix(branch, "refs/heads/")
	for _, b := range c.Release.StableBranches {
		if strings.TrimPrefix(b, "refs/heads/") == branch {
			return true
		}
	}
	return false
}

// GitHubToken reads the API token from remote.token_file, falling back to
// the remote.token_env environment variable.
func (c *Config) GitHubToken() (string, error) {
	if c.Remote.TokenFile != "" {
		data, err := os.ReadFile(c.Remote.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if token := strings.TrimSpace(os.Getenv(c.Remote.TokenEnv)); token != "" {
		return token, nil
	}
	return "", errors.New("no GitHub token: set remote.token_file or $" + c.Remote.TokenEnv)
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

func boolPtr(b bool) *bool {
	return &b
}
