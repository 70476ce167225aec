// Package git detects the ref a release was triggered from and checks out
// refs for the webhook server, by shelling out to the git command.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoRef is returned when HEAD is neither tagged nor on a branch
var ErrNoRef = errors.New("HEAD is detached and not tagged")

// Client provides the git operations vttrelease needs
type Client interface {
	// EnsureCheckout clones or updates a repository and checks out ref.
	// It returns the checked out commit.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
	// CurrentRef returns the fully qualified ref of HEAD in dir:
	// "refs/tags/<tag>" when HEAD is exactly tagged, else "refs/heads/<branch>".
	CurrentRef(ctx context.Context, dir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// ShortRef strips the refs/heads/ or refs/tags/ qualifier
func ShortRef(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if strings.HasPrefix(ref, prefix) {
			return strings.TrimPrefix(ref, prefix)
		}
	}
	return ref
}

// CurrentRef prefers a tag pointing exactly at HEAD over the branch name
func (c *ShellClient) CurrentRef(ctx context.Context, dir string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "tag", "--points-at", "HEAD", "--sort=-version:refname").Output()
	if err != nil {
		return "", fmt.Errorf("git tag --points-at failed: %w", err)
	}
	if tags := strings.Fields(string(out)); len(tags) > 0 {
		return "refs/tags/" + tags[0], nil
	}

	out, err = exec.CommandContext(ctx, "git", "-C", dir, "symbolic-ref", "-q", "HEAD").Output()
	if err != nil {
		// exit status 1 means detached HEAD
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", ErrNoRef
		}
		return "", fmt.Errorf("git symbolic-ref failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// EnsureCheckout clones or fetches and checks out the specified ref.
// Fully qualified refs from webhook payloads are accepted.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	ref = ShortRef(ref)

	gitDir := filepath.Join(destDir, ".git")
	exists := false
	if _, err := os.Stat(gitDir); err == nil {
		exists = true
	}

	var cmd *exec.Cmd
	if !exists {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd = exec.CommandContext(ctx, "git", "clone", "--no-checkout", url, destDir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		// tags may be moved by force-pushes, so fetch them with --force
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--tags", "--force", "origin")
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	// Direct checkout covers tags, hashes and local branches; remote
	// branches are tried second.
	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", ref)
	if err := c.runCommand(cmd); err != nil {
		cmd = exec.CommandContext(ctx, "git", "-C", destDir, "checkout", "-f", "origin/"+ref)
		if err := c.runCommand(cmd); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q (tried both direct and remote): %w", ref, err)
		}
	}

	// A local branch is stale after fetch; a no-op for tags and hashes.
	if exists {
		resetCmd := exec.CommandContext(ctx, "git", "-C", destDir, "reset", "--hard", "origin/"+ref)
		_ = c.runCommand(resetCmd)
	}

	// Drop untracked build leftovers so bundles only see committed files
	cleanCmd := exec.CommandContext(ctx, "git", "-C", destDir, "clean", "-fdx")
	if err := c.runCommand(cleanCmd); err != nil {
		return "", fmt.Errorf("git clean failed: %w", err)
	}

	output, err := exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token reaches the credential helper through the environment,
		// never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "VTTRELEASE_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$VTTRELEASE_GIT_TOKEN"; }; f`,
		)
	}
	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
