//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/vttrelease/internal/dirstore"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the vttrelease binary once and runs it against a git
// working tree on the host
type Harness struct {
	t        *testing.T
	binary   string
	Repo     string
	Releases string
}

// NewHarness creates a harness with an empty working tree and release
// directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	return &Harness{
		t:        t,
		Repo:     filepath.Join(t.TempDir(), "repo"),
		Releases: filepath.Join(t.TempDir(), "releases"),
	}
}

// BuildBinary compiles cmd/vttrelease into a temp directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "vttrelease")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/vttrelease")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary %s built successfully", h.binary)
	return nil
}

// Run executes vttrelease in the working tree and returns stdout, stderr
// and the exit code. CI variables are removed from the environment so the
// ref is detected from the checkout.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.Repo
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = cleanEnv()

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", -1, fmt.Errorf("run vttrelease: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	h.t.Logf("vttrelease %s: exit %d", strings.Join(args, " "), exitCode)
	if stderr.Len() > 0 {
		(&testWriter{t: h.t, prefix: "[stderr] "}).Write(stderr.Bytes()) //nolint:errcheck
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun runs vttrelease and fails the test unless it exits with want
func (h *Harness) MustRun(ctx context.Context, want int, args ...string) string {
	h.t.Helper()
	stdout, stderr, code, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatal(err)
	}
	if code != want {
		h.t.Fatalf("vttrelease %s: exit %d, want %d\nstdout: %s\nstderr: %s",
			strings.Join(args, " "), code, want, stdout, stderr)
	}
	return stdout
}

// Git runs a git command in the working tree
func (h *Harness) Git(ctx context.Context, args ...string) string {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", h.Repo}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes a file relative to the working tree
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.Repo, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		h.t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		h.t.Fatalf("write %s: %v", rel, err)
	}
}

// ReadRelease returns an asset of a release, or nil when the release or
// the asset does not exist
func (h *Harness) ReadRelease(ctx context.Context, tag, name string) []byte {
	h.t.Helper()
	store, err := dirstore.New(h.Releases, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		h.t.Fatalf("open release directory: %v", err)
	}
	rel, err := store.FindRelease(ctx, tag)
	if err != nil {
		h.t.Fatalf("find release %s: %v", tag, err)
	}
	if rel == nil {
		return nil
	}
	asset, ok := rel.Asset(name)
	if !ok {
		return nil
	}
	data, err := store.ReadAsset(asset)
	if err != nil {
		h.t.Fatalf("read %s from %s: %v", name, tag, err)
	}
	return data
}

func cleanEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "GITHUB_") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
