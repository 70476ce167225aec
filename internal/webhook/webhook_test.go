package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/dirstore"
	"github.com/schaermu/vttrelease/internal/git"
	"github.com/schaermu/vttrelease/internal/testutil"
)

// mockGitClient checks out a module tree for every ref
type mockGitClient struct {
	t *testing.T

	mu   sync.Mutex
	refs []string
	fail map[string]bool
}

func (m *mockGitClient) EnsureCheckout(ctx context.Context, url, ref, dest string) (string, error) {
	m.mu.Lock()
	m.refs = append(m.refs, ref)
	m.mu.Unlock()

	if m.fail[ref] {
		return "", errors.New("remote: repository not found")
	}
	testutil.WriteTree(m.t, dest, map[string]string{
		"module.json": `{"id": "my-module", "title": "My Module", "version": "0.9.0", "esmodules": ["my-module.js"]}`,
		"my-module.js": "console.log('my-module');\n",
	})
	return "abc123", nil
}

func (m *mockGitClient) CurrentRef(ctx context.Context, dir string) (string, error) {
	return "", git.ErrNoRef
}

func (m *mockGitClient) checkedOut() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.refs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := config.Default()
	cfg.Repo.URL = "https://github.com/test/my-module.git"
	cfg.Paths.StateDir = filepath.Join(tmpDir, "state")
	cfg.Retry = config.RetryConfig{MaxAttempts: 1}
	cfg.Serve = config.ServeConfig{
		ListenAddr:              "127.0.0.1:0",
		GitHubWebhookSecretFile: secretPath,
		AllowedEventTypes:       []string{"push"},
		AllowedRefs:             []string{"refs/heads/main", "refs/tags/v*"},
	}

	return cfg, secret
}

func newTestServer(t *testing.T) (*Server, *mockGitClient, *dirstore.Store, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)

	store, err := dirstore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mockGit := &mockGitClient{t: t, fail: map[string]bool{}}

	server, err := NewServer(cfg, mockGit, store, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server, mockGit, store, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, event, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func TestNewServer(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
	if len(server.refs) != 2 {
		t.Errorf("expected 2 compiled ref patterns, got %d", len(server.refs))
	}
}

func TestNewServer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *config.Config)
	}{
		{"missing secret file", func(t *testing.T, cfg *config.Config) {
			cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"
		}},
		{"empty secret", func(t *testing.T, cfg *config.Config) {
			if err := os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("\n"), 0600); err != nil {
				t.Fatal(err)
			}
		}},
		{"invalid ref pattern", func(t *testing.T, cfg *config.Config) {
			cfg.Serve.AllowedRefs = []string{"refs/tags/[v"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := setupTestConfig(t)
			tt.mutate(t, cfg)
			if _, err := NewServer(cfg, &mockGitClient{t: t}, nil, testLogger()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	server, _, _, secret := newTestServer(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid signature", computeSignature(body, secret), true},
		{"invalid signature", "sha256=invalid", false},
		{"wrong secret", computeSignature(body, "other-secret"), false},
		{"missing prefix", computeSignature(body, secret)[len("sha256="):], false},
		{"empty signature", "", false},
		{"prefix only", "sha256=", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	if !server.isEventTypeAllowed("push") {
		t.Error("push should be allowed")
	}
	if server.isEventTypeAllowed("pull_request") {
		t.Error("pull_request should not be allowed")
	}

	// without a filter only push events release
	server.cfg.Serve.AllowedEventTypes = nil
	if !server.isEventTypeAllowed("push") || server.isEventTypeAllowed("release") {
		t.Error("default event filter should allow push only")
	}
}

func TestIsRefAllowed(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	tests := []struct {
		ref  string
		want bool
	}{
		{"refs/heads/main", true},
		{"refs/tags/v1.2.0", true},
		{"refs/tags/nightly", false},
		{"refs/heads/develop", false},
		{"refs/heads/main/extra", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := server.isRefAllowed(tt.ref); got != tt.want {
			t.Errorf("isRefAllowed(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}

	server.refs = nil
	if !server.isRefAllowed("refs/heads/anything") {
		t.Error("all refs should be allowed without a filter")
	}
}

func TestHandleWebhook(t *testing.T) {
	pushBody := []byte(`{"ref": "refs/tags/v1.0.0", "after": "abc123", "repository": {"full_name": "test/my-module"}}`)

	tests := []struct {
		name        string
		method      string
		contentType string
		event       string
		body        []byte
		badSig      bool
		wantStatus  int
		wantQueued  []string
	}{
		{
			name: "valid push", method: http.MethodPost, contentType: "application/json", event: "push",
			body: pushBody, wantStatus: http.StatusAccepted, wantQueued: []string{"refs/tags/v1.0.0"},
		},
		{
			name: "invalid method", method: http.MethodGet, contentType: "application/json", event: "push",
			body: pushBody, wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type", method: http.MethodPost, contentType: "text/plain", event: "push",
			body: pushBody, wantStatus: http.StatusBadRequest,
		},
		{
			name: "invalid signature", method: http.MethodPost, contentType: "application/json", event: "push",
			body: pushBody, badSig: true, wantStatus: http.StatusForbidden,
		},
		{
			name: "ping", method: http.MethodPost, contentType: "application/json", event: "ping",
			body: []byte(`{"zen": "Keep it logically awesome."}`), wantStatus: http.StatusOK,
		},
		{
			name: "disallowed event", method: http.MethodPost, contentType: "application/json", event: "issues",
			body: pushBody, wantStatus: http.StatusOK,
		},
		{
			name: "malformed payload", method: http.MethodPost, contentType: "application/json", event: "push",
			body: []byte(`{"ref": `), wantStatus: http.StatusBadRequest,
		},
		{
			name: "disallowed ref", method: http.MethodPost, contentType: "application/json", event: "push",
			body: []byte(`{"ref": "refs/heads/develop"}`), wantStatus: http.StatusOK,
		},
		{
			name: "deleted tag", method: http.MethodPost, contentType: "application/json", event: "push",
			body: []byte(`{"ref": "refs/tags/v1.0.0", "deleted": true}`), wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, secret := newTestServer(t)
			// keep the handler from starting a release in the background
			server.running = true

			sig := computeSignature(tt.body, secret)
			if tt.badSig {
				sig = computeSignature(tt.body, "wrong")
			}
			req := webhookRequest(tt.body, tt.event, sig)
			req.Method = tt.method
			req.Header.Set("Content-Type", tt.contentType)

			rec := httptest.NewRecorder()
			server.handleWebhook(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if diff := cmp.Diff(tt.wantQueued, server.pending); diff != "" {
				t.Errorf("pending refs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnqueue_DedupesByRef(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	queued, start := server.enqueue("refs/heads/main")
	if !queued || !start {
		t.Fatalf("first enqueue = (%v, %v), want (true, true)", queued, start)
	}

	queued, start = server.enqueue("refs/tags/v1.0.0")
	if !queued || start {
		t.Errorf("enqueue while running = (%v, %v), want (true, false)", queued, start)
	}

	queued, start = server.enqueue("refs/heads/main")
	if queued || start {
		t.Errorf("duplicate enqueue = (%v, %v), want (false, false)", queued, start)
	}

	if diff := cmp.Diff([]string{"refs/heads/main", "refs/tags/v1.0.0"}, server.pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_ReleasesQueuedRefs(t *testing.T) {
	server, mockGit, store, _ := newTestServer(t)
	mockGit.fail["refs/heads/broken"] = true

	for _, ref := range []string{"refs/heads/broken", "refs/tags/v1.0.0", "refs/heads/main"} {
		server.enqueue(ref)
	}
	server.drain(context.Background())

	if diff := cmp.Diff([]string{"refs/heads/broken", "refs/tags/v1.0.0", "refs/heads/main"}, mockGit.checkedOut()); diff != "" {
		t.Errorf("checkouts mismatch (-want +got):\n%s", diff)
	}
	if server.running || len(server.pending) != 0 {
		t.Errorf("queue not drained: running=%v pending=%v", server.running, server.pending)
	}

	tags, err := store.Releases()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"latest", "v1.0.0"}, tags); diff != "" {
		t.Errorf("releases mismatch (-want +got):\n%s", diff)
	}

	rec, err := store.FindRelease(context.Background(), "v1.0.0")
	if err != nil || rec == nil {
		t.Fatalf("release v1.0.0 missing: %v", err)
	}
	if _, ok := rec.Asset("module.zip"); !ok {
		t.Error("release v1.0.0 has no module.zip")
	}
}

func TestDrain_ConcurrentWebhooksAreSingleFlight(t *testing.T) {
	server, mockGit, _, secret := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := []byte(`{"ref": "refs/heads/main"}`)
			rec := httptest.NewRecorder()
			server.handleWebhook(rec, webhookRequest(body, "push", computeSignature(body, secret)))
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for {
		server.mu.Lock()
		idle := !server.running
		server.mu.Unlock()
		if idle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("releases did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// duplicates collapse while a release for the same ref is pending
	if n := len(mockGit.checkedOut()); n < 1 || n > 5 {
		t.Errorf("checkouts = %d, want between 1 and 5", n)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
