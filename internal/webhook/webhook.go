// Package webhook accepts GitHub push webhooks and runs a release for the
// pushed ref.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/schaermu/vttrelease/internal/config"
	"github.com/schaermu/vttrelease/internal/git"
	"github.com/schaermu/vttrelease/internal/publish"
	"github.com/schaermu/vttrelease/internal/release"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`

	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	git    git.Client
	store  release.Store
	logger *slog.Logger
	secret []byte
	refs   []glob.Glob

	mu      sync.Mutex // guards running and pending
	running bool       // whether a release is in progress
	pending []string   // refs waiting for a release, without duplicates
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, gitClient git.Client, store release.Store, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file is empty")
	}

	refs := make([]glob.Glob, 0, len(cfg.Serve.AllowedRefs))
	for _, pattern := range cfg.Serve.AllowedRefs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed ref %q: %w", pattern, err)
		}
		refs = append(refs, g)
	}

	return &Server{
		cfg:    cfg,
		git:    gitClient,
		store:  store,
		logger: logger,
		secret: secret,
		refs:   refs,
	}, nil
}

// Handler returns the webhook HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Serve accepts webhooks on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if eventType == "ping" {
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		_, _ = fmt.Fprintf(w, "Event type not configured for release\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if event.Deleted {
		s.logger.Info("ignoring ref deletion", "ref", event.Ref)
		_, _ = fmt.Fprintf(w, "Ref deletion ignored\n")
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		_, _ = fmt.Fprintf(w, "Ref not configured for release\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	queued, start := s.enqueue(event.Ref)
	if start {
		go s.drain(context.Background())
	}

	w.WriteHeader(http.StatusAccepted)
	if queued {
		_, _ = fmt.Fprintf(w, "Release queued\n")
	} else {
		_, _ = fmt.Fprintf(w, "Release already queued\n")
	}
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return eventType == "push"
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isRefAllowed matches the ref against the allowed ref patterns
func (s *Server) isRefAllowed(ref string) bool {
	if ref == "" {
		return false
	}
	if len(s.refs) == 0 {
		return true
	}

	for _, g := range s.refs {
		if g.Match(ref) {
			return true
		}
	}
	return false
}

// enqueue adds ref to the pending queue unless it is already waiting.
// start is true when no release is running and the caller must drain.
func (s *Server) enqueue(ref string) (queued, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.pending {
		if p == ref {
			return false, false
		}
	}
	s.pending = append(s.pending, ref)

	if s.running {
		s.logger.Info("release in progress, queuing ref", "ref", ref, "pending", len(s.pending))
		return true, false
	}
	s.running = true
	return true, true
}

// drain releases pending refs one at a time until the queue is empty
func (s *Server) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		ref := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if err := s.release(ctx, ref); err != nil {
			s.logger.Error("release failed", "ref", ref, "error", err)
		}
	}
}

// release checks out ref and runs the release pipeline on it
func (s *Server) release(ctx context.Context, ref string) error {
	s.logger.Info("checking out repository", "ref", ref, "dest", s.cfg.RepoDir())
	commit, err := s.git.EnsureCheckout(ctx, s.cfg.Repo.URL, ref, s.cfg.RepoDir())
	if err != nil {
		return fmt.Errorf("failed to checkout repository: %w", err)
	}
	s.logger.Info("repository checked out", "commit", commit)

	cfg := *s.cfg
	cfg.Paths.Root = s.cfg.RepoDir()

	trig := publish.TriggerFromRef(&cfg, ref)
	trig.Commit = commit

	report, err := publish.NewEngine(&cfg, s.store, s.logger, false).Run(ctx, trig)
	if err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("one or more channels failed")
	}
	return nil
}
