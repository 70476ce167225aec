// Package github implements the release store on top of the GitHub REST
// API (releases and release assets).
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// apiVersion pins the REST API version header
const apiVersion = "2022-11-28"

// DefaultBaseURL is the public GitHub API
const DefaultBaseURL = "https://api.github.com"

// maxResponseSize bounds JSON response bodies
const maxResponseSize = 8 << 20

// Config configures a Client
type Config struct {
	// BaseURL defaults to DefaultBaseURL. Must use HTTPS.
	BaseURL string
	Owner   string
	Repo    string
	Token   string

	// RequestsPerSecond paces API calls; zero disables pacing
	RequestsPerSecond float64

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a release store for one repository
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient validates cfg and creates a client
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", baseURL)
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github: no token configured")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    baseURL,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", c.owner, c.repo) + fmt.Sprintf(format, args...)
}

// request describes one API call
type request struct {
	method string
	// url is absolute, or a path relative to the base URL
	url         string
	jsonBody    any
	rawBody     []byte
	contentType string
}

// do sends req and decodes a JSON response into result (if non-nil).
// Non-2xx responses are returned as *APIError.
func (c *Client) do(ctx context.Context, req request, result any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := req.url
	if strings.HasPrefix(url, "/") {
		url = c.baseURL + url
	}

	var body io.Reader
	contentType := req.contentType
	switch {
	case req.jsonBody != nil:
		encoded, err := json.Marshal(req.jsonBody)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case req.rawBody != nil:
		body = bytes.NewReader(req.rawBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("X-GitHub-Api-Version", apiVersion)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.rawBody != nil {
		httpReq.ContentLength = int64(len(req.rawBody))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", req.method, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("github: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("github API error", "method", req.method, "url", url, "status", resp.StatusCode)
		return nil, parseAPIError(resp.StatusCode, resp.Header, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return nil, fmt.Errorf("github: decoding response: %w", err)
		}
	}
	return resp.Header, nil
}

// parseLinkNext extracts the rel="next" URL from a Link header
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		link := strings.TrimSpace(segments[0])
		if strings.HasPrefix(link, "<") && strings.HasSuffix(link, ">") {
			return link[1 : len(link)-1]
		}
	}
	return ""
}
