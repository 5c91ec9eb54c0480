// internal/gh/client.go
package gh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"gh-ingestor/internal/model"
)

const (
	acceptHeader = "application/vnd.github+json"

	// Upstream error bodies are kept for diagnostics but capped so a bad
	// response cannot balloon log lines.
	maxErrorBody = 4 << 10
)

// Client is a thin wrapper that executes one authenticated call against the
// GitHub REST API and classifies non-2xx responses. It holds no credential
// of its own; the broker passes one in per call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client pointed at the given API base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Get executes a single GET with the given credential and returns the raw
// JSON body. Non-2xx responses are mapped to the error taxonomy, with one
// exception: GitHub answers 409 for the commit list of an empty repository,
// which callers want to see as an empty collection rather than a failure.
func (c *Client) Get(ctx context.Context, cred *model.Credential, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.authClient(ctx, cred).Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response for %s: %w", path, err)
		}
		return body, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusConflict && strings.Contains(path, "/commits") {
		c.logger.Debug("empty repository, treating as no commits", "path", path)
		return json.RawMessage("[]"), nil
	}

	return nil, classify(resp.StatusCode, body, path)
}

// RateLimits reads the authoritative per-scope budgets for the credential
// from the side-channel rate-limit endpoint. The call itself costs no budget.
func (c *Client) RateLimits(ctx context.Context, cred *model.Credential) (model.CredentialLimits, error) {
	body, err := c.Get(ctx, cred, "rate_limit", nil)
	if err != nil {
		return model.CredentialLimits{}, err
	}

	var raw struct {
		Resources struct {
			Core    rateLimitEntry `json:"core"`
			Search  rateLimitEntry `json:"search"`
			GraphQL rateLimitEntry `json:"graphql"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.CredentialLimits{}, fmt.Errorf("decoding rate limits: %w", err)
	}

	return model.CredentialLimits{
		Core:    raw.Resources.Core.toModel(),
		Search:  raw.Resources.Search.toModel(),
		GraphQL: raw.Resources.GraphQL.toModel(),
	}, nil
}

type rateLimitEntry struct {
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
}

func (e rateLimitEntry) toModel() model.RateLimit {
	rl := model.RateLimit{Remaining: e.Remaining}
	if e.Reset > 0 {
		rl.ResetAt = time.Unix(e.Reset, 0)
	}
	return rl
}

// authClient wraps the shared transport with the credential's token.
func (c *Client) authClient(ctx context.Context, cred *model.Credential) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.Token})
	return oauth2.NewClient(ctx, ts)
}

func classify(status int, body []byte, path string) error {
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case http.StatusUnauthorized:
		return ErrCredentialInvalid
	case http.StatusForbidden:
		if bytes.Contains(bytes.ToLower(body), []byte("rate limit")) {
			return fmt.Errorf("%w: %s", ErrRateLimited, path)
		}
	case http.StatusUnavailableForLegalReasons:
		return fmt.Errorf("%w: %s", ErrTakedown, path)
	}
	return &UpstreamError{Status: status, Body: string(body)}
}
