// internal/gh/client_test.go
package gh

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gh-ingestor/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCredential() *model.Credential {
	return &model.Credential{ID: 1, Username: "tester", Token: "test-token"}
}

func setupTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, testLogger()), server
}

func TestClient_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the raw body and sends the bearer token", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/users/foo", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"id": 1, "login": "foo"}`))
		}))

		body, err := client.Get(ctx, testCredential(), "users/foo", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id": 1, "login": "foo"}`, string(body))
	})

	t.Run("encodes query parameters", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "100", r.URL.Query().Get("per_page"))
			_, _ = w.Write([]byte(`[]`))
		}))

		params := url.Values{}
		params.Set("page", "2")
		params.Set("per_page", "100")
		_, err := client.Get(ctx, testCredential(), "users/foo/repos", params)
		require.NoError(t, err)
	})

	t.Run("404 maps to ErrNotFound", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
		}))

		_, err := client.Get(ctx, testCredential(), "users/ghost", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("401 maps to ErrCredentialInvalid", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Bad credentials"}`, http.StatusUnauthorized)
		}))

		_, err := client.Get(ctx, testCredential(), "users/foo", nil)
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("403 mentioning rate limiting maps to ErrRateLimited", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "API rate limit exceeded"}`, http.StatusForbidden)
		}))

		_, err := client.Get(ctx, testCredential(), "users/foo", nil)
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("other 403s stay generic", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Resource protected"}`, http.StatusForbidden)
		}))

		_, err := client.Get(ctx, testCredential(), "users/foo", nil)
		var ue *UpstreamError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, http.StatusForbidden, ue.Status)
	})

	t.Run("409 on a commits path is an empty list", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Git Repository is empty."}`, http.StatusConflict)
		}))

		body, err := client.Get(ctx, testCredential(), "repos/foo/bar/commits", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(body))
	})

	t.Run("409 elsewhere is a generic upstream error", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Conflict"}`, http.StatusConflict)
		}))

		_, err := client.Get(ctx, testCredential(), "repos/foo/bar", nil)
		var ue *UpstreamError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, http.StatusConflict, ue.Status)
	})

	t.Run("451 maps to ErrTakedown", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message": "Repository access blocked"}`, http.StatusUnavailableForLegalReasons)
		}))

		_, err := client.Get(ctx, testCredential(), "repos/foo/bar", nil)
		assert.ErrorIs(t, err, ErrTakedown)
	})

	t.Run("unexpected statuses carry status and body", func(t *testing.T) {
		client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "oops", http.StatusBadGateway)
		}))

		_, err := client.Get(ctx, testCredential(), "users/foo", nil)
		var ue *UpstreamError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, http.StatusBadGateway, ue.Status)
		assert.Contains(t, ue.Body, "oops")
	})
}

func TestClient_RateLimits(t *testing.T) {
	reset := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"resources": {
				"core":    {"limit": 5000, "remaining": 4999, "reset": 1748782800},
				"search":  {"limit": 30, "remaining": 18, "reset": 1748782800},
				"graphql": {"limit": 5000, "remaining": 5000, "reset": 1748782800}
			}
		}`))
	}))

	limits, err := client.RateLimits(context.Background(), testCredential())
	require.NoError(t, err)
	assert.Equal(t, 4999, limits.Core.Remaining)
	assert.Equal(t, 18, limits.Search.Remaining)
	assert.Equal(t, 5000, limits.GraphQL.Remaining)
	assert.True(t, limits.Core.ResetAt.Equal(reset))
}
