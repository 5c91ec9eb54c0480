// internal/broker/broker_test.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/model"
)

// MockCredentialStore is a mock of the CredentialStore interface.
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Credential), args.Error(1)
}

func (m *MockCredentialStore) TouchCredential(ctx context.Context, id int64, usedAt time.Time) error {
	args := m.Called(ctx, id, usedAt)
	return args.Error(0)
}

func (m *MockCredentialStore) UpdateCredentialLimits(ctx context.Context, id int64, limits model.CredentialLimits) error {
	args := m.Called(ctx, id, limits)
	return args.Error(0)
}

func (m *MockCredentialStore) RevokeCredential(ctx context.Context, id int64, revokedAt time.Time) error {
	args := m.Called(ctx, id, revokedAt)
	return args.Error(0)
}

// MockLimitsFetcher is a mock of the LimitsFetcher interface.
type MockLimitsFetcher struct {
	mock.Mock
}

func (m *MockLimitsFetcher) RateLimits(ctx context.Context, cred *model.Credential) (model.CredentialLimits, error) {
	args := m.Called(ctx, cred)
	return args.Get(0).(model.CredentialLimits), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBroker(store *MockCredentialStore, limits *MockLimitsFetcher, now time.Time) *Broker {
	b := New(store, limits, testLogger())
	b.now = func() time.Time { return now }
	return b
}

func cred(id int64, username string, coreRemaining int, coreReset time.Time) model.Credential {
	return model.Credential{
		ID:       id,
		GithubID: id,
		Username: username,
		Token:    "tok-" + username,
		Limits: model.CredentialLimits{
			Core: model.RateLimit{Remaining: coreRemaining, ResetAt: coreReset},
		},
	}
}

func TestBroker_Select(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("prefers the credential with the most remaining budget", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		a := cred(1, "a", 0, now.Add(time.Hour)) // exhausted, window still open
		bb := cred(2, "b", 50, now.Add(time.Hour))
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a, bb}, nil).Once()

		got, err := b.Select(ctx, model.ScopeCore)
		require.NoError(t, err)
		assert.Equal(t, "b", got.Username)
		store.AssertExpectations(t)
	})

	t.Run("a freshly donated credential with no observed limits is selectable", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		// exactly what CreateCredential leaves behind: zero counters, no resets
		fresh := model.Credential{ID: 3, GithubID: 3, Username: "fresh", Token: "tok-fresh"}
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{fresh}, nil).Once()

		got, err := b.Select(ctx, model.ScopeCore)
		require.NoError(t, err)
		assert.Equal(t, "fresh", got.Username)
	})

	t.Run("a passed reset window counts as capacity", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		a := cred(1, "a", 0, now.Add(-time.Minute)) // counter stale, window rolled over
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a}, nil).Once()

		got, err := b.Select(ctx, model.ScopeCore)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Username)
	})

	t.Run("ties break toward the least recently used credential", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		recent := now.Add(-time.Minute)
		old := now.Add(-time.Hour)
		a := cred(1, "a", 50, now.Add(time.Hour))
		a.LastUsedAt = &recent
		bb := cred(2, "b", 50, now.Add(time.Hour))
		bb.LastUsedAt = &old
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a, bb}, nil).Once()

		got, err := b.Select(ctx, model.ScopeCore)
		require.NoError(t, err)
		assert.Equal(t, "b", got.Username)
	})

	t.Run("a never-used credential wins a tie", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		used := now.Add(-time.Hour)
		a := cred(1, "a", 50, now.Add(time.Hour))
		a.LastUsedAt = &used
		bb := cred(2, "b", 50, now.Add(time.Hour))
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a, bb}, nil).Once()

		got, err := b.Select(ctx, model.ScopeCore)
		require.NoError(t, err)
		assert.Equal(t, "b", got.Username)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		a := cred(1, "a", 0, now.Add(time.Hour))
		a.Limits.Search = model.RateLimit{Remaining: 30, ResetAt: now.Add(time.Hour)}
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a}, nil).Twice()

		_, err := b.Select(ctx, model.ScopeCore)
		assert.ErrorIs(t, err, gh.ErrNoCredentials)

		got, err := b.Select(ctx, model.ScopeSearch)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Username)
	})

	t.Run("returns ErrNoCredentials when nothing qualifies", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		a := cred(1, "a", 0, now.Add(time.Hour))
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a}, nil).Once()

		_, err := b.Select(ctx, model.ScopeCore)
		assert.ErrorIs(t, err, gh.ErrNoCredentials)
	})
}

func TestBroker_With(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	freshLimits := model.CredentialLimits{Core: model.RateLimit{Remaining: 4999, ResetAt: now.Add(time.Hour)}}

	t.Run("runs the call and refreshes authoritative limits", func(t *testing.T) {
		store := new(MockCredentialStore)
		limits := new(MockLimitsFetcher)
		b := newTestBroker(store, limits, now)

		a := cred(1, "a", 100, now.Add(time.Hour))
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a}, nil).Once()
		store.On("TouchCredential", ctx, int64(1), now).Return(nil).Once()
		limits.On("RateLimits", ctx, mock.Anything).Return(freshLimits, nil).Once()
		store.On("UpdateCredentialLimits", ctx, int64(1), freshLimits).Return(nil).Once()

		res, err := b.With(ctx, model.ScopeCore, func(c *model.Credential) (json.RawMessage, error) {
			assert.Equal(t, "a", c.Username)
			return json.RawMessage(`{"ok":true}`), nil
		})

		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(res))
		store.AssertExpectations(t)
		limits.AssertExpectations(t)
	})

	t.Run("limits are refreshed even when the call fails", func(t *testing.T) {
		store := new(MockCredentialStore)
		limits := new(MockLimitsFetcher)
		b := newTestBroker(store, limits, now)

		a := cred(1, "a", 100, now.Add(time.Hour))
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{a}, nil).Once()
		store.On("TouchCredential", ctx, int64(1), now).Return(nil).Once()
		limits.On("RateLimits", ctx, mock.Anything).Return(freshLimits, nil).Once()
		store.On("UpdateCredentialLimits", ctx, int64(1), freshLimits).Return(nil).Once()

		callErr := errors.New("boom")
		_, err := b.With(ctx, model.ScopeCore, func(*model.Credential) (json.RawMessage, error) {
			return nil, callErr
		})

		assert.ErrorIs(t, err, callErr)
		limits.AssertExpectations(t)
		store.AssertExpectations(t)
	})

	t.Run("revokes on invalid credential and retries with the next one", func(t *testing.T) {
		store := new(MockCredentialStore)
		limits := new(MockLimitsFetcher)
		b := newTestBroker(store, limits, now)

		bad := cred(1, "bad", 100, now.Add(time.Hour))
		good := cred(2, "good", 50, now.Add(time.Hour))

		store.On("ListActiveCredentials", ctx).Return([]model.Credential{bad, good}, nil).Once()
		store.On("ListActiveCredentials", ctx).Return([]model.Credential{good}, nil).Once()
		store.On("TouchCredential", ctx, mock.Anything, now).Return(nil)
		limits.On("RateLimits", ctx, mock.Anything).Return(model.CredentialLimits{}, errors.New("unauthorized")).Once()
		limits.On("RateLimits", ctx, mock.Anything).Return(freshLimits, nil).Once()
		store.On("UpdateCredentialLimits", ctx, int64(2), freshLimits).Return(nil).Once()
		store.On("RevokeCredential", ctx, int64(1), now).Return(nil).Once()

		res, err := b.With(ctx, model.ScopeCore, func(c *model.Credential) (json.RawMessage, error) {
			if c.Username == "bad" {
				return nil, gh.ErrCredentialInvalid
			}
			return json.RawMessage(`[]`), nil
		})

		require.NoError(t, err)
		assert.Equal(t, `[]`, string(res))
		store.AssertCalled(t, "RevokeCredential", ctx, int64(1), now)
	})

	t.Run("gives up after the retry ceiling", func(t *testing.T) {
		store := new(MockCredentialStore)
		limits := new(MockLimitsFetcher)
		b := newTestBroker(store, limits, now)

		pool := []model.Credential{
			cred(1, "a", 100, now.Add(time.Hour)),
			cred(2, "b", 90, now.Add(time.Hour)),
			cred(3, "c", 80, now.Add(time.Hour)),
			cred(4, "d", 70, now.Add(time.Hour)),
		}
		store.On("ListActiveCredentials", ctx).Return(pool, nil)
		store.On("TouchCredential", ctx, mock.Anything, now).Return(nil)
		limits.On("RateLimits", ctx, mock.Anything).Return(model.CredentialLimits{}, errors.New("unauthorized"))
		store.On("RevokeCredential", ctx, mock.Anything, now).Return(nil)

		calls := 0
		_, err := b.With(ctx, model.ScopeCore, func(*model.Credential) (json.RawMessage, error) {
			calls++
			return nil, gh.ErrCredentialInvalid
		})

		assert.ErrorIs(t, err, gh.ErrCredentialInvalid)
		assert.Equal(t, maxCredentialRetries, calls)
	})

	t.Run("surfaces ErrNoCredentials without calling fn", func(t *testing.T) {
		store := new(MockCredentialStore)
		b := newTestBroker(store, new(MockLimitsFetcher), now)

		store.On("ListActiveCredentials", ctx).Return([]model.Credential{}, nil).Once()

		called := false
		_, err := b.With(ctx, model.ScopeCore, func(*model.Credential) (json.RawMessage, error) {
			called = true
			return nil, nil
		})

		assert.ErrorIs(t, err, gh.ErrNoCredentials)
		assert.False(t, called)
	})
}

func TestBroker_Revoke(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store := new(MockCredentialStore)
	b := newTestBroker(store, new(MockLimitsFetcher), now)

	c := cred(1, "a", 100, now.Add(time.Hour))
	store.On("RevokeCredential", ctx, int64(1), now).Return(nil).Once()

	require.NoError(t, b.Revoke(ctx, &c))
	assert.True(t, c.Revoked())
	store.AssertExpectations(t)
}
