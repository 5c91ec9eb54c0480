// internal/pipeline/tracker_test.go
package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/model"
)

func orgAccountJSON(id int64, login string) json.RawMessage {
	body, _ := json.Marshal(map[string]any{"id": id, "login": login, "type": "Organization"})
	return body
}

func TestPipeline_AddTrackedAccounts(t *testing.T) {
	ctx := context.Background()

	t.Run("adds an unknown username after resolving it upstream", func(t *testing.T) {
		store := new(MockStore)
		gateway := &fakeGateway{
			responses: map[string]json.RawMessage{"users/alice": accountJSON(11, "alice")},
			errs:      map[string]error{},
		}
		p := newTestPipeline(store, gateway, &recordingScheduler{})

		ghID := int64(11)
		store.On("GetTrackedAccount", ctx, "alice").Return(nil, nil).Once()
		store.On("CreateTrackedAccount", ctx, "alice", &ghID, []string{"cohort-a"}, testNow).Return(nil).Once()

		res, err := p.AddTrackedAccounts(ctx, []string{"alice"}, []string{"cohort-a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, res.Added)
		assert.Empty(t, res.Errors)
		store.AssertExpectations(t)
	})

	t.Run("merges tags into an existing account without refetching", func(t *testing.T) {
		store := new(MockStore)
		gateway := &fakeGateway{errs: map[string]error{}}
		p := newTestPipeline(store, gateway, &recordingScheduler{})

		existing := &model.TrackedAccount{ID: 7, Username: "alice", Tags: []string{"cohort-a"}}
		store.On("GetTrackedAccount", ctx, "alice").Return(existing, nil).Once()
		store.On("UpdateTrackedAccountTags", ctx, int64(7), []string{"cohort-a", "cohort-b"}).Return(nil).Once()

		res, err := p.AddTrackedAccounts(ctx, []string{"alice"}, []string{"cohort-b", "cohort-a", ""})
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, res.Updated)
		store.AssertExpectations(t)
	})

	t.Run("skips organizations", func(t *testing.T) {
		store := new(MockStore)
		gateway := &fakeGateway{
			responses: map[string]json.RawMessage{"users/acme": orgAccountJSON(42, "acme")},
			errs:      map[string]error{},
		}
		p := newTestPipeline(store, gateway, &recordingScheduler{})

		store.On("GetTrackedAccount", ctx, "acme").Return(nil, nil).Once()

		res, err := p.AddTrackedAccounts(ctx, []string{"acme"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme"}, res.SkippedOrgs)
		store.AssertNotCalled(t, "CreateTrackedAccount", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reports per-username failures without aborting the rest", func(t *testing.T) {
		store := new(MockStore)
		gateway := &fakeGateway{
			responses: map[string]json.RawMessage{"users/alice": accountJSON(11, "alice")},
			errs: map[string]error{
				"users/ghost":   gh.ErrNotFound,
				"users/limited": gh.ErrRateLimited,
				"users/starved": gh.ErrNoCredentials,
			},
		}
		p := newTestPipeline(store, gateway, &recordingScheduler{})

		store.On("GetTrackedAccount", ctx, mock.Anything).Return(nil, nil)
		store.On("CreateTrackedAccount", ctx, "alice", mock.Anything, mock.Anything, testNow).Return(nil).Once()

		res, err := p.AddTrackedAccounts(ctx, []string{"ghost", "limited", "starved", "alice"}, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, res.Added)
		assert.Equal(t, []string{
			"ghost - user not found",
			"limited - rate limit exceeded, try again later",
			"starved - no available credentials",
		}, res.Errors)
	})
}

func TestPipeline_RequestRescrape(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	p := newTestPipeline(store, &fakeGateway{}, &recordingScheduler{})

	store.On("MarkTrackedAccountsRequested", ctx, []string{"alice"}, testNow).Return(nil).Once()
	require.NoError(t, p.RequestRescrape(ctx, []string{"alice"}))
	store.AssertExpectations(t)
}
