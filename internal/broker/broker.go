// internal/broker/broker.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gh-ingestor/internal/gh"
	"gh-ingestor/internal/model"
)

// maxCredentialRetries bounds how many distinct credentials one call may
// burn through when the upstream keeps rejecting them.
const maxCredentialRetries = 3

// CredentialStore is the persistence surface the broker needs. Implemented
// by internal/store.
type CredentialStore interface {
	ListActiveCredentials(ctx context.Context) ([]model.Credential, error)
	TouchCredential(ctx context.Context, id int64, usedAt time.Time) error
	UpdateCredentialLimits(ctx context.Context, id int64, limits model.CredentialLimits) error
	RevokeCredential(ctx context.Context, id int64, revokedAt time.Time) error
}

// LimitsFetcher reads the authoritative rate-limit counters for a
// credential from the upstream side channel.
type LimitsFetcher interface {
	RateLimits(ctx context.Context, cred *model.Credential) (model.CredentialLimits, error)
}

// Broker owns the shared credential pool. It picks the credential with the
// most spare budget for a scope, serializes use of any one credential, and
// permanently retires credentials the upstream reports as invalid.
type Broker struct {
	store  CredentialStore
	limits LimitsFetcher
	logger *slog.Logger
	now    func() time.Time

	// one mutex per credential id; locking is per-credential, never global
	locks sync.Map
}

func New(store CredentialStore, limits LimitsFetcher, logger *slog.Logger) *Broker {
	return &Broker{
		store:  store,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// Select returns the best credential with capacity for scope: highest
// remaining budget first, least-recently-used on ties so idle credentials
// are not starved. A credential whose reset time has passed counts as
// having capacity even if its stored counter reads zero, as does one whose
// limits have never been observed.
func (b *Broker) Select(ctx context.Context, scope model.Scope) (*model.Credential, error) {
	creds, err := b.store.ListActiveCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	now := b.now()
	eligible := creds[:0]
	for _, c := range creds {
		if c.HasCapacity(scope, now) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, gh.ErrNoCredentials
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri := eligible[i].Limits.Scope(scope).Remaining
		rj := eligible[j].Limits.Scope(scope).Remaining
		if ri != rj {
			return ri > rj
		}
		// never-used credentials sort before any used one
		ui, uj := eligible[i].LastUsedAt, eligible[j].LastUsedAt
		switch {
		case ui == nil:
			return uj != nil
		case uj == nil:
			return false
		default:
			return ui.Before(*uj)
		}
	})

	cred := eligible[0]
	return &cred, nil
}

// With runs fn with a selected credential inside that credential's
// exclusive section, then re-reads the authoritative limits and persists
// them regardless of how fn fared. The local counters are predictions; the
// refresh corrects drift from external use of the same credential. An
// invalid-credential failure revokes the credential and retries with a
// fresh one, up to maxCredentialRetries distinct credentials.
func (b *Broker) With(ctx context.Context, scope model.Scope, fn func(*model.Credential) (json.RawMessage, error)) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxCredentialRetries; attempt++ {
		cred, err := b.Select(ctx, scope)
		if err != nil {
			return nil, err
		}

		res, err := b.use(ctx, cred, fn)
		if errors.Is(err, gh.ErrCredentialInvalid) {
			b.logger.Warn("credential rejected by upstream, revoking",
				"credential", cred.Username, "attempt", attempt+1)
			if rerr := b.Revoke(ctx, cred); rerr != nil {
				b.logger.Error("failed to revoke credential", "credential", cred.Username, "error", rerr)
			}
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("gave up after %d revoked credentials: %w", maxCredentialRetries, lastErr)
}

// Revoke permanently excludes the credential from selection.
func (b *Broker) Revoke(ctx context.Context, cred *model.Credential) error {
	now := b.now()
	if err := b.store.RevokeCredential(ctx, cred.ID, now); err != nil {
		return err
	}
	cred.RevokedAt = &now
	return nil
}

func (b *Broker) use(ctx context.Context, cred *model.Credential, fn func(*model.Credential) (json.RawMessage, error)) (json.RawMessage, error) {
	mu := b.lockFor(cred.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := b.store.TouchCredential(ctx, cred.ID, b.now()); err != nil {
		b.logger.Warn("failed to record credential use", "credential", cred.Username, "error", err)
	}

	res, callErr := fn(cred)

	limits, err := b.limits.RateLimits(ctx, cred)
	if err != nil {
		b.logger.Warn("failed to refresh credential limits", "credential", cred.Username, "error", err)
	} else if err := b.store.UpdateCredentialLimits(ctx, cred.ID, limits); err != nil {
		b.logger.Warn("failed to persist credential limits", "credential", cred.Username, "error", err)
	}

	return res, callErr
}

func (b *Broker) lockFor(id int64) *sync.Mutex {
	mu, _ := b.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
