// internal/model/models.go
package model

import (
	"time"
)

// Scope identifies one of GitHub's three independent rate-limit buckets.
type Scope string

const (
	ScopeCore    Scope = "core"
	ScopeSearch  Scope = "search"
	ScopeGraphQL Scope = "graphql"
)

// RateLimit is the per-scope remaining/reset pair stored on a credential.
// A zero ResetAt means the window has never been observed.
type RateLimit struct {
	Remaining int
	ResetAt   time.Time
}

// HasCapacity reports whether the budget window still has calls left, or has
// already rolled over even though the stored counter is stale. A bucket that
// has never been observed (no reset time recorded) counts as having capacity,
// so a freshly donated credential is usable before its first authoritative
// refresh writes real counters.
func (r RateLimit) HasCapacity(now time.Time) bool {
	if r.ResetAt.IsZero() {
		return true
	}
	return r.Remaining > 0 || r.ResetAt.Before(now)
}

// CredentialLimits groups the three buckets as returned by the upstream
// rate-limit status endpoint.
type CredentialLimits struct {
	Core    RateLimit
	Search  RateLimit
	GraphQL RateLimit
}

// Scope returns the bucket for the given scope.
func (l CredentialLimits) Scope(s Scope) RateLimit {
	switch s {
	case ScopeSearch:
		return l.Search
	case ScopeGraphQL:
		return l.GraphQL
	default:
		return l.Core
	}
}

// Credential is a donated GitHub token. Credentials are never deleted, only
// revoked; GithubID and Username are unique across active and revoked rows.
type Credential struct {
	ID         int64
	GithubID   int64
	Username   string
	Token      string
	Limits     CredentialLimits
	LastUsedAt *time.Time
	RevokedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// HasCapacity reports whether the credential can serve a call in the given
// scope right now.
func (c *Credential) HasCapacity(scope Scope, now time.Time) bool {
	if c.Revoked() {
		return false
	}
	return c.Limits.Scope(scope).HasCapacity(now)
}

// TrackedAccount is a username an operator asked the pipeline to crawl. It
// exists independently of whether upstream data has been fetched yet.
type TrackedAccount struct {
	ID              int64
	Username        string
	GithubID        *int64
	Tags            []string
	LastRequestedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// User is a GitHub user account. GithubID is the external key all upserts
// are keyed by.
type User struct {
	ID              int64
	GithubID        int64
	Login           string
	Name            *string
	Email           *string
	Bio             *string
	Location        *string
	Company         *string
	Blog            *string
	TwitterUsername *string
	AvatarURL       *string
	PublicRepos     int
	PublicGists     int
	Followers       int
	Following       int
	GithubCreatedAt *time.Time
	GithubUpdatedAt *time.Time
	LastScrapedAt   *time.Time
}

// Org is a GitHub organization. Users and orgs share the same external-id
// keyspace but live in distinct tables.
type Org struct {
	ID            int64
	GithubID      int64
	Login         string
	LastScrapedAt *time.Time
}

// Repository belongs to exactly one user or one org, never both and never
// neither. Forks are filtered out before persistence.
type Repository struct {
	ID               int64
	GithubID         int64
	Name             string
	UserID           *int64
	OrgID            *int64
	OwnerLogin       string
	Description      *string
	Homepage         *string
	Language         *string
	DefaultBranch    *string
	Stars            int
	Forks            int
	Watchers         int
	OpenIssues       int
	Size             int
	Archived         bool
	Topics           []string
	PushedAt         *time.Time
	GithubCreatedAt  *time.Time
	GithubUpdatedAt  *time.Time
	CommitsScrapedAt *time.Time
}

// Commit is keyed by its sha. Commits are insert-only: once created they are
// never updated except to gain new repository associations.
type Commit struct {
	SHA         string
	AuthorID    int64
	Message     string
	CommittedAt time.Time
}

// UserOrg links a user to an organization it belongs to.
type UserOrg struct {
	UserID int64
	OrgID  int64
}

// CommitRepo links a commit to one repository it appears in.
type CommitRepo struct {
	SHA    string
	RepoID int64
}
