// internal/store/tracked.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"gh-ingestor/internal/model"
)

const trackedColumns = `id, username, gh_id, tags, last_requested_at, created_at, updated_at`

// GetTrackedAccount returns the tracked account for a username, or nil if
// the username is not tracked.
func (s *Store) GetTrackedAccount(ctx context.Context, username string) (*model.TrackedAccount, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+trackedColumns+` FROM tracked_accounts WHERE username = $1`, username)

	var ta model.TrackedAccount
	err := row.Scan(&ta.ID, &ta.Username, &ta.GithubID, &ta.Tags, &ta.LastRequestedAt, &ta.CreatedAt, &ta.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ta, nil
}

// CreateTrackedAccount registers a username for crawling.
func (s *Store) CreateTrackedAccount(ctx context.Context, username string, githubID *int64, tags []string, requestedAt time.Time) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tracked_accounts (username, gh_id, tags, last_requested_at)
		VALUES ($1, $2, $3, $4)`,
		username, githubID, tags, requestedAt)
	return err
}

// UpdateTrackedAccountTags replaces the tag set; callers merge beforehand.
func (s *Store) UpdateTrackedAccountTags(ctx context.Context, id int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Exec(ctx,
		`UPDATE tracked_accounts SET tags = $2, updated_at = now() WHERE id = $1`,
		id, tags)
	return err
}

// ListTrackedAccounts returns the tracked accounts for the given usernames,
// or all of them when usernames is empty.
func (s *Store) ListTrackedAccounts(ctx context.Context, usernames []string) ([]model.TrackedAccount, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(usernames) == 0 {
		rows, err = s.db.Query(ctx,
			`SELECT `+trackedColumns+` FROM tracked_accounts ORDER BY username`)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+trackedColumns+` FROM tracked_accounts WHERE username = ANY($1) ORDER BY username`,
			usernames)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrackedAccount
	for rows.Next() {
		var ta model.TrackedAccount
		if err := rows.Scan(&ta.ID, &ta.Username, &ta.GithubID, &ta.Tags, &ta.LastRequestedAt, &ta.CreatedAt, &ta.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ta)
	}
	return out, rows.Err()
}

// MarkTrackedAccountsRequested bumps last_requested_at for the given
// usernames, or for every tracked account when usernames is empty.
func (s *Store) MarkTrackedAccountsRequested(ctx context.Context, usernames []string, at time.Time) error {
	var err error
	if len(usernames) == 0 {
		_, err = s.db.Exec(ctx,
			`UPDATE tracked_accounts SET last_requested_at = $1, updated_at = now()`, at)
	} else {
		_, err = s.db.Exec(ctx,
			`UPDATE tracked_accounts SET last_requested_at = $1, updated_at = now() WHERE username = ANY($2)`,
			at, usernames)
	}
	return err
}

// LinkTrackedAccount records the resolved external id for a tracked
// username once stage 1 has seen the profile.
func (s *Store) LinkTrackedAccount(ctx context.Context, id int64, githubID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tracked_accounts SET gh_id = $2, updated_at = now() WHERE id = $1 AND gh_id IS NULL`,
		id, githubID)
	return err
}
