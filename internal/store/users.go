// internal/store/users.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gh-ingestor/internal/model"
)

// UpsertUsers bulk-upserts full user profiles keyed by external id. The
// second upsert of the same gh_id updates mutable fields and keeps the row.
func (s *Store) UpsertUsers(ctx context.Context, users []model.User) error {
	if len(users) == 0 {
		return nil
	}

	const width = 17
	args := make([]any, 0, len(users)*width)
	for _, u := range users {
		args = append(args,
			u.GithubID, u.Login, u.Name, u.Email, u.Bio, u.Location, u.Company,
			u.Blog, u.TwitterUsername, u.AvatarURL,
			u.PublicRepos, u.PublicGists, u.Followers, u.Following,
			u.GithubCreatedAt, u.GithubUpdatedAt, u.LastScrapedAt,
		)
	}

	query := `
		INSERT INTO gh_users (gh_id, login, name, email, bio, location, company,
			blog, twitter_username, avatar_url,
			public_repos, public_gists, followers, following,
			gh_created_at, gh_updated_at, last_scraped_at)
		VALUES ` + placeholders(len(users), width) + `
		ON CONFLICT (gh_id) DO UPDATE SET
			login = EXCLUDED.login,
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			bio = EXCLUDED.bio,
			location = EXCLUDED.location,
			company = EXCLUDED.company,
			blog = EXCLUDED.blog,
			twitter_username = EXCLUDED.twitter_username,
			avatar_url = EXCLUDED.avatar_url,
			public_repos = EXCLUDED.public_repos,
			public_gists = EXCLUDED.public_gists,
			followers = EXCLUDED.followers,
			following = EXCLUDED.following,
			gh_created_at = EXCLUDED.gh_created_at,
			gh_updated_at = EXCLUDED.gh_updated_at,
			last_scraped_at = EXCLUDED.last_scraped_at,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %d users: %w", len(users), err)
	}
	return nil
}

// UpsertAuthors upserts the minimal (gh_id, login) rows the commit stage
// discovers, without clobbering profile fields an earlier full scrape wrote.
func (s *Store) UpsertAuthors(ctx context.Context, authors []model.User) error {
	if len(authors) == 0 {
		return nil
	}

	const width = 2
	args := make([]any, 0, len(authors)*width)
	for _, a := range authors {
		args = append(args, a.GithubID, a.Login)
	}

	query := `
		INSERT INTO gh_users (gh_id, login)
		VALUES ` + placeholders(len(authors), width) + `
		ON CONFLICT (gh_id) DO UPDATE SET
			login = EXCLUDED.login,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %d authors: %w", len(authors), err)
	}
	return nil
}

// UserIDsByGithubID resolves external ids to internal primary keys.
func (s *Store) UserIDsByGithubID(ctx context.Context, githubIDs []int64) (map[int64]int64, error) {
	if len(githubIDs) == 0 {
		return map[int64]int64{}, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT gh_id, id FROM gh_users WHERE gh_id = ANY($1)`, githubIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]int64, len(githubIDs))
	for rows.Next() {
		var ghID, id int64
		if err := rows.Scan(&ghID, &id); err != nil {
			return nil, err
		}
		ids[ghID] = id
	}
	return ids, rows.Err()
}

// TrackedUserIDByLogin finds the internal user id for a login, but only if
// the account is tracked. Lookup is case-insensitive.
func (s *Store) TrackedUserIDByLogin(ctx context.Context, login string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		SELECT u.id
		FROM gh_users u
		JOIN tracked_accounts t ON t.gh_id = u.gh_id
		WHERE LOWER(u.login) = LOWER($1)`,
		login,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
