// internal/store/orgs.go
package store

import (
	"context"
	"fmt"

	"gh-ingestor/internal/model"
)

// UpsertOrgs bulk-upserts organizations keyed by external id.
func (s *Store) UpsertOrgs(ctx context.Context, orgs []model.Org) error {
	if len(orgs) == 0 {
		return nil
	}

	const width = 3
	args := make([]any, 0, len(orgs)*width)
	for _, o := range orgs {
		args = append(args, o.GithubID, o.Login, o.LastScrapedAt)
	}

	query := `
		INSERT INTO gh_orgs (gh_id, login, last_scraped_at)
		VALUES ` + placeholders(len(orgs), width) + `
		ON CONFLICT (gh_id) DO UPDATE SET
			login = EXCLUDED.login,
			last_scraped_at = EXCLUDED.last_scraped_at,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %d orgs: %w", len(orgs), err)
	}
	return nil
}

// OrgIDsByGithubID resolves external ids to internal primary keys.
func (s *Store) OrgIDsByGithubID(ctx context.Context, githubIDs []int64) (map[int64]int64, error) {
	if len(githubIDs) == 0 {
		return map[int64]int64{}, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT gh_id, id FROM gh_orgs WHERE gh_id = ANY($1)`, githubIDs)
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

// InsertUserOrgs records membership pairs. The pair is the primary key and
// conflicts are ignored, so re-inserting an existing membership is a no-op.
func (s *Store) InsertUserOrgs(ctx context.Context, links []model.UserOrg) error {
	if len(links) == 0 {
		return nil
	}

	const width = 2
	args := make([]any, 0, len(links)*width)
	for _, l := range links {
		args = append(args, l.UserID, l.OrgID)
	}

	query := `
		INSERT INTO gh_users_gh_orgs (gh_user_id, gh_org_id)
		VALUES ` + placeholders(len(links), width) + `
		ON CONFLICT DO NOTHING`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d org memberships: %w", len(links), err)
	}
	return nil
}
