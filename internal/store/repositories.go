// internal/store/repositories.go
package store

import (
	"context"
	"fmt"
	"time"

	"gh-ingestor/internal/model"
)

// UpsertRepositories bulk-upserts repositories keyed by external id. The
// owner reference (user XOR org) is enforced by a table constraint;
// commits_scraped_at is pipeline-owned and deliberately left alone here.
func (s *Store) UpsertRepositories(ctx context.Context, repos []model.Repository) error {
	if len(repos) == 0 {
		return nil
	}

	const width = 18
	args := make([]any, 0, len(repos)*width)
	for _, r := range repos {
		topics := r.Topics
		if topics == nil {
			topics = []string{}
		}
		args = append(args,
			r.GithubID, r.Name, r.UserID, r.OrgID,
			r.Description, r.Homepage, r.Language, r.DefaultBranch,
			r.Stars, r.Forks, r.Watchers, r.OpenIssues, r.Size,
			r.Archived, topics, r.PushedAt, r.GithubCreatedAt, r.GithubUpdatedAt,
		)
	}

	query := `
		INSERT INTO gh_repos (gh_id, name, gh_user_id, gh_org_id,
			description, homepage, language, default_branch,
			stargazers_count, forks_count, watchers_count, open_issues_count, size,
			archived, topics, pushed_at, gh_created_at, gh_updated_at)
		VALUES ` + placeholders(len(repos), width) + `
		ON CONFLICT (gh_id) DO UPDATE SET
			name = EXCLUDED.name,
			gh_user_id = EXCLUDED.gh_user_id,
			gh_org_id = EXCLUDED.gh_org_id,
			description = EXCLUDED.description,
			homepage = EXCLUDED.homepage,
			language = EXCLUDED.language,
			default_branch = EXCLUDED.default_branch,
			stargazers_count = EXCLUDED.stargazers_count,
			forks_count = EXCLUDED.forks_count,
			watchers_count = EXCLUDED.watchers_count,
			open_issues_count = EXCLUDED.open_issues_count,
			size = EXCLUDED.size,
			archived = EXCLUDED.archived,
			topics = EXCLUDED.topics,
			pushed_at = EXCLUDED.pushed_at,
			gh_created_at = EXCLUDED.gh_created_at,
			gh_updated_at = EXCLUDED.gh_updated_at,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %d repositories: %w", len(repos), err)
	}
	return nil
}

// ListRepositoriesForCommitScrape returns every repository whose commits
// have never been scraped or were last scraped before cutoff. OwnerLogin is
// resolved through the owning user or org.
func (s *Store) ListRepositoriesForCommitScrape(ctx context.Context, cutoff time.Time) ([]model.Repository, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.gh_id, r.name, r.gh_user_id, r.gh_org_id,
			COALESCE(u.login, o.login), r.commits_scraped_at
		FROM gh_repos r
		LEFT JOIN gh_users u ON u.id = r.gh_user_id
		LEFT JOIN gh_orgs o ON o.id = r.gh_org_id
		WHERE r.commits_scraped_at IS NULL OR r.commits_scraped_at < $1
		ORDER BY r.id`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		var r model.Repository
		if err := rows.Scan(&r.ID, &r.GithubID, &r.Name, &r.UserID, &r.OrgID, &r.OwnerLogin, &r.CommitsScrapedAt); err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// SetRepositoryCommitsScraped stamps a successful commit scrape. Failed
// jobs never reach this, which keeps the repository eligible for retry on
// the next pipeline run.
func (s *Store) SetRepositoryCommitsScraped(ctx context.Context, repoID int64, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE gh_repos SET commits_scraped_at = $2, updated_at = now() WHERE id = $1`,
		repoID, at)
	return err
}
