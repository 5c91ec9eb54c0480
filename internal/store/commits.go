// internal/store/commits.go
package store

import (
	"context"
	"fmt"
	"time"

	"gh-ingestor/internal/model"
)

// UpsertCommits inserts commits keyed by sha. Commits are immutable once
// written, so conflicts are ignored rather than updated.
func (s *Store) UpsertCommits(ctx context.Context, commits []model.Commit) error {
	if len(commits) == 0 {
		return nil
	}

	const width = 4
	args := make([]any, 0, len(commits)*width)
	for _, c := range commits {
		args = append(args, c.SHA, c.AuthorID, c.Message, c.CommittedAt)
	}

	query := `
		INSERT INTO gh_commits (sha, gh_user_id, message, committed_at)
		VALUES ` + placeholders(len(commits), width) + `
		ON CONFLICT (sha) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d commits: %w", len(commits), err)
	}
	return nil
}

// InsertCommitRepos records (sha, repo) associations with conflict-ignore,
// so re-linking an existing pair is a no-op.
func (s *Store) InsertCommitRepos(ctx context.Context, links []model.CommitRepo) error {
	if len(links) == 0 {
		return nil
	}

	const width = 2
	args := make([]any, 0, len(links)*width)
	for _, l := range links {
		args = append(args, l.SHA, l.RepoID)
	}

	query := `
		INSERT INTO gh_commits_gh_repos (sha, gh_repo_id)
		VALUES ` + placeholders(len(links), width) + `
		ON CONFLICT DO NOTHING`

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d commit links: %w", len(links), err)
	}
	return nil
}

// CountCommitDays counts the distinct calendar days on which the user
// committed within [from, to).
func (s *Store) CountCommitDays(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT DATE(committed_at))
		FROM gh_commits
		WHERE gh_user_id = $1 AND committed_at >= $2 AND committed_at < $3`,
		userID, from, to,
	).Scan(&n)
	return n, err
}
