// internal/store/credentials.go
package store

import (
	"context"
	"fmt"
	"time"

	"gh-ingestor/internal/model"
)

const credentialColumns = `id, gh_id, username, access_token, last_used_at,
	core_remaining, core_reset_at,
	search_remaining, search_reset_at,
	graphql_remaining, graphql_reset_at,
	revoked_at, created_at, updated_at`

// CreateCredential stores a newly donated token. GithubID and Username are
// unique across active and revoked credentials; donating again with the
// same account replaces the token and clears any revocation.
func (s *Store) CreateCredential(ctx context.Context, cred model.Credential) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO credentials (gh_id, username, access_token)
		VALUES ($1, $2, $3)
		ON CONFLICT (gh_id)
		DO UPDATE SET access_token = EXCLUDED.access_token, revoked_at = NULL, updated_at = now()
		RETURNING id`,
		cred.GithubID, cred.Username, cred.Token,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating credential for %s: %w", cred.Username, err)
	}
	return id, nil
}

// ListActiveCredentials returns every non-revoked credential.
func (s *Store) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE revoked_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var coreReset, searchReset, graphqlReset *time.Time
		err := rows.Scan(
			&c.ID, &c.GithubID, &c.Username, &c.Token, &c.LastUsedAt,
			&c.Limits.Core.Remaining, &coreReset,
			&c.Limits.Search.Remaining, &searchReset,
			&c.Limits.GraphQL.Remaining, &graphqlReset,
			&c.RevokedAt, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if coreReset != nil {
			c.Limits.Core.ResetAt = *coreReset
		}
		if searchReset != nil {
			c.Limits.Search.ResetAt = *searchReset
		}
		if graphqlReset != nil {
			c.Limits.GraphQL.ResetAt = *graphqlReset
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// TouchCredential records that the credential is being used now.
func (s *Store) TouchCredential(ctx context.Context, id int64, usedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE credentials SET last_used_at = $2, updated_at = now() WHERE id = $1`,
		id, usedAt)
	return err
}

// UpdateCredentialLimits persists the authoritative counters read back from
// the upstream after a call.
func (s *Store) UpdateCredentialLimits(ctx context.Context, id int64, limits model.CredentialLimits) error {
	_, err := s.db.Exec(ctx, `
		UPDATE credentials SET
			core_remaining = $2, core_reset_at = $3,
			search_remaining = $4, search_reset_at = $5,
			graphql_remaining = $6, graphql_reset_at = $7,
			updated_at = now()
		WHERE id = $1`,
		id,
		limits.Core.Remaining, nullableTime(limits.Core.ResetAt),
		limits.Search.Remaining, nullableTime(limits.Search.ResetAt),
		limits.GraphQL.Remaining, nullableTime(limits.GraphQL.ResetAt),
	)
	return err
}

// RevokeCredential permanently retires a credential. Revoking an already
// revoked credential keeps the original revocation time.
func (s *Store) RevokeCredential(ctx context.Context, id int64, revokedAt time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE credentials SET revoked_at = $2, updated_at = now()
		 WHERE id = $1 AND revoked_at IS NULL`,
		id, revokedAt)
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
