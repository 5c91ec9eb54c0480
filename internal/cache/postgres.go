// internal/cache/postgres.go
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gh-ingestor/internal/model"
)

// Postgres backs the response cache with the api_responses table so cached
// responses survive restarts and are shared by every caller of the gateway.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var body []byte
	err := p.db.QueryRow(ctx,
		`SELECT body FROM api_responses WHERE cache_key = $1 AND expires_at > now()`,
		key,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, scope model.Scope, body []byte, ttl time.Duration) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO api_responses (cache_key, scope, body, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_key)
		 DO UPDATE SET scope = EXCLUDED.scope, body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		key, string(scope), body, time.Now().Add(ttl),
	)
	return err
}
