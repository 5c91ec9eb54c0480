// internal/store/store.go
package store

import (
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the single persistence layer. All pipeline writes are idempotent:
// entities upsert on their external key, association links insert with
// conflict-ignore, so concurrent workers racing on the same entity converge
// on the same final state without locking.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// placeholders renders "($1,$2), ($3,$4), ..." for a multi-row VALUES
// clause with width columns per row.
func placeholders(rows, width int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
