package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mprlab/authd/internal/authkit"
)

// PostgresRefreshStore persists refresh records in PostgreSQL, hashed at
// rest. Consume is a single DELETE ... RETURNING round-trip, so two requests
// replaying the same token race on the row delete and only one can win.
type PostgresRefreshStore struct {
	pool   *pgxpool.Pool
	hasher authkit.PasswordHasher
}

// NewPostgresRefreshStore constructs a Postgres-backed refresh-record store.
func NewPostgresRefreshStore(pool *pgxpool.Pool, hasher authkit.PasswordHasher) *PostgresRefreshStore {
	return &PostgresRefreshStore{pool: pool, hasher: hasher}
}

// Record hashes the raw token and inserts its row.
func (store *PostgresRefreshStore) Record(ctx context.Context, claims authkit.SessionClaims, rawToken string) error {
	secretHash, hashErr := store.hasher.Hash(ctx, rawToken)
	if hashErr != nil {
		return fmt.Errorf("refresh_store.record.postgres: %w", hashErr)
	}
	var expiresAt, createdAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		createdAt = claims.IssuedAt.Time
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_records (token_id, subject, secret_hash, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5)
`, claims.ID, claims.Subject, secretHash, expiresAt, createdAt)
	if execErr != nil {
		return fmt.Errorf("refresh_store.record.postgres: %w", execErr)
	}
	return nil
}

// Consume deletes the row for (subject, token_id) and verifies the raw token
// against the returned hash. No row means the token is unknown, pruned, or
// already consumed.
func (store *PostgresRefreshStore) Consume(ctx context.Context, subject string, tokenID string, rawToken string) error {
	var secretHash string
	var expiresAt time.Time
	row := store.pool.QueryRow(ctx, `
DELETE FROM refresh_records
WHERE subject = $1 AND token_id = $2
RETURNING secret_hash, expires_at
`, subject, tokenID)
	if scanErr := row.Scan(&secretHash, &expiresAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("refresh_store.consume.postgres: %w", authkit.ErrRecordNotFound)
		}
		return fmt.Errorf("refresh_store.consume.postgres: %w", scanErr)
	}
	if time.Now().UTC().After(expiresAt) {
		return fmt.Errorf("refresh_store.consume.postgres: %w", authkit.ErrRecordNotFound)
	}
	if verifyErr := store.hasher.Verify(ctx, secretHash, rawToken); verifyErr != nil {
		return fmt.Errorf("refresh_store.consume.postgres: %w", authkit.ErrRecordHashMismatch)
	}
	return nil
}

// Retire deletes the row unconditionally; deleting an absent row is fine.
func (store *PostgresRefreshStore) Retire(ctx context.Context, subject string, tokenID string) error {
	_, execErr := store.pool.Exec(ctx, `
DELETE FROM refresh_records
WHERE subject = $1 AND token_id = $2
`, subject, tokenID)
	if execErr != nil {
		return fmt.Errorf("refresh_store.retire.postgres: %w", execErr)
	}
	return nil
}

// PruneExpired removes rows whose expiry has passed. Intended for a periodic
// maintenance task; rotation correctness does not depend on it.
func (store *PostgresRefreshStore) PruneExpired(ctx context.Context) (int64, error) {
	tag, execErr := store.pool.Exec(ctx, `
DELETE FROM refresh_records
WHERE expires_at < now()
`)
	if execErr != nil {
		return 0, fmt.Errorf("refresh_store.prune.postgres: %w", execErr)
	}
	return tag.RowsAffected(), nil
}
