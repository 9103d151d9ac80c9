package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS identities (
    id BIGSERIAL PRIMARY KEY,
    nickname TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    secret_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh_records (
    token_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    secret_hash TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (subject, token_id)
);
CREATE INDEX IF NOT EXISTS idx_refresh_records_expires ON refresh_records (expires_at);
`)
	return err
}
