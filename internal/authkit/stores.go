package authkit

import "context"

// User is an application identity. Owned by the relational store; mutated
// only through explicit update operations and never deleted in-band. The
// secret hash travels with the row so the login path can verify passwords
// from cache-served copies; public handlers must not serialize it outward.
type User struct {
	ID          int64  `json:"id"`
	Nickname    string `json:"nickname"`
	DisplayName string `json:"display_name"`
	SecretHash  string `json:"secret_hash"`
}

// UserStore persists and retrieves identities. The relational implementation
// is authoritative; the cache layer wraps it with the same interface.
type UserStore interface {
	CreateUser(ctx context.Context, nickname string, displayName string, secretHash string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UserByNickname(ctx context.Context, nickname string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateDisplayName(ctx context.Context, id int64, displayName string) (User, error)
}

// PasswordHasher performs one-way salted hashing of secrets. Digests are
// self-describing, so Verify needs no state beyond the digest itself.
type PasswordHasher interface {
	Hash(ctx context.Context, secret string) (string, error)
	Verify(ctx context.Context, digest string, candidate string) error
}

// RefreshRecordStore is the durable record of issued refresh tokens, hashed
// at rest and keyed by (subject, token_id). A record exists exactly while the
// corresponding token is issued and unconsumed.
type RefreshRecordStore interface {
	// Record hashes the raw token and inserts its record.
	Record(ctx context.Context, claims SessionClaims, rawToken string) error
	// Consume atomically deletes the record if present and verifies the raw
	// token against the stored hash. ErrRecordNotFound and
	// ErrRecordHashMismatch are the reuse-detection signals; any other error
	// is a storage failure.
	Consume(ctx context.Context, subject string, tokenID string, rawToken string) error
	// Retire deletes the record unconditionally. Idempotent: retiring an
	// absent record is not an error.
	Retire(ctx context.Context, subject string, tokenID string) error
}
