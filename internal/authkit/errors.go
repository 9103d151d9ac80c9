package authkit

import "errors"

// Credential errors. Callers collapse all of these to "not authenticated";
// they are never surfaced to the remote client as distinct failures.
var (
	// ErrSignatureInvalid indicates the token signature did not verify or the token is malformed.
	ErrSignatureInvalid = errors.New("codec.signature_invalid")
	// ErrTokenExpired indicates the token expired, or expires within the configured reject window.
	ErrTokenExpired = errors.New("codec.expired")
	// ErrClaimMismatch indicates issuer, audience, or the header kind tag did not match expectations.
	ErrClaimMismatch = errors.New("codec.claim_mismatch")
)

// Refresh-record store errors.
var (
	// ErrRecordNotFound indicates no refresh record matched (subject, token_id):
	// the token is unknown, expired-and-pruned, or already consumed.
	ErrRecordNotFound = errors.New("refresh_store.not_found")
	// ErrRecordHashMismatch indicates the presented raw token did not verify against the stored hash.
	ErrRecordHashMismatch = errors.New("refresh_store.hash_mismatch")
)

// ErrReuseOrUnknown is the rotation-level replay signal: the refresh token
// verified cryptographically but its record is absent or mismatched.
var ErrReuseOrUnknown = errors.New("rotation.reuse_or_unknown")

// ErrVerificationFailed covers both a digest/candidate mismatch and a
// malformed digest. The two causes are logged separately but never
// distinguished for callers.
var ErrVerificationFailed = errors.New("hasher.verification_failed")

// User store errors.
var (
	// ErrUserNotFound indicates no identity matched the lookup key.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrNicknameTaken indicates the nickname uniqueness constraint was violated.
	ErrNicknameTaken = errors.New("user_store.nickname_taken")
)
