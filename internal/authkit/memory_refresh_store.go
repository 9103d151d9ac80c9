package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MemoryRefreshRecordStore is an in-memory RefreshRecordStore for dev runs
// and tests. It honors the same consume-if-present contract as the Postgres
// store: removal of the record and the presence check are one step under the
// lock, so two concurrent consumers of the same token cannot both succeed.
type MemoryRefreshRecordStore struct {
	mutex   sync.Mutex
	records map[string]*memoryRefreshRecord
	hasher  PasswordHasher
	clock   Clock
}

type memoryRefreshRecord struct {
	TokenID    string
	Subject    string
	SecretHash string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// NewMemoryRefreshRecordStore creates an empty store backed by the hasher.
func NewMemoryRefreshRecordStore(hasher PasswordHasher, clock Clock) *MemoryRefreshRecordStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryRefreshRecordStore{
		records: make(map[string]*memoryRefreshRecord),
		hasher:  hasher,
		clock:   clock,
	}
}

// Record hashes the raw token and inserts its record keyed by (subject, token_id).
func (store *MemoryRefreshRecordStore) Record(ctx context.Context, claims SessionClaims, rawToken string) error {
	secretHash, hashErr := store.hasher.Hash(ctx, rawToken)
	if hashErr != nil {
		return fmt.Errorf("refresh_store.record: %w", hashErr)
	}
	record := &memoryRefreshRecord{
		TokenID:    claims.ID,
		Subject:    claims.Subject,
		SecretHash: secretHash,
		ExpiresAt:  claimTime(claims.ExpiresAt),
		CreatedAt:  claimTime(claims.IssuedAt),
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.records[recordKey(claims.Subject, claims.ID)] = record
	return nil
}

// Consume removes the record if present, then verifies the raw token against
// the removed record's hash. A consumed token id can never satisfy a later
// check, whatever the hash comparison says.
func (store *MemoryRefreshRecordStore) Consume(ctx context.Context, subject string, tokenID string, rawToken string) error {
	store.mutex.Lock()
	record, ok := store.records[recordKey(subject, tokenID)]
	if ok {
		delete(store.records, recordKey(subject, tokenID))
	}
	store.mutex.Unlock()

	if !ok || store.clock.Now().After(record.ExpiresAt) {
		return fmt.Errorf("refresh_store.consume: %w", ErrRecordNotFound)
	}
	if verifyErr := store.hasher.Verify(ctx, record.SecretHash, rawToken); verifyErr != nil {
		return fmt.Errorf("refresh_store.consume: %w", ErrRecordHashMismatch)
	}
	return nil
}

// Retire deletes the record unconditionally. Absent records are ignored.
func (store *MemoryRefreshRecordStore) Retire(ctx context.Context, subject string, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, recordKey(subject, tokenID))
	return nil
}

// Len reports how many live records the store holds.
func (store *MemoryRefreshRecordStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.records)
}

func (store *MemoryRefreshRecordStore) purgeExpiredLocked() {
	if len(store.records) == 0 {
		return
	}
	now := store.clock.Now()
	for key, record := range store.records {
		if now.After(record.ExpiresAt) {
			delete(store.records, key)
		}
	}
}

func recordKey(subject string, tokenID string) string {
	return subject + "/" + tokenID
}

func claimTime(date *jwt.NumericDate) time.Time {
	if date == nil {
		return time.Time{}
	}
	return date.Time
}
