package authkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryUserStore is an in-memory UserStore for dev runs and tests.
type MemoryUserStore struct {
	mutex      sync.Mutex
	byID       map[int64]User
	byNickname map[string]int64
	nextID     int64
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:       make(map[int64]User),
		byNickname: make(map[string]int64),
	}
}

// CreateUser inserts a new identity, enforcing nickname uniqueness.
func (store *MemoryUserStore) CreateUser(ctx context.Context, nickname string, displayName string, secretHash string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byNickname[nickname]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrNicknameTaken)
	}
	store.nextID++
	user := User{
		ID:          store.nextID,
		Nickname:    nickname,
		DisplayName: displayName,
		SecretHash:  secretHash,
	}
	store.byID[user.ID] = user
	store.byNickname[nickname] = user.ID
	return user, nil
}

// UserByID loads an identity by id.
func (store *MemoryUserStore) UserByID(ctx context.Context, id int64) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.byID[id]
	if !ok {
		return User{}, fmt.Errorf("user_store.by_id.memory: %w", ErrUserNotFound)
	}
	return user, nil
}

// UserByNickname loads an identity by nickname.
func (store *MemoryUserStore) UserByNickname(ctx context.Context, nickname string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	id, ok := store.byNickname[nickname]
	if !ok {
		return User{}, fmt.Errorf("user_store.by_nickname.memory: %w", ErrUserNotFound)
	}
	return store.byID[id], nil
}

// ListUsers returns all identities ordered by id.
func (store *MemoryUserStore) ListUsers(ctx context.Context) ([]User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	users := make([]User, 0, len(store.byID))
	for _, user := range store.byID {
		users = append(users, user)
	}
	sort.Slice(users, func(left, right int) bool { return users[left].ID < users[right].ID })
	return users, nil
}

// UpdateDisplayName mutates the display name of an existing identity.
func (store *MemoryUserStore) UpdateDisplayName(ctx context.Context, id int64, displayName string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.byID[id]
	if !ok {
		return User{}, fmt.Errorf("user_store.update.memory: %w", ErrUserNotFound)
	}
	user.DisplayName = displayName
	store.byID[id] = user
	return user, nil
}
