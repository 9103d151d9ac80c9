package usercache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mprlab/authd/internal/authkit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

// countingStore wraps the in-memory store and counts loader round-trips.
type countingStore struct {
	authkit.UserStore
	loads atomic.Int64
}

func (store *countingStore) UserByID(ctx context.Context, id int64) (authkit.User, error) {
	store.loads.Add(1)
	return store.UserStore.UserByID(ctx, id)
}

func (store *countingStore) UserByNickname(ctx context.Context, nickname string) (authkit.User, error) {
	store.loads.Add(1)
	return store.UserStore.UserByNickname(ctx, nickname)
}

func (store *countingStore) ListUsers(ctx context.Context) ([]authkit.User, error) {
	store.loads.Add(1)
	return store.UserStore.ListUsers(ctx)
}

type cacheFixture struct {
	redis   *miniredis.Miniredis
	store   *countingStore
	cache   *CachedUserStore
	metrics *authkit.CounterMetrics
}

func newCacheFixture(t *testing.T) *cacheFixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{UserStore: authkit.NewMemoryUserStore()}
	metrics := authkit.NewCounterMetrics()
	cache := New(store, client, time.Minute, zaptest.NewLogger(t), metrics)

	return &cacheFixture{
		redis:   server,
		store:   store,
		cache:   cache,
		metrics: metrics,
	}
}

func (fixture *cacheFixture) seedUser(t *testing.T, nickname string) authkit.User {
	t.Helper()
	user, createErr := fixture.cache.CreateUser(context.Background(), nickname, nickname, "digest")
	if createErr != nil {
		t.Fatalf("create failed: %v", createErr)
	}
	return user
}

func TestUserByIDMissThenHit(t *testing.T) {
	fixture := newCacheFixture(t)
	created := fixture.seedUser(t, "alice")

	first, firstErr := fixture.cache.UserByID(context.Background(), created.ID)
	if firstErr != nil {
		t.Fatalf("first read failed: %v", firstErr)
	}
	second, secondErr := fixture.cache.UserByID(context.Background(), created.ID)
	if secondErr != nil {
		t.Fatalf("second read failed: %v", secondErr)
	}
	if first != created || second != created {
		t.Fatalf("expected cached reads to match the created user")
	}
	if fixture.store.loads.Load() != 1 {
		t.Fatalf("expected one loader round-trip, got %d", fixture.store.loads.Load())
	}
	if fixture.metrics.Count(authkit.MetricCacheHit) != 1 || fixture.metrics.Count(authkit.MetricCacheMiss) != 1 {
		t.Fatalf("expected one hit and one miss, got hit=%d miss=%d",
			fixture.metrics.Count(authkit.MetricCacheHit), fixture.metrics.Count(authkit.MetricCacheMiss))
	}
}

func TestUserByNicknameMissThenHit(t *testing.T) {
	fixture := newCacheFixture(t)
	created := fixture.seedUser(t, "alice")

	for i := 0; i < 2; i++ {
		user, readErr := fixture.cache.UserByNickname(context.Background(), "alice")
		if readErr != nil {
			t.Fatalf("read %d failed: %v", i, readErr)
		}
		if user != created {
			t.Fatalf("read %d: expected %+v, got %+v", i, created, user)
		}
	}
	if fixture.store.loads.Load() != 1 {
		t.Fatalf("expected one loader round-trip, got %d", fixture.store.loads.Load())
	}
}

func TestListUsersServesAggregateEntry(t *testing.T) {
	fixture := newCacheFixture(t)
	fixture.seedUser(t, "alice")
	fixture.seedUser(t, "bob")

	for i := 0; i < 2; i++ {
		users, listErr := fixture.cache.ListUsers(context.Background())
		if listErr != nil {
			t.Fatalf("list %d failed: %v", i, listErr)
		}
		if len(users) != 2 {
			t.Fatalf("list %d: expected two users, got %d", i, len(users))
		}
	}
	if fixture.store.loads.Load() != 1 {
		t.Fatalf("expected one loader round-trip, got %d", fixture.store.loads.Load())
	}
	if !fixture.redis.Exists(KeyAllUsers) {
		t.Fatalf("expected aggregate key to be populated")
	}
}

func TestUpdateDisplayNameInvalidatesEveryKey(t *testing.T) {
	fixture := newCacheFixture(t)
	created := fixture.seedUser(t, "alice")

	// Warm all three entries.
	if _, err := fixture.cache.UserByID(context.Background(), created.ID); err != nil {
		t.Fatalf("warm by id failed: %v", err)
	}
	if _, err := fixture.cache.UserByNickname(context.Background(), "alice"); err != nil {
		t.Fatalf("warm by nickname failed: %v", err)
	}
	if _, err := fixture.cache.ListUsers(context.Background()); err != nil {
		t.Fatalf("warm list failed: %v", err)
	}

	updated, updateErr := fixture.cache.UpdateDisplayName(context.Background(), created.ID, "Alice Prime")
	if updateErr != nil {
		t.Fatalf("update failed: %v", updateErr)
	}

	for _, key := range UserKeys(updated) {
		if fixture.redis.Exists(key) {
			t.Fatalf("expected %s to be invalidated", key)
		}
	}

	fresh, readErr := fixture.cache.UserByID(context.Background(), created.ID)
	if readErr != nil {
		t.Fatalf("read after update failed: %v", readErr)
	}
	if fresh.DisplayName != "Alice Prime" {
		t.Fatalf("expected fresh read after invalidation, got %q", fresh.DisplayName)
	}
}

func TestCreateUserInvalidatesAggregateEntry(t *testing.T) {
	fixture := newCacheFixture(t)
	fixture.seedUser(t, "alice")

	if _, err := fixture.cache.ListUsers(context.Background()); err != nil {
		t.Fatalf("warm list failed: %v", err)
	}
	fixture.seedUser(t, "bob")

	users, listErr := fixture.cache.ListUsers(context.Background())
	if listErr != nil {
		t.Fatalf("list failed: %v", listErr)
	}
	if len(users) != 2 {
		t.Fatalf("expected the new user to appear after invalidation, got %d users", len(users))
	}
}

func TestCorruptEntryFallsBackToStore(t *testing.T) {
	fixture := newCacheFixture(t)
	created := fixture.seedUser(t, "alice")

	key := KeyByID(created.ID)
	if err := fixture.redis.Set(key, "{not-json"); err != nil {
		t.Fatalf("failed to plant corrupt entry: %v", err)
	}

	user, readErr := fixture.cache.UserByID(context.Background(), created.ID)
	if readErr != nil {
		t.Fatalf("read failed: %v", readErr)
	}
	if user != created {
		t.Fatalf("expected store fallback, got %+v", user)
	}
	if fixture.metrics.Count(authkit.MetricCacheError) == 0 {
		t.Fatalf("expected the corrupt entry to be counted")
	}
}

func TestCacheOutageDegradesToStore(t *testing.T) {
	fixture := newCacheFixture(t)
	created := fixture.seedUser(t, "alice")
	fixture.redis.Close()

	user, readErr := fixture.cache.UserByID(context.Background(), created.ID)
	if readErr != nil {
		t.Fatalf("expected degraded read to succeed, got %v", readErr)
	}
	if user != created {
		t.Fatalf("expected store copy, got %+v", user)
	}
	if _, updateErr := fixture.cache.UpdateDisplayName(context.Background(), created.ID, "Alice Prime"); updateErr != nil {
		t.Fatalf("expected write-through to survive cache outage, got %v", updateErr)
	}
	if fixture.metrics.Count(authkit.MetricCacheError) == 0 {
		t.Fatalf("expected cache errors to be counted during the outage")
	}
}

func TestStoreErrorsPropagateUncached(t *testing.T) {
	fixture := newCacheFixture(t)

	if _, err := fixture.cache.UserByID(context.Background(), 99); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("expected store sentinel to propagate, got %v", err)
	}
	if fixture.redis.Exists(KeyByID(99)) {
		t.Fatalf("expected no cache entry for a failed load")
	}
}

func TestUserKeysCoverEveryAddressableEntry(t *testing.T) {
	keys := UserKeys(authkit.User{ID: 7, Nickname: "alice"})
	expected := map[string]bool{
		KeyByID(7):             true,
		KeyByNickname("alice"): true,
		KeyAllUsers:            true,
	}
	if len(keys) != len(expected) {
		t.Fatalf("expected %d keys, got %v", len(expected), keys)
	}
	for _, key := range keys {
		if !expected[key] {
			t.Fatalf("unexpected key %q", key)
		}
	}
}
