// Package usercache layers a read-through, invalidate-on-write cache over
// the relational identity store. The cache is a pure performance
// optimization: every value it holds is reconstructible from the store, and
// a failing cache degrades to direct relational reads.
package usercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mprlab/authd/internal/authkit"
)

// DefaultTTL applies to every cache entry.
const DefaultTTL = 600 * time.Second

// KeyAllUsers addresses the all-identities aggregate entry.
const KeyAllUsers = "users:all"

// KeyByID addresses the per-id entry for one identity.
func KeyByID(id int64) string {
	return fmt.Sprintf("user:id:%d", id)
}

// KeyByNickname addresses the per-nickname entry for one identity.
func KeyByNickname(nickname string) string {
	return "user:nick:" + nickname
}

// UserKeys enumerates every cache key addressable to one identity, plus the
// aggregate. Writers invalidate all of them together.
func UserKeys(user authkit.User) []string {
	return []string{KeyByID(user.ID), KeyByNickname(user.Nickname), KeyAllUsers}
}

// CachedUserStore implements authkit.UserStore by consulting redis before
// the wrapped store and invalidating after every write.
type CachedUserStore struct {
	store   authkit.UserStore
	client  redis.UniversalClient
	ttl     time.Duration
	logger  *zap.Logger
	metrics authkit.MetricsRecorder
}

// New wraps the authoritative store with a redis cache.
func New(store authkit.UserStore, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger, metrics authkit.MetricsRecorder) *CachedUserStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedUserStore{
		store:   store,
		client:  client,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateUser writes through to the store and invalidates the keys the new
// identity is addressable by before reporting success.
func (cache *CachedUserStore) CreateUser(ctx context.Context, nickname string, displayName string, secretHash string) (authkit.User, error) {
	user, createErr := cache.store.CreateUser(ctx, nickname, displayName, secretHash)
	if createErr != nil {
		return authkit.User{}, createErr
	}
	cache.Invalidate(ctx, UserKeys(user)...)
	return user, nil
}

// UserByID serves the per-id entry, falling back to the store on miss.
func (cache *CachedUserStore) UserByID(ctx context.Context, id int64) (authkit.User, error) {
	return cache.getOrLoadUser(ctx, KeyByID(id), func(loaderCtx context.Context) (authkit.User, error) {
		return cache.store.UserByID(loaderCtx, id)
	})
}

// UserByNickname serves the per-nickname entry, falling back on miss.
func (cache *CachedUserStore) UserByNickname(ctx context.Context, nickname string) (authkit.User, error) {
	return cache.getOrLoadUser(ctx, KeyByNickname(nickname), func(loaderCtx context.Context) (authkit.User, error) {
		return cache.store.UserByNickname(loaderCtx, nickname)
	})
}

// ListUsers serves the aggregate entry, falling back on miss.
func (cache *CachedUserStore) ListUsers(ctx context.Context) ([]authkit.User, error) {
	var users []authkit.User
	if hit := cache.get(ctx, KeyAllUsers, &users); hit {
		return users, nil
	}
	users, loadErr := cache.store.ListUsers(ctx)
	if loadErr != nil {
		return nil, loadErr
	}
	cache.set(ctx, KeyAllUsers, users)
	return users, nil
}

// UpdateDisplayName writes through to the store, then invalidates every key
// addressable to the identity before the write is reported committed.
func (cache *CachedUserStore) UpdateDisplayName(ctx context.Context, id int64, displayName string) (authkit.User, error) {
	user, updateErr := cache.store.UpdateDisplayName(ctx, id, displayName)
	if updateErr != nil {
		return authkit.User{}, updateErr
	}
	cache.Invalidate(ctx, UserKeys(user)...)
	return user, nil
}

// Invalidate deletes the given keys. Failures are logged, never propagated:
// entries expire by TTL regardless.
func (cache *CachedUserStore) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if delErr := cache.client.Del(ctx, keys...).Err(); delErr != nil {
		cache.increment(authkit.MetricCacheError)
		cache.logger.Warn("cache invalidation failed",
			zap.String("code", "cache.invalidate_failed"),
			zap.Strings("keys", keys),
			zap.Error(delErr))
	}
}

func (cache *CachedUserStore) getOrLoadUser(ctx context.Context, key string, loader func(context.Context) (authkit.User, error)) (authkit.User, error) {
	var user authkit.User
	if hit := cache.get(ctx, key, &user); hit {
		return user, nil
	}
	user, loadErr := loader(ctx)
	if loadErr != nil {
		return authkit.User{}, loadErr
	}
	cache.set(ctx, key, user)
	return user, nil
}

// get reports a hit and fills value. Backend and deserialization failures
// count as misses; the relational store remains authoritative either way.
func (cache *CachedUserStore) get(ctx context.Context, key string, value any) bool {
	payload, getErr := cache.client.Get(ctx, key).Result()
	if getErr != nil {
		if errors.Is(getErr, redis.Nil) {
			cache.increment(authkit.MetricCacheMiss)
			return false
		}
		cache.increment(authkit.MetricCacheError)
		cache.logger.Warn("cache read failed",
			zap.String("code", "cache.read_failed"),
			zap.String("key", key),
			zap.Error(getErr))
		return false
	}
	if unmarshalErr := json.Unmarshal([]byte(payload), value); unmarshalErr != nil {
		cache.increment(authkit.MetricCacheError)
		cache.logger.Warn("cache entry corrupt",
			zap.String("code", "cache.decode_failed"),
			zap.String("key", key),
			zap.Error(unmarshalErr))
		cache.Invalidate(ctx, key)
		return false
	}
	cache.increment(authkit.MetricCacheHit)
	return true
}

// set populates an entry best-effort after a loader round-trip.
func (cache *CachedUserStore) set(ctx context.Context, key string, value any) {
	payload, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		cache.increment(authkit.MetricCacheError)
		cache.logger.Warn("cache entry encode failed",
			zap.String("code", "cache.encode_failed"),
			zap.String("key", key),
			zap.Error(marshalErr))
		return
	}
	if setErr := cache.client.Set(ctx, key, payload, cache.ttl).Err(); setErr != nil {
		cache.increment(authkit.MetricCacheError)
		cache.logger.Warn("cache populate failed",
			zap.String("code", "cache.write_failed"),
			zap.String("key", key),
			zap.Error(setErr))
	}
}

func (cache *CachedUserStore) increment(event string) {
	if cache.metrics != nil {
		cache.metrics.Increment(event)
	}
}
