// Package repository declares the storage-independent contracts the cache
// and lock backends (internal/cache/memory, internal/cache/redis)
// implement, so callers
// can depend on an interface rather than a concrete memory or Redis type.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("repository: cache miss")

// ErrLockNotAcquired is returned by DistributedLock.Lock when the lock is
// already held by someone else.
var ErrLockNotAcquired = errors.New("repository: lock not acquired")

// ErrLockNotOwned is returned by Unlock/Extend when the caller's token does
// not match the lock's current holder.
var ErrLockNotOwned = errors.New("repository: lock not owned")

// Cache is a byte-oriented, TTL-aware cache, implemented by both
// internal/cache/memory and internal/cache/redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// DistributedLock is a token-based mutual-exclusion lock that can be held
// across processes, implemented by internal/cache/redis's DistributedLock.
type DistributedLock interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
}
