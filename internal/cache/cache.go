// Package cache wraps the Redis-like capability the core requires
// (spec.md §4.D): string GET/SET with TTL/NX, atomic integer increment,
// sorted-set operations, and atomic scripted execution, plus a health
// signal so dependent components can pick fail-open or fail-closed
// per spec.md §7.
package cache

import (
	"context"
	"time"
)

// Z is one sorted-set member/score pair.
type Z struct {
	Score  float64
	Member string
}

// Script is a preloaded, atomically-executed server-side script.
type Script interface {
	Run(ctx context.Context, c Cache, keys []string, args ...interface{}) (interface{}, error)
}

// Cache is the capability surface the core depends on. Implementations
// must execute each method atomically with respect to concurrent callers
// (the underlying store's own atomicity guarantees are sufficient; the
// core does not hold cross-call locks itself).
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, members ...Z) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZPopMin(ctx context.Context, key string, count int64) ([]Z, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZRem(ctx context.Context, key string, members ...string) error

	// Eval atomically executes a Lua script over the given keys/args, the
	// generalized form of the teacher's redis.Script.Run calls.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Healthy reports connectivity within a short bounded timeout.
	Healthy(ctx context.Context) bool

	Close() error
}

// ErrNotFound is returned by Get for a missing key, mirroring redis.Nil
// without leaking the redis package into callers.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "cache: key not found" }
