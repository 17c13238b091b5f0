package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisCache implements Cache over go-redis/v8. Connection tuning
// mirrors the teacher's ledger.NewLedger: aggressive dial/read/write
// timeouts so a degraded Redis fails fast rather than stalling the hot
// path, and a pool sized for high concurrency.
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// RedisOptions configures a new RedisCache.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// DefaultRedisOptions matches the teacher's hot-path tuning.
func DefaultRedisOptions(addr string) RedisOptions {
	return RedisOptions{
		Addr:         addr,
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	}
}

// NewRedisCache connects and pings once to fail fast on misconfiguration.
func NewRedisCache(opts RedisOptions, log zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis ping failed: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("redis cache connected")
	return &RedisCache{client: client, log: log}, nil
}

// NewRedisCacheFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisCacheFromClient(client *redis.Client, log zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, log: log}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache: get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del %v: %w", keys, err)
	}
	return nil
}

func (r *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incrby %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisCache) ZAdd(ctx context.Context, key string, members ...Z) error {
	zs := make([]*redis.Z, 0, len(members))
	for _, m := range members {
		zs = append(zs, &redis.Z{Score: m.Score, Member: m.Member})
	}
	if err := r.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("cache: zadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Offset = 0
		opt.Count = limit
	}
	members, err := r.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisCache) ZPopMin(ctx context.Context, key string, count int64) ([]Z, error) {
	zs, err := r.client.ZPopMin(ctx, key, count).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: zpopmin %s: %w", key, err)
	}
	out := make([]Z, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, Z{Score: z.Score, Member: member})
	}
	return out, nil
}

func (r *RedisCache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: zcard %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisCache) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache: zrem %s: %w", key, err)
	}
	return nil
}

func (r *RedisCache) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	result, err := redis.NewScript(script).Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: eval: %w", err)
	}
	return result, nil
}

func (r *RedisCache) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisCache) Close() error { return r.client.Close() }

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return fmt.Sprintf("%f", f)
}
