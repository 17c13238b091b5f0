package cache

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCacheFromClient(client, zerolog.Nop())
}

func TestRedisCache_GetSetNX(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := c.SetNX(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.SetNX(ctx, "k2", "v2", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache_IncrAndZSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	n, err := c.IncrBy(ctx, "ctr", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, c.ZAdd(ctx, "z", Z{Score: 1, Member: "a"}, Z{Score: 2, Member: "b"}))
	card, err := c.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	members, err := c.ZRangeByScore(ctx, "z", math.Inf(-1), 1.5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	popped, err := c.ZPopMin(ctx, "z", 1)
	require.NoError(t, err)
	require.Len(t, popped, 1)
	assert.Equal(t, "a", popped[0].Member)

	require.NoError(t, c.ZRem(ctx, "z", "b"))
	card, err = c.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestRedisCache_Eval(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	result, err := c.Eval(ctx, `return redis.call('SET', KEYS[1], ARGV[1])`, []string{"k"}, "v")
	require.NoError(t, err)
	assert.Equal(t, "OK", result)

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRedisCache_Healthy(t *testing.T) {
	c := newTestCache(t)
	assert.True(t, c.Healthy(context.Background()))
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, c.Healthy(ctx))
}
