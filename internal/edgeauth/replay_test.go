package edgeauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
)

func newTestCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return cache.NewRedisCacheFromClient(client, zerolog.Nop()), mr
}

func TestReplayGuard_FirstUseThenReplay(t *testing.T) {
	c, _ := newTestCache(t)
	g := NewReplayGuard(c, time.Minute)
	ctx := context.Background()

	first, err := g.Claim(ctx, "jti-1")
	require.NoError(t, err)
	if !first {
		t.Fatal("want firstUse=true")
	}

	replay, err := g.Claim(ctx, "jti-1")
	require.NoError(t, err)
	if replay {
		t.Fatal("want firstUse=false on replay")
	}
}

func TestReplayGuard_CacheUnavailable_FailsClosed(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	g := NewReplayGuard(c, time.Minute)
	firstUse, err := g.Claim(context.Background(), "jti-2")
	require.NoError(t, err)
	if firstUse {
		t.Fatal("cache-unavailable must fail closed (treat as replay)")
	}
}

func TestReplayGuard_EmptyJTI_Errors(t *testing.T) {
	c, _ := newTestCache(t)
	g := NewReplayGuard(c, time.Minute)
	_, err := g.Claim(context.Background(), "")
	if err == nil {
		t.Fatal("want error for empty jti")
	}
}
