package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	c := cache.NewRedisCacheFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), zerolog.Nop())
	return NewStore(c, zerolog.Nop(), cfg)
}

func TestStore_Upsert_CreatesEntryAtAttemptOne(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "cache unavailable"))

	entries, err := s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "res-1", entries[0].ReservationID)
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, money.FromInt64(500), entries[0].ActualCost)
}

func TestStore_Upsert_IncrementsAttemptAndPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "first failure"))
	entries, err := s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	firstCreatedAt := entries[0].CreatedAt

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "second failure"))
	entries, err = s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].AttemptCount)
	assert.Equal(t, "second failure", entries[0].Reason)
	assert.True(t, entries[0].CreatedAt.Equal(firstCreatedAt))
}

func TestStore_Upsert_DropsToTerminalAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	s := newTestStore(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "attempt 1"))
	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "attempt 2"))
	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "attempt 3"))

	entries, err := s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	terminal, err := s.IsTerminal(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestStore_Ready_RespectsSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Hour
	s := newTestStore(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "not due yet"))

	entries, err := s.Ready(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "entry scheduled MaxBackoff (about 5m) out should not be ready yet")

	entries, err = s.Ready(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_Ready_RepairsOrphanScheduleEntry(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.cache.ZAdd(ctx, scheduleKey, cache.Z{Score: 1, Member: "ghost"}))

	entries, err := s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	remaining, err := s.cache.ZCard(ctx, scheduleKey)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestStore_Claim_IsExclusive(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	ok1, err := s.Claim(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.Claim(ctx, "res-1")
	require.NoError(t, err)
	assert.False(t, ok2, "second claim on an already-held lock must fail")

	require.NoError(t, s.Release(ctx, "res-1"))
	ok3, err := s.Claim(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, ok3, "claim must succeed again after release")
}

func TestStore_TerminalDrop_RemovesActiveAndSchedule(t *testing.T) {
	s := newTestStore(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "res-1", "tenant-a", money.FromInt64(500), "trace-1", "manual drop"))
	require.NoError(t, s.TerminalDrop(ctx, "res-1"))

	entries, err := s.Ready(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	terminal, err := s.IsTerminal(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, terminal)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	cfg := Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, JitterFrac: 0}

	d1 := backoff(1, cfg)
	d2 := backoff(2, cfg)
	assert.InDelta(t, 200*time.Millisecond, d1, float64(5*time.Millisecond))
	assert.InDelta(t, 400*time.Millisecond, d2, float64(5*time.Millisecond))

	d5 := backoff(5, cfg)
	assert.Equal(t, time.Second, d5, "backoff must clamp to MaxBackoff")
}
