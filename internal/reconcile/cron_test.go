package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, walbridge.WAL) {
	t.Helper()
	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	l, err := ledger.NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)
	return l, wal
}

func newTestCacheForCron(t *testing.T) cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisCacheFromClient(client, zerolog.Nop())
}

func TestBalanceReconciler_CorrectsCacheDrift(t *testing.T) {
	l, wal := newTestLedger(t)
	c := newTestCacheForCron(t)
	ctx := context.Background()

	_, err := l.AppendEntry(ctx, ledger.EntryDraft{
		BillingEntryID: "be-1",
		EventType:      ledger.EventCreditMint,
		CorrelationID:  "corr-1",
		Postings:       ledger.CreditMintPostings("alice", money.FromInt64(5_000_000)),
	})
	require.NoError(t, err)

	// Cache is stale: never written, so it reads as zero while the
	// ledger derives 5_000_000 for user:alice:available.
	r := NewBalanceReconciler(l, c, wal, BalanceReconcilerConfig{}, zerolog.Nop())
	summary, err := r.RunDaily(ctx, "run-1")
	require.NoError(t, err)

	if summary.DivergencesFound == 0 {
		t.Fatal("want at least one divergence (stale cache)")
	}
	if summary.DivergencesCorrected != summary.DivergencesFound {
		t.Fatalf("want all divergences corrected, found=%d corrected=%d", summary.DivergencesFound, summary.DivergencesCorrected)
	}

	cached, err := c.Get(ctx, balanceCacheKey(money.UserAvailable("alice")))
	require.NoError(t, err)
	got, err := money.ParseMicroUSD(cached)
	require.NoError(t, err)
	if got.Cmp(money.FromInt64(5_000_000)) != 0 {
		t.Fatalf("want cache corrected to 5000000, got %s", got)
	}
}

func TestBalanceReconciler_NoOpWhenCacheAlreadyMatches(t *testing.T) {
	l, wal := newTestLedger(t)
	c := newTestCacheForCron(t)
	ctx := context.Background()

	_, err := l.AppendEntry(ctx, ledger.EntryDraft{
		BillingEntryID: "be-2",
		EventType:      ledger.EventCreditMint,
		CorrelationID:  "corr-2",
		Postings:       ledger.CreditMintPostings("bob", money.FromInt64(1_000_000)),
	})
	require.NoError(t, err)

	for account, balance := range l.DeriveAllBalances() {
		require.NoError(t, c.Set(ctx, balanceCacheKey(account), balance.String(), 0))
	}

	r := NewBalanceReconciler(l, c, wal, BalanceReconcilerConfig{}, zerolog.Nop())
	summary, err := r.RunDaily(ctx, "run-2")
	require.NoError(t, err)

	if summary.DivergencesFound != 0 {
		t.Fatalf("want 0 divergences, got %d", summary.DivergencesFound)
	}
}
