package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reserve"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

func newTestHandler(t *testing.T) (*Handler, *ledger.Ledger, cache.Cache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := cache.NewRedisCacheFromClient(client, zerolog.Nop())

	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	l, err := ledger.NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)

	engine := reserve.NewEngine(c, l, nil, nil, zerolog.Nop(), time.Hour)
	recClient := reconcile.NewClient(reconcile.DefaultConfig(), fakeAuthority{}, zerolog.Nop())
	signer := NewChallengeSigner([]byte("test-secret"), "0xRecipient", 8453, 5*time.Minute)

	h := NewHandler(engine, recClient, nil, nil, nil, signer, zerolog.Nop())
	return h, l, c
}

type fakeAuthority struct{}

func (fakeAuthority) FetchBudget(ctx context.Context, tenantID string) (reconcile.BudgetSnapshot, error) {
	return reconcile.BudgetSnapshot{}, nil
}

func TestHandleHealth_And_Ready(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestHandleBudget_ReturnsSnapshot(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/budget/tenant-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body budgetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "0", body.CommittedMicro)
}

func TestHandleReserve_SuccessAndInsufficientFunds(t *testing.T) {
	h, l, c := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	_, err := l.AppendEntry(context.Background(), ledger.EntryDraft{
		BillingEntryID: "seed-1",
		EventType:      ledger.EventCreditMint,
		CorrelationID:  "corr-seed",
		Postings:       ledger.CreditMintPostings("alice", money.FromInt64(10_000_000)),
	})
	require.NoError(t, err)
	// The reserve engine admits against the cache's available balance,
	// not the ledger, so the same credit is seeded there too.
	require.NoError(t, c.Set(context.Background(), "balance:alice:available", "10000000", 0))

	body := `{"user":"alice","max_cost_micro":"1000000","correlation_id":"c1"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reserve", strings.NewReader(body))
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var ok reserveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ok))
	require.Equal(t, "ok", ok.Outcome)
	require.NotEmpty(t, ok.ReservationID)

	body2 := `{"user":"alice","max_cost_micro":"999999999","correlation_id":"c2"}`
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/reserve", strings.NewReader(body2))
	mux.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusPaymentRequired, rec2.Code)

	var challenge challengeBody
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &challenge))
	require.NotEmpty(t, challenge.Challenge.HMAC)
	require.NotEmpty(t, challenge.Challenge.Nonce)
}

func TestHandleBreakerState_NotConfigured(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/breaker/openai/gpt", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
