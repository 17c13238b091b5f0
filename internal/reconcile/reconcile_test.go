package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

type fakeAuthority struct {
	snapshots []BudgetSnapshot
	errs      []error
	calls     int
}

func (f *fakeAuthority) FetchBudget(ctx context.Context, tenantID string) (BudgetSnapshot, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return BudgetSnapshot{}, f.errs[i]
	}
	if i < len(f.snapshots) {
		return f.snapshots[i], nil
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailOpenMaxDuration = time.Hour
	return cfg
}

// Scenario C, spec.md §8: authority returns committed=1000, limit=10M;
// local_spend=500 -> SYNCED.
func TestReconcile_SyncedWhenWithinThreshold(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(500))

	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	assert.Equal(t, StateSynced, c.State("tenant-a"))
	assert.True(t, c.ShouldAllowRequest("tenant-a"))
}

// Scenario C continued: local_spend spikes to 5000 while authority still
// reports 1000 -> drift 4000 > threshold -> FAIL_OPEN with headroom
// 10% of 10_000_000 capped at 10_000_000 = 1_000_000.
func TestReconcile_DriftEntersFailOpenWithComputedHeadroom(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))

	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	assert.Equal(t, StateFailOpen, c.State("tenant-a"))
	assert.Equal(t, money.FromInt64(1_000_000), c.HeadroomRemaining("tenant-a"))
	assert.True(t, c.ShouldAllowRequest("tenant-a"))
}

// Scenario C continued: record_local_spend repeatedly until headroom
// hits 0 -> FAIL_CLOSED, and should_allow_request()==false thereafter.
func TestReconcile_HeadroomExhaustionTripsFailClosed(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	require.Equal(t, StateFailOpen, c.State("tenant-a"))

	for i := 0; i < 10; i++ {
		c.RecordLocalSpend("tenant-a", money.FromInt64(100_000))
	}

	assert.Equal(t, StateFailClosed, c.State("tenant-a"))
	assert.False(t, c.ShouldAllowRequest("tenant-a"))

	c.RecordLocalSpend("tenant-a", money.FromInt64(1))
	assert.False(t, c.ShouldAllowRequest("tenant-a"), "fail_closed must stay denied regardless of further spend")
}

func TestReconcile_FailClosedReturnsToSyncedOnSuccessfulPoll(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	for i := 0; i < 10; i++ {
		c.RecordLocalSpend("tenant-a", money.FromInt64(100_000))
	}
	require.Equal(t, StateFailClosed, c.State("tenant-a"))

	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	assert.Equal(t, StateSynced, c.State("tenant-a"))
	assert.True(t, c.ShouldAllowRequest("tenant-a"))
}

func TestReconcile_AuthorityUnreachableLeavesStateUnchanged(t *testing.T) {
	auth := &fakeAuthority{errs: []error{errors.New("connection refused")}}
	c := NewClient(testConfig(), auth, zerolog.Nop())

	err := c.Poll(context.Background(), "tenant-a")
	assert.Error(t, err)
	assert.Equal(t, StateSynced, c.State("tenant-a"))
}

func TestReconcile_HeadroomMonotonicity_R1(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	// drain headroom to exactly zero without exceeding it
	c.RecordLocalSpend("tenant-a", money.FromInt64(1_000_000))
	require.Equal(t, StateFailClosed, c.State("tenant-a"))
	require.Equal(t, money.Zero(), c.HeadroomRemaining("tenant-a"))

	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	require.Equal(t, StateSynced, c.State("tenant-a"))
	// re-entering FAIL_OPEN must recompute headroom from scratch, not
	// carry over the exhausted remaining budget.
	c.RecordLocalSpend("tenant-a", money.FromInt64(9000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	assert.Equal(t, StateFailOpen, c.State("tenant-a"))
	assert.Equal(t, money.FromInt64(1_000_000), c.HeadroomRemaining("tenant-a"))
}

func TestReconcile_FailOpenMaxDurationTripsFailClosed(t *testing.T) {
	cfg := testConfig()
	cfg.FailOpenMaxDuration = 10 * time.Millisecond
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(cfg, auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	require.Equal(t, StateFailOpen, c.State("tenant-a"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.ShouldAllowRequest("tenant-a"))
	assert.Equal(t, StateFailClosed, c.State("tenant-a"))
}

func TestReconcile_TenantsAreIndependent(t *testing.T) {
	auth := &fakeAuthority{snapshots: []BudgetSnapshot{
		{CommittedMicro: money.FromInt64(1000), LimitMicro: money.FromInt64(10_000_000)},
	}}
	c := NewClient(testConfig(), auth, zerolog.Nop())
	c.RecordLocalSpend("tenant-a", money.FromInt64(5000))
	require.NoError(t, c.Poll(context.Background(), "tenant-a"))
	assert.Equal(t, StateFailOpen, c.State("tenant-a"))
	assert.Equal(t, StateSynced, c.State("tenant-b"))
}
