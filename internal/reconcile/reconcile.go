// Package reconcile implements the SYNCED/FAIL_OPEN/FAIL_CLOSED
// reconciliation client of spec.md §4.H: periodic polling of an upstream
// budget authority, drift-triggered fail-open admission with a
// monotonic, non-refilling headroom budget (invariant R1), and
// fail-closed admission denial until a successful resync.
//
// The periodic-poll idiom (ticker + goroutine + stop channel, a bounded
// per-poll context timeout) is grounded on the teacher's
// internal/sync/sync.go StartPeriodicSync, generalized from a one-way
// Postgres->Redis drift correction into a bidirectional admission state
// machine against an HTTP authority instead of a database.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// State is one tenant's reconciliation admission state, spec.md §4.H.
type State int

const (
	StateSynced State = iota
	StateFailOpen
	StateFailClosed
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateFailOpen:
		return "fail_open"
	case StateFailClosed:
		return "fail_closed"
	default:
		return "unknown"
	}
}

// BudgetSnapshot is the authority's view of a tenant's budget, the
// GET /api/v1/budget/{tenant_id} response shape from spec.md §6.
type BudgetSnapshot struct {
	CommittedMicro money.MicroUSD
	ReservedMicro  money.MicroUSD
	LimitMicro     money.MicroUSD
	WindowStart    time.Time
	WindowEnd      time.Time
}

// AuthorityClient fetches a tenant's budget snapshot from the upstream
// authority. Implementations must apply their own bounded timeout.
type AuthorityClient interface {
	FetchBudget(ctx context.Context, tenantID string) (BudgetSnapshot, error)
}

// Config tunes the reconciliation client, spec.md §4.H.
type Config struct {
	PollInterval        time.Duration
	RequestTimeout      time.Duration // default 5s per spec.md §5
	ConfiguredThreshold money.MicroUSD
	HeadroomPercent     float64 // fraction of authority_limit, e.g. 0.10
	HeadroomAbsCap      money.MicroUSD
	FailOpenMaxDuration time.Duration
}

// DefaultConfig matches spec.md §8 Scenario C's literal numbers.
func DefaultConfig() Config {
	return Config{
		PollInterval:        30 * time.Second,
		RequestTimeout:      5 * time.Second,
		ConfiguredThreshold: money.FromInt64(1000),
		HeadroomPercent:     0.10,
		HeadroomAbsCap:      money.FromInt64(10_000_000),
		FailOpenMaxDuration: 5 * time.Minute,
	}
}

type tenantState struct {
	mu                        sync.Mutex
	state                     State
	localSpend                money.MicroUSD
	authorityCommitted        money.MicroUSD
	authorityLimit            money.MicroUSD
	authorityWindowStart      time.Time
	authorityWindowEnd        time.Time
	lastSyncTS                time.Time
	failOpenHeadroomRemaining money.MicroUSD
	failOpenStartedAt         time.Time
}

// Client drives reconciliation for any number of tenants, each with its
// own independent state machine and lock.
type Client struct {
	cfg       Config
	authority AuthorityClient
	log       zerolog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantState

	stopCh chan struct{}
}

// NewClient constructs a reconciliation Client.
func NewClient(cfg Config, authority AuthorityClient, log zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		authority: authority,
		log:       log.With().Str("component", "reconcile").Logger(),
		tenants:   make(map[string]*tenantState),
		stopCh:    make(chan struct{}),
	}
}

func (c *Client) tenant(tenantID string) *tenantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tenants[tenantID]
	if !ok {
		ts = &tenantState{state: StateSynced}
		c.tenants[tenantID] = ts
	}
	return ts
}

// Start launches the background polling loop for tenantID. Call once
// per tenant the process is responsible for reconciling; cmd/reconciler
// is expected to call this per active tenant at startup.
func (c *Client) Start(tenantID string) {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
				if err := c.Poll(ctx, tenantID); err != nil {
					c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("reconcile: poll failed")
				}
				cancel()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts every tenant's polling loop started via Start.
func (c *Client) Stop() { close(c.stopCh) }

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout <= 0 {
		return 5 * time.Second
	}
	return c.cfg.RequestTimeout
}

// Poll performs one reconciliation cycle for tenantID. A failed or
// timed-out authority fetch leaves the current state untouched --
// spec.md §4.H: "authority unreachable during FAIL_OPEN does not
// re-enter it." The same no-op-on-failure behavior is applied uniformly
// regardless of the state the poll found the tenant in, since none of
// §4.H's described transitions are driven by fetch failure.
func (c *Client) Poll(ctx context.Context, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()

	snap, err := c.authority.FetchBudget(ctx, tenantID)
	if err != nil {
		return err
	}

	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	ts.authorityCommitted = snap.CommittedMicro
	ts.authorityLimit = snap.LimitMicro
	ts.authorityWindowStart = snap.WindowStart
	ts.authorityWindowEnd = snap.WindowEnd

	switch ts.state {
	case StateFailClosed:
		// A successful reconciliation unconditionally returns FAIL_CLOSED
		// to SYNCED, spec.md §4.H; any residual drift is re-evaluated on
		// the next poll cycle from a clean FAIL_OPEN headroom budget (R1).
		ts.state = StateSynced
		ts.lastSyncTS = now

	case StateSynced:
		threshold := effectiveThreshold(c.cfg.ConfiguredThreshold, ts.localSpend)
		drift := absMicro(ts.localSpend.Sub(snap.CommittedMicro))
		if drift.Cmp(threshold) > 0 {
			c.enterFailOpenLocked(ts, now)
		} else {
			ts.lastSyncTS = now
		}

	case StateFailOpen:
		// §4.H describes no drift-driven recovery path out of FAIL_OPEN;
		// its only exits are headroom exhaustion (RecordLocalSpend) and
		// fail_open_max_duration_ms (ShouldAllowRequest), both of which
		// land in FAIL_CLOSED, not directly back in SYNCED.
	}
	return nil
}

func (c *Client) enterFailOpenLocked(ts *tenantState, now time.Time) {
	headroom := headroomBudget(c.cfg.HeadroomPercent, ts.authorityLimit, c.cfg.HeadroomAbsCap)
	ts.state = StateFailOpen
	ts.failOpenHeadroomRemaining = headroom
	ts.failOpenStartedAt = now
	c.log.Warn().Str("headroom", headroom.String()).Msg("reconcile: entering fail_open")
}

// RecordLocalSpend accounts a locally-committed cost against the
// tenant's running spend, decrementing FAIL_OPEN headroom if active.
// Headroom hitting zero transitions the tenant to FAIL_CLOSED.
func (c *Client) RecordLocalSpend(tenantID string, cost money.MicroUSD) {
	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.localSpend = ts.localSpend.Add(cost)
	if ts.state != StateFailOpen {
		return
	}
	ts.failOpenHeadroomRemaining = ts.failOpenHeadroomRemaining.Sub(cost)
	if ts.failOpenHeadroomRemaining.Sign() <= 0 {
		ts.failOpenHeadroomRemaining = money.Zero()
		ts.state = StateFailClosed
	}
}

// ShouldAllowRequest reports whether a request for tenantID may proceed.
// It is side-effect-free except for the implicit FAIL_OPEN -> FAIL_CLOSED
// transition when fail_open_max_duration_ms has elapsed, per spec.md
// §4.H.
func (c *Client) ShouldAllowRequest(tenantID string) bool {
	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.state == StateFailOpen && c.cfg.FailOpenMaxDuration > 0 &&
		time.Since(ts.failOpenStartedAt) > c.cfg.FailOpenMaxDuration {
		ts.state = StateFailClosed
	}

	switch ts.state {
	case StateSynced:
		return true
	case StateFailOpen:
		return ts.failOpenHeadroomRemaining.Sign() > 0
	default:
		return false
	}
}

// State reports tenantID's current reconciliation state without
// evaluating the fail-open timeout (use ShouldAllowRequest for the
// admission decision itself).
func (c *Client) State(tenantID string) State {
	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// HeadroomRemaining reports the tenant's remaining FAIL_OPEN budget,
// zero outside FAIL_OPEN.
func (c *Client) HeadroomRemaining(tenantID string) money.MicroUSD {
	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state != StateFailOpen {
		return money.Zero()
	}
	return ts.failOpenHeadroomRemaining
}

// Snapshot returns this process's locally-known view of tenantID's
// budget -- the last-polled authority figures plus the running local
// spend -- for the GET /api/v1/budget/{tenant_id} introspection
// endpoint in internal/rest. It never calls the authority itself; that
// happens only on the Start/Poll cycle.
func (c *Client) Snapshot(tenantID string) BudgetSnapshot {
	ts := c.tenant(tenantID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return BudgetSnapshot{
		CommittedMicro: ts.authorityCommitted,
		ReservedMicro:  ts.localSpend,
		LimitMicro:     ts.authorityLimit,
		WindowStart:    ts.authorityWindowStart,
		WindowEnd:      ts.authorityWindowEnd,
	}
}

func effectiveThreshold(configured, localSpend money.MicroUSD) money.MicroUSD {
	pct := fractionOf(localSpend, 0.001)
	if configured.Cmp(pct) >= 0 {
		return configured
	}
	return pct
}

func headroomBudget(pct float64, limit, absCap money.MicroUSD) money.MicroUSD {
	budget := fractionOf(limit, pct)
	if budget.Cmp(absCap) > 0 {
		return absCap
	}
	return budget
}

// fractionOf approximates m*frac via float64: this is an admission-
// control headroom heuristic, not a ledger posting, so it is exempt
// from the core's exact-integer-arithmetic requirement.
func fractionOf(m money.MicroUSD, frac float64) money.MicroUSD {
	units, _ := m.Int64()
	return money.FromInt64(int64(float64(units) * frac))
}

func absMicro(m money.MicroUSD) money.MicroUSD {
	if m.Sign() < 0 {
		return m.Neg()
	}
	return m
}
