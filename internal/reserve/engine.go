package reserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// ErrUnknownReservation is returned by Finalize when the cache has no
// record of reservationID (expired, never existed, or already swept).
var ErrUnknownReservation = errors.New("reserve: unknown reservation")

// reservationRecordTTL is the cache-key lifetime for the reservation
// JSON record itself, deliberately independent of the hold TTL used for
// the expiry-sweep schedule: the record must still be readable by
// Finalize/SweepExpired after the hold window has lapsed. Matches the
// teacher's literal EXPIRE 86400 on its finalize request hash.
const reservationRecordTTL = 86400

// reserveScript is the atomic compare-and-set generalizing the
// teacher's checkAndReserveScript: read available, compare against
// needed, and on approval move available->held and record the
// reservation in one round trip. The reservation record is a JSON blob
// under a plain string key rather than a hash, matching internal/cache's
// capability list (spec.md §4.D has no hash operations).
const reserveScript = `
local available = tonumber(redis.call('GET', KEYS[1]) or '0')
local needed = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 1 then
	return {0, available, 'conflict'}
end
if available < needed then
	return {0, available, 'insufficient_funds'}
end
redis.call('SET', KEYS[1], tostring(available - needed))
local held = tonumber(redis.call('GET', KEYS[2]) or '0')
redis.call('SET', KEYS[2], tostring(held + needed))
redis.call('SET', KEYS[3], ARGV[2])
redis.call('EXPIRE', KEYS[3], ARGV[3])
return {1, available - needed, ''}
`

type reservationRecord struct {
	ReservationID string    `json:"reservation_id"`
	User          string    `json:"user"`
	MaxCost       string    `json:"max_cost"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Engine is the Quote/Reserve/Finalize hot path.
type Engine struct {
	cache      cache.Cache
	ledger     *ledger.Ledger
	dlq        DeadLetter
	budget     BudgetAuthority
	log        zerolog.Logger
	reserveTTL time.Duration
}

// NewEngine wires the engine. dlq may be nil (degrades to dropping
// finalize failures on the floor with a logged warning -- acceptable
// only for tests, never in cmd/api's wiring). budget may be nil, which
// disables component H's admission gating entirely (every request
// behaves as if the tenant were permanently SYNCED) -- acceptable only
// when no reconciliation client is configured for the deployment.
func NewEngine(c cache.Cache, l *ledger.Ledger, dlq DeadLetter, budget BudgetAuthority, log zerolog.Logger, reserveTTL time.Duration) *Engine {
	if reserveTTL <= 0 {
		reserveTTL = time.Hour
	}
	return &Engine{cache: c, ledger: l, dlq: dlq, budget: budget, log: log, reserveTTL: reserveTTL}
}

// Quote computes max_cost as a ceiling: requestedTokens priced at
// pricePerMillionMicroUSD, rounded up so a reservation never undershoots
// what the stream could actually cost (spec.md §4.E step 1).
func Quote(requestedTokens int64, pricePerMillionMicroUSD money.MicroUSD) money.MicroUSD {
	if requestedTokens <= 0 || pricePerMillionMicroUSD.Sign() <= 0 {
		return money.Zero()
	}
	num := new(big.Int).Mul(pricePerMillionMicroUSD.BigInt(), big.NewInt(requestedTokens))
	million := big.NewInt(1_000_000)
	q, r := new(big.Int).QuoRem(num, million, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return money.FromBigInt(q)
}

// Reserve atomically moves maxCost from user's available balance into
// held, mints a reservation id, and appends the billing_reserve journal
// entry. On a cache-unavailable signal, new reserves fail closed (E4).
func (e *Engine) Reserve(ctx context.Context, user string, maxCost money.MicroUSD, correlationID string) (ReserveResult, error) {
	if !e.cache.Healthy(ctx) {
		return ReserveResult{Outcome: OutcomeFailClosed}, nil
	}
	if e.budget != nil && !e.budget.ShouldAllowRequest(user) {
		return ReserveResult{Outcome: OutcomeFailClosed}, nil
	}
	if maxCost.Sign() < 0 {
		return ReserveResult{}, fmt.Errorf("reserve: max cost must be non-negative, got %s", maxCost)
	}
	amount, ok := maxCost.Int64()
	if !ok {
		return ReserveResult{}, fmt.Errorf("reserve: max cost %s exceeds cache-representable range", maxCost)
	}

	reservationID := uuid.NewString()
	now := time.Now().UTC()
	rec := reservationRecord{ReservationID: reservationID, User: user, MaxCost: maxCost.String(), Status: "reserved", CreatedAt: now}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve: marshal reservation record: %w", err)
	}

	result, err := e.cache.Eval(ctx, reserveScript,
		[]string{availableKey(user), heldKey(user), reservationKey(reservationID)},
		amount, string(recJSON), reservationRecordTTL)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve: eval reserve script: %w", err)
	}

	approved, availableAfter, reason, err := decodeReserveResult(result)
	if err != nil {
		return ReserveResult{}, err
	}

	if !approved {
		outcome := OutcomeInsufficientFunds
		if reason == "conflict" {
			outcome = OutcomeConflict
		}
		return ReserveResult{Outcome: outcome, AvailableBalance: availableAfter}, nil
	}

	if err := e.scheduleExpiry(ctx, reservationID, now.Add(e.reserveTTL)); err != nil {
		e.log.Warn().Err(err).Str("reservation_id", reservationID).Msg("reserve: failed to schedule ttl sweep entry")
	}

	if _, err := e.ledger.AppendEntry(ctx, ledger.EntryDraft{
		BillingEntryID: reservationID,
		EventType:      ledger.EventBillingReserve,
		CorrelationID:  correlationID,
		Postings:       ledger.BillingReservePostings(user, maxCost),
	}); err != nil {
		return ReserveResult{}, fmt.Errorf("reserve: journal append: %w", err)
	}

	e.log.Debug().Str("reservation_id", reservationID).Str("user", user).Str("max_cost", maxCost.String()).
		Msg("reservation created")

	return ReserveResult{
		Outcome:          OutcomeReserved,
		Reservation:      &Reservation{ID: reservationID, User: user, MaxCost: maxCost, CreatedAt: now},
		AvailableBalance: availableAfter,
	}, nil
}

// Finalize resolves reservationID to commit/release/void. It is
// idempotent per E1/E3: replays of an already-applied terminal
// transition return StatusIdempotent without re-posting. void is the
// one transition allowed after an existing commit (it reverses it);
// commit and release are each a first-and-only terminal transition.
func (e *Engine) Finalize(ctx context.Context, reservationID string, kind Kind, actualCost money.MicroUSD, traceID, correlationID string) (FinalizeResult, error) {
	hasCommit := e.ledger.HasEntry(reservationID, ledger.EventBillingCommit)
	hasRelease := e.ledger.HasEntry(reservationID, ledger.EventBillingRelease)
	hasVoid := e.ledger.HasEntry(reservationID, ledger.EventBillingVoid)

	switch kind {
	case KindCommit, KindRelease:
		if hasCommit || hasRelease || hasVoid {
			return FinalizeResult{Status: StatusIdempotent}, nil
		}
	case KindVoid:
		if hasVoid {
			return FinalizeResult{Status: StatusIdempotent}, nil
		}
		if !hasCommit {
			return FinalizeResult{}, fmt.Errorf("reserve: void %s requires a prior commit", reservationID)
		}
		if hasRelease {
			return FinalizeResult{}, fmt.Errorf("reserve: reservation %s already released, cannot void", reservationID)
		}
	default:
		return FinalizeResult{}, fmt.Errorf("reserve: unknown finalize kind %q", kind)
	}

	if !e.cache.Healthy(ctx) {
		if e.dlq == nil {
			e.log.Warn().Str("reservation_id", reservationID).Msg("reserve: cache unavailable and no dlq wired, dropping finalize")
			return FinalizeResult{Status: StatusDeadLettered}, nil
		}
		if err := e.dlq.Upsert(ctx, reservationID, "", actualCost, traceID, "cache_unavailable"); err != nil {
			return FinalizeResult{}, fmt.Errorf("reserve: dlq upsert: %w", err)
		}
		return FinalizeResult{Status: StatusDeadLettered}, nil
	}

	rec, err := e.loadReservation(ctx, reservationID)
	if err != nil {
		return FinalizeResult{}, err
	}
	maxCost, err := money.ParseMicroUSD(rec.MaxCost)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("reserve: corrupt reservation record for %s: %w", reservationID, err)
	}

	var postings []ledger.Posting
	switch kind {
	case KindCommit:
		if actualCost.Cmp(maxCost) > 0 {
			return FinalizeResult{}, fmt.Errorf("reserve: actual cost %s exceeds reserved max %s", actualCost, maxCost)
		}
		postings = ledger.BillingCommitPostings(rec.User, maxCost, actualCost)
	case KindRelease:
		postings = ledger.BillingReleasePostings(rec.User, maxCost)
	case KindVoid:
		committed, err := e.committedAmount(reservationID)
		if err != nil {
			return FinalizeResult{}, err
		}
		postings = ledger.BillingVoidPostings(rec.User, committed)
	}

	entry, err := e.ledger.AppendEntry(ctx, ledger.EntryDraft{
		BillingEntryID: reservationID,
		EventType:      finalizeEventType(kind),
		CorrelationID:  correlationID,
		Postings:       postings,
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("reserve: journal append: %w", err)
	}

	if kind == KindCommit && e.budget != nil {
		e.budget.RecordLocalSpend(rec.User, actualCost)
	}

	rec.Status = string(kind)
	if updated, err := json.Marshal(rec); err == nil {
		if err := e.cache.Set(ctx, reservationKey(reservationID), string(updated), reservationRecordTTL*time.Second); err != nil {
			e.log.Warn().Err(err).Str("reservation_id", reservationID).Msg("reserve: failed to update cache record after finalize")
		}
	}
	_ = e.cache.ZRem(ctx, expirySchedKey(), reservationID)

	return FinalizeResult{Status: StatusFinalized, Entry: &entry}, nil
}

func (e *Engine) loadReservation(ctx context.Context, reservationID string) (reservationRecord, error) {
	raw, err := e.cache.Get(ctx, reservationKey(reservationID))
	if errors.Is(err, cache.ErrNotFound) {
		return reservationRecord{}, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return reservationRecord{}, fmt.Errorf("reserve: load reservation %s: %w", reservationID, err)
	}
	var rec reservationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return reservationRecord{}, fmt.Errorf("reserve: corrupt reservation record for %s: %w", reservationID, err)
	}
	return rec, nil
}

func (e *Engine) committedAmount(reservationID string) (money.MicroUSD, error) {
	for _, entry := range e.ledger.EntriesFor(reservationID) {
		if entry.EventType != ledger.EventBillingCommit {
			continue
		}
		for _, p := range entry.Postings {
			if p.Account == money.SystemRevenue {
				return p.Delta, nil
			}
		}
	}
	return money.MicroUSD{}, fmt.Errorf("reserve: void %s: no prior commit entry found", reservationID)
}

func (e *Engine) scheduleExpiry(ctx context.Context, reservationID string, expiresAt time.Time) error {
	return e.cache.ZAdd(ctx, expirySchedKey(), cache.Z{
		Score: float64(expiresAt.UnixMilli()), Member: reservationID,
	})
}

func decodeReserveResult(result interface{}) (approved bool, available money.MicroUSD, reason string, err error) {
	row, ok := result.([]interface{})
	if !ok || len(row) != 3 {
		return false, money.MicroUSD{}, "", fmt.Errorf("reserve: unexpected script result shape %#v", result)
	}
	approved = toInt64(row[0]) == 1
	available = money.FromInt64(toInt64(row[1]))
	reason, _ = row[2].(string)
	return approved, available, reason, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
