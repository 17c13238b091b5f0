// Package dlq implements the dead-letter queue for failed finalizations,
// spec.md §4.F: durable upsert, schedule-ordered dispatch, atomic claim,
// bounded retry with backoff, and terminal-drop audit retention.
//
// Grounded on the teacher's asyncWriteWorker retry loop in
// internal/ledger/ledger.go (maxRetries, exponential backoff) and
// internal/sync/sync.go's pipelined-batch idiom for the bulk ready() scan.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Entry is the DLQ payload, spec.md §3's DLQ entry shape.
type Entry struct {
	ReservationID  string         `json:"reservation_id"`
	TenantID       string         `json:"tenant_id"`
	ActualCost     money.MicroUSD `json:"actual_cost"`
	TraceID        string         `json:"trace_id"`
	Reason         string         `json:"reason"`
	ResponseStatus int            `json:"response_status"`
	AttemptCount   int            `json:"attempt_count"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Config tunes retry scheduling.
type Config struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	JitterFrac   float64 // fraction of the computed backoff to jitter by, e.g. 0.2
	ClaimTTL     time.Duration
}

// DefaultConfig mirrors the teacher's asyncWriteWorker retry shape
// (maxRetries=5, backoff doubling from 100ms) generalized to a schedule
// rather than a blocking in-process loop.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Minute,
		JitterFrac:  0.2,
		ClaimTTL:    30 * time.Second,
	}
}

const (
	activePrefix   = "dlq:active:"
	terminalPrefix = "dlq:terminal:"
	claimPrefix    = "dlq:claim:"
	scheduleKey    = "dlq:schedule"
)

// Store is the Redis-backed DLQ.
type Store struct {
	cache cache.Cache
	log   zerolog.Logger
	cfg   Config
}

// NewStore constructs a Store.
func NewStore(c cache.Cache, log zerolog.Logger, cfg Config) *Store {
	return &Store{cache: c, log: log, cfg: cfg}
}

func activeKey(id string) string   { return activePrefix + id }
func terminalKey(id string) string { return terminalPrefix + id }
func claimKey(id string) string    { return claimPrefix + id }

// Upsert durably records reservationID as needing a retried finalize.
// An existing entry has attempt_count incremented and next_attempt_at /
// reason refreshed, preserving created_at. Reaching max_retries moves
// the entry straight to the terminal keyspace instead of rescheduling it.
func (s *Store) Upsert(ctx context.Context, reservationID, tenantID string, actualCost money.MicroUSD, traceID, reason string) error {
	return s.UpsertWithStatus(ctx, reservationID, tenantID, actualCost, traceID, reason, 0)
}

// UpsertWithStatus is Upsert with an HTTP response status attached, for
// callers that have one.
func (s *Store) UpsertWithStatus(ctx context.Context, reservationID, tenantID string, actualCost money.MicroUSD, traceID, reason string, responseStatus int) error {
	now := time.Now().UTC()

	existing, found, err := s.get(ctx, reservationID)
	if err != nil {
		return err
	}

	entry := Entry{
		ReservationID:  reservationID,
		TenantID:       tenantID,
		ActualCost:     actualCost,
		TraceID:        traceID,
		Reason:         reason,
		ResponseStatus: responseStatus,
		CreatedAt:      now,
		AttemptCount:   1,
	}
	if found {
		entry.CreatedAt = existing.CreatedAt
		entry.AttemptCount = existing.AttemptCount + 1
	}
	entry.NextAttemptAt = now.Add(backoff(entry.AttemptCount, s.cfg))

	if entry.AttemptCount >= s.cfg.MaxRetries {
		return s.terminalDrop(ctx, entry)
	}

	if err := s.putActive(ctx, entry); err != nil {
		return err
	}
	return s.cache.ZAdd(ctx, scheduleKey, cache.Z{
		Score: float64(entry.NextAttemptAt.UnixMilli()), Member: reservationID,
	})
}

// Ready returns up to limit entries whose next_attempt_at has passed.
// A schedule member with no active payload is an orphan: its schedule
// entry is removed and a warning logged, with no entry returned for it
// (spec.md §4.F's orphan-repair invariant).
func (s *Store) Ready(ctx context.Context, now time.Time, limit int64) ([]Entry, error) {
	ids, err := s.cache.ZRangeByScore(ctx, scheduleKey, math.Inf(-1), float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: ready scan: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, found, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			s.log.Warn().Str("reservation_id", id).Msg("dlq: orphan schedule member, payload missing")
			if err := s.cache.ZRem(ctx, scheduleKey, id); err != nil {
				s.log.Warn().Err(err).Str("reservation_id", id).Msg("dlq: failed to remove orphan schedule entry")
			}
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Claim acquires an exclusive, TTL-bound lock on reservationID so
// exactly one concurrent replayer processes it; losers must skip all
// mutation for this entry.
func (s *Store) Claim(ctx context.Context, reservationID string) (bool, error) {
	ok, err := s.cache.SetNX(ctx, claimKey(reservationID), "1", s.cfg.ClaimTTL)
	if err != nil {
		return false, fmt.Errorf("dlq: claim %s: %w", reservationID, err)
	}
	return ok, nil
}

// Release drops the claim lock early, e.g. after a successful replay.
func (s *Store) Release(ctx context.Context, reservationID string) error {
	return s.cache.Del(ctx, claimKey(reservationID))
}

// TerminalDrop moves reservationID from the active keyspace to the
// terminal keyspace, removing its schedule entry and claim lock.
func (s *Store) TerminalDrop(ctx context.Context, reservationID string) error {
	entry, found, err := s.get(ctx, reservationID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dlq: terminal drop %s: no active entry", reservationID)
	}
	return s.terminalDrop(ctx, entry)
}

func (s *Store) terminalDrop(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal terminal entry %s: %w", entry.ReservationID, err)
	}
	if err := s.cache.Set(ctx, terminalKey(entry.ReservationID), string(payload), 0); err != nil {
		return fmt.Errorf("dlq: write terminal entry %s: %w", entry.ReservationID, err)
	}
	if err := s.cache.Del(ctx, activeKey(entry.ReservationID), claimKey(entry.ReservationID)); err != nil {
		s.log.Warn().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq: failed to clean up active/claim keys after terminal drop")
	}
	if err := s.cache.ZRem(ctx, scheduleKey, entry.ReservationID); err != nil {
		s.log.Warn().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq: failed to remove schedule entry after terminal drop")
	}
	s.log.Warn().Str("reservation_id", entry.ReservationID).Int("attempt_count", entry.AttemptCount).
		Msg("dlq: entry dropped to terminal keyspace")
	return nil
}

// IsTerminal reports whether reservationID has been moved to the
// terminal keyspace.
func (s *Store) IsTerminal(ctx context.Context, reservationID string) (bool, error) {
	_, err := s.cache.Get(ctx, terminalKey(reservationID))
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) get(ctx context.Context, reservationID string) (Entry, bool, error) {
	raw, err := s.cache.Get(ctx, activeKey(reservationID))
	if errors.Is(err, cache.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("dlq: get %s: %w", reservationID, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("dlq: corrupt entry %s: %w", reservationID, err)
	}
	return e, true, nil
}

func (s *Store) putActive(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry %s: %w", entry.ReservationID, err)
	}
	if err := s.cache.Set(ctx, activeKey(entry.ReservationID), string(payload), 0); err != nil {
		return fmt.Errorf("dlq: put %s: %w", entry.ReservationID, err)
	}
	return nil
}

// backoff computes min(base*2^attempt, cap) ± jitter, spec.md §4.F.
func backoff(attempt int, cfg Config) time.Duration {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	cap := cfg.MaxBackoff
	if cap <= 0 {
		cap = 5 * time.Minute
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(cap) {
		d = float64(cap)
	}

	jitterFrac := cfg.JitterFrac
	if jitterFrac < 0 {
		jitterFrac = 0
	}
	jitter := d * jitterFrac * (rand.Float64()*2 - 1) // +/- jitterFrac
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
