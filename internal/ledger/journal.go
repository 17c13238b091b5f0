// Package ledger is the double-entry financial core: an in-memory
// projection of journal entries, rebuilt by replaying a WAL at boot,
// with zero-sum enforcement on every append.
//
// Two data stores sit behind this package conceptually: the WAL
// (authoritative, durable, append-only) and a cache projection
// (fast, volatile, periodically reconciled). The ledger itself only
// ever talks to the WAL; internal/cache and internal/reconcile own
// the Redis side of that split.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// EventType is the journal entry's billing-lifecycle tag.
type EventType string

const (
	EventCreditMint               EventType = "credit_mint"
	EventBillingReserve           EventType = "billing_reserve"
	EventBillingCommit            EventType = "billing_commit"
	EventBillingRelease           EventType = "billing_release"
	EventBillingVoid              EventType = "billing_void"
	EventX402CreditNote           EventType = "x402_credit_note"
	EventReconciliationCorrection EventType = "reconciliation_correction"
)

// RoundingDirection records which way a fractional remainder was rounded
// when an entry's exchange rate produced a non-integer micro-USD amount.
type RoundingDirection string

const (
	RoundUnspecified RoundingDirection = ""
	RoundUp          RoundingDirection = "up"
	RoundDown        RoundingDirection = "down"
	RoundNearest     RoundingDirection = "nearest"
)

// Posting is one side of a balanced journal entry: a signed delta against
// one account, in one denomination.
type Posting struct {
	Account  money.AccountID
	Delta    money.MicroUSD
	Denom    money.Denom
	Metadata map[string]string
}

// EntryDraft is the caller-supplied shape of a not-yet-appended entry.
// AppendEntry assigns the WAL offset and timestamp.
type EntryDraft struct {
	BillingEntryID string
	EventType      EventType
	CorrelationID  string
	Postings       []Posting
	ExchangeRate   *decimal.Decimal
	Rounding       RoundingDirection
}

// Entry is an immutable, appended journal entry, spec.md §3.
type Entry struct {
	BillingEntryID string
	EventType      EventType
	CorrelationID  string
	Postings       []Posting
	ExchangeRate   *decimal.Decimal
	Rounding       RoundingDirection
	Offset         uint64
	Timestamp      time.Time
}

// ErrZeroSumViolated is returned by AppendEntry when an entry's postings
// do not sum to zero (invariant J1: Σpostings.delta == 0 per entry, flat
// across denominations -- credit_mint and x402_credit_note deliberately
// cross a denomination boundary, e.g. USDC burned against USD minted).
type ErrZeroSumViolated struct {
	Sum money.MicroUSD
}

func (e *ErrZeroSumViolated) Error() string {
	return fmt.Sprintf("ledger: zero-sum violated: sum=%s", e.Sum)
}

// ErrBadPostingCount is returned for an entry with no postings at all.
type ErrBadPostingCount struct {
	BillingEntryID string
}

func (e *ErrBadPostingCount) Error() string {
	return fmt.Sprintf("ledger: entry %s has no postings", e.BillingEntryID)
}

func (d EntryDraft) validate() error {
	if d.BillingEntryID == "" {
		return fmt.Errorf("ledger: empty billing entry id")
	}
	if d.EventType == "" {
		return fmt.Errorf("ledger: empty event type")
	}
	if len(d.Postings) == 0 {
		return &ErrBadPostingCount{BillingEntryID: d.BillingEntryID}
	}

	sum := money.Zero()
	for _, p := range d.Postings {
		if p.Account == "" {
			return fmt.Errorf("ledger: posting with empty account in entry %s", d.BillingEntryID)
		}
		sum = sum.Add(p.Delta)
	}
	if !sum.IsZero() {
		return &ErrZeroSumViolated{Sum: sum}
	}
	return nil
}

func (d EntryDraft) toEntry(offset uint64, ts time.Time) Entry {
	return Entry{
		BillingEntryID: d.BillingEntryID,
		EventType:      d.EventType,
		CorrelationID:  d.CorrelationID,
		Postings:       d.Postings,
		ExchangeRate:   d.ExchangeRate,
		Rounding:       d.Rounding,
		Offset:         offset,
		Timestamp:      ts,
	}
}
