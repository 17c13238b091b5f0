package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

// walNamespace is the namespace this package writes into and filters on
// when replaying a WAL instance that may be shared with other writers.
const walNamespace = "ledger"

// Ledger is the in-memory double-entry projection. Thread safety mirrors
// the teacher: a single mutex guards the whole structure, since an
// append is cheap in-process work once the durable WAL write returns.
type Ledger struct {
	mu  sync.RWMutex
	wal walbridge.WAL
	log zerolog.Logger

	balances       map[money.AccountID]*big.Int
	entries        []Entry
	byBillingEntry map[string][]int
	seen           map[dedupeKey]int

	creditNotes *creditNoteLedger
	nonces      *paymentNonceTracker
}

type dedupeKey struct {
	billingEntryID string
	eventType      EventType
}

// walRecord is the on-the-wire shape of an entry as stored in the WAL
// payload; Entry itself carries the offset/timestamp the WAL assigns,
// so those are not duplicated here.
type walRecord struct {
	BillingEntryID string            `json:"billing_entry_id"`
	EventType      EventType         `json:"event_type"`
	CorrelationID  string            `json:"correlation_id"`
	Postings       []walPosting      `json:"postings"`
	ExchangeRate   *decimal.Decimal  `json:"exchange_rate,omitempty"`
	Rounding       RoundingDirection `json:"rounding,omitempty"`
}

type walPosting struct {
	Account  money.AccountID   `json:"account"`
	Delta    string            `json:"delta"`
	Denom    money.Denom       `json:"denom"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewLedger constructs a Ledger backed by wal, replaying every persisted
// entry to rebuild the in-memory projection before returning.
func NewLedger(ctx context.Context, wal walbridge.WAL, log zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		wal:            wal,
		log:            log,
		balances:       make(map[money.AccountID]*big.Int),
		byBillingEntry: make(map[string][]int),
		seen:           make(map[dedupeKey]int),
	}
	l.creditNotes = newCreditNoteLedger(l)
	l.nonces = newPaymentNonceTracker()

	if err := l.replay(ctx); err != nil {
		return nil, fmt.Errorf("ledger: replay at boot: %w", err)
	}
	l.log.Info().Int("entries", len(l.entries)).Int("accounts", len(l.balances)).
		Msg("ledger projection rebuilt from wal")
	return l, nil
}

func (l *Ledger) replay(ctx context.Context) error {
	return l.wal.Replay(ctx, func(env walbridge.Envelope) error {
		if env.Namespace != walNamespace {
			return nil
		}
		var rec walRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return fmt.Errorf("ledger: corrupt wal record at offset %d: %w", env.Offset, err)
		}
		entry, err := rec.toEntry(env.Offset, env.Timestamp)
		if err != nil {
			return fmt.Errorf("ledger: rehydrate wal record at offset %d: %w", env.Offset, err)
		}

		l.mu.Lock()
		l.ingestLocked(entry)
		l.mu.Unlock()
		return nil
	})
}

func (rec walRecord) toEntry(offset uint64, ts time.Time) (Entry, error) {
	postings := make([]Posting, 0, len(rec.Postings))
	for _, p := range rec.Postings {
		delta, err := money.ParseMicroUSD(p.Delta)
		if err != nil {
			return Entry{}, fmt.Errorf("posting delta %q: %w", p.Delta, err)
		}
		postings = append(postings, Posting{
			Account: p.Account, Delta: delta, Denom: p.Denom, Metadata: p.Metadata,
		})
	}
	return Entry{
		BillingEntryID: rec.BillingEntryID,
		EventType:      rec.EventType,
		CorrelationID:  rec.CorrelationID,
		Postings:       postings,
		ExchangeRate:   rec.ExchangeRate,
		Rounding:       rec.Rounding,
		Offset:         offset,
		Timestamp:      ts,
	}, nil
}

func toWALRecord(d EntryDraft) walRecord {
	postings := make([]walPosting, 0, len(d.Postings))
	for _, p := range d.Postings {
		postings = append(postings, walPosting{
			Account: p.Account, Delta: p.Delta.String(), Denom: p.Denom, Metadata: p.Metadata,
		})
	}
	return walRecord{
		BillingEntryID: d.BillingEntryID,
		EventType:      d.EventType,
		CorrelationID:  d.CorrelationID,
		Postings:       postings,
		ExchangeRate:   d.ExchangeRate,
		Rounding:       d.Rounding,
	}
}

// AppendEntry validates J1 (zero-sum), deduplicates on
// (billing_entry_id, event_type) per J2, durably appends to the WAL,
// and folds the entry into the in-memory projection. A duplicate append
// is a no-op that returns the original entry -- this is what makes
// retried callers (internal/reserve's finalize path) safe.
func (l *Ledger) AppendEntry(ctx context.Context, draft EntryDraft) (Entry, error) {
	if err := draft.validate(); err != nil {
		return Entry{}, err
	}

	key := dedupeKey{draft.BillingEntryID, draft.EventType}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.seen[key]; ok {
		return l.entries[idx], nil
	}

	payload, err := json.Marshal(toWALRecord(draft))
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal entry %s: %w", draft.BillingEntryID, err)
	}

	offset, err := l.wal.Append(ctx, walNamespace, string(draft.EventType), draft.BillingEntryID, payload)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: wal append for %s: %w", draft.BillingEntryID, err)
	}

	entry := draft.toEntry(offset, time.Now().UTC())
	l.ingestLocked(entry)

	l.log.Debug().
		Str("billing_entry_id", entry.BillingEntryID).
		Str("event_type", string(entry.EventType)).
		Uint64("offset", entry.Offset).
		Msg("ledger entry appended")

	return entry, nil
}

// ingestLocked folds entry into balances/indices. Caller must hold mu.
// A duplicate key reaching here (possible if the same offset is somehow
// replayed twice) is logged and skipped rather than double-counted.
func (l *Ledger) ingestLocked(entry Entry) {
	key := dedupeKey{entry.BillingEntryID, entry.EventType}
	if _, ok := l.seen[key]; ok {
		l.log.Warn().
			Str("billing_entry_id", entry.BillingEntryID).
			Str("event_type", string(entry.EventType)).
			Msg("ledger: duplicate entry key seen during ingest, skipping")
		return
	}

	idx := len(l.entries)
	l.entries = append(l.entries, entry)
	l.seen[key] = idx
	l.byBillingEntry[entry.BillingEntryID] = append(l.byBillingEntry[entry.BillingEntryID], idx)

	for _, p := range entry.Postings {
		bal, ok := l.balances[p.Account]
		if !ok {
			bal = new(big.Int)
			l.balances[p.Account] = bal
		}
		bal.Add(bal, p.Delta.BigInt())
	}
}

// DeriveBalance sums every posting delta against account across all
// appended entries.
func (l *Ledger) DeriveBalance(account money.AccountID) money.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.balances[account]
	if !ok {
		return money.Zero()
	}
	return money.FromBigInt(bal)
}

// DeriveAllBalances returns a snapshot mapping every account with a
// nonzero posting history to its derived balance.
func (l *Ledger) DeriveAllBalances() map[money.AccountID]money.MicroUSD {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[money.AccountID]money.MicroUSD, len(l.balances))
	for acct, bal := range l.balances {
		out[acct] = money.FromBigInt(bal)
	}
	return out
}

// EntriesFor returns the ordered slice of entries sharing billingEntryID.
func (l *Ledger) EntriesFor(billingEntryID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byBillingEntry[billingEntryID]
	out := make([]Entry, len(idxs))
	for i, idx := range idxs {
		out[i] = l.entries[idx]
	}
	return out
}

// HasEntry reports whether (billingEntryID, eventType) has already been
// appended -- the dedupe check internal/reserve consults before deciding
// a finalize call is a fresh transition versus an idempotent replay.
func (l *Ledger) HasEntry(billingEntryID string, eventType EventType) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[dedupeKey{billingEntryID, eventType}]
	return ok
}

// NewCorrelationID mints a correlation id for a fresh journal entry,
// mirroring the teacher's uuid.New() use for transaction ids.
func NewCorrelationID() string { return uuid.NewString() }
