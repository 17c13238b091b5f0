package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// CreditNote is an off-chain credit issued to a user, spec.md §1's
// "off-chain credit notes" carve-out of the real-USDC-settlement
// non-goal.
type CreditNote struct {
	ID             string
	Account        money.AccountID
	Amount         money.MicroUSD
	IssuedAt       time.Time
	CorrelationID  string
	BillingEntryID string
}

// CreditNoteApplication is the result of reconciling an owed amount
// against an account's credit-note balance.
type CreditNoteApplication struct {
	// Reduced is the amount newly applied against owed by this call.
	Reduced money.MicroUSD
	// Used is the cumulative amount ever applied for this account.
	Used money.MicroUSD
	// Remaining is the unclaimed credit-note balance left after this call.
	Remaining money.MicroUSD
}

// creditNoteLedger tracks per-user credit-note bookkeeping alongside the
// journal. Two pools exist: an unclaimed "pending" balance (credited but
// not yet redeemed against an owed amount) and a running total of value
// ever redeemed, for audit queries.
type creditNoteLedger struct {
	mu       sync.Mutex
	ledger   *Ledger
	pending  map[money.AccountID]money.MicroUSD
	everUsed map[money.AccountID]money.MicroUSD
	notes    map[money.AccountID][]*CreditNote
}

func newCreditNoteLedger(l *Ledger) *creditNoteLedger {
	return &creditNoteLedger{
		ledger:   l,
		pending:  make(map[money.AccountID]money.MicroUSD),
		everUsed: make(map[money.AccountID]money.MicroUSD),
		notes:    make(map[money.AccountID][]*CreditNote),
	}
}

// issue posts the x402_credit_note journal entry immediately (spec.md
// §3's posting rule: system:credit_notes -a, user:u:available +a) and
// records the note as redeemed at issuance -- the account's available
// balance has already been credited, so there is nothing left pending
// for a subsequent apply call to find.
func (c *creditNoteLedger) issue(ctx context.Context, userID string, amount money.MicroUSD, correlationID string) (*CreditNote, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: credit note amount must be positive, got %s", amount)
	}

	billingEntryID := "creditnote:" + uuid.NewString()
	entry, err := c.ledger.AppendEntry(ctx, EntryDraft{
		BillingEntryID: billingEntryID,
		EventType:      EventX402CreditNote,
		CorrelationID:  correlationID,
		Postings:       X402CreditNotePostings(userID, amount),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: issue credit note for %s: %w", userID, err)
	}

	note := &CreditNote{
		ID:             billingEntryID,
		Account:        money.UserAvailable(userID),
		Amount:         amount,
		IssuedAt:       entry.Timestamp,
		CorrelationID:  correlationID,
		BillingEntryID: billingEntryID,
	}

	acct := money.AccountID(userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes[acct] = append(c.notes[acct], note)
	c.everUsed[acct] = c.everUsed[acct].Add(amount)
	return note, nil
}

// creditPending tops up userID's unclaimed credit-note pool without
// posting a journal entry. This is the path for a note issued but not
// immediately settled; a later apply call redeems it and only then is
// the ledger posting made by the caller (e.g. on confirmed settlement).
func (c *creditNoteLedger) creditPending(userID string, amount money.MicroUSD) {
	acct := money.AccountID(userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[acct] = c.pending[acct].Add(amount)
}

// apply reports how much of owed the account's unclaimed credit-note
// pool can cover right now, and the account's cumulative credit-note
// history. Idempotent: calling it again with nothing newly pending
// returns reduced=0 while still reporting the running totals.
func (c *creditNoteLedger) apply(userID string, owed money.MicroUSD) CreditNoteApplication {
	acct := money.AccountID(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.pending[acct]
	reduced := pending
	if reduced.Cmp(owed) > 0 {
		reduced = owed
	}
	if !reduced.IsZero() {
		c.pending[acct] = pending.Sub(reduced)
		c.everUsed[acct] = c.everUsed[acct].Add(reduced)
	}
	return CreditNoteApplication{
		Reduced:   reduced,
		Used:      c.everUsed[acct],
		Remaining: c.pending[acct],
	}
}

func (c *creditNoteLedger) notesFor(userID string) []*CreditNote {
	c.mu.Lock()
	defer c.mu.Unlock()
	notes := c.notes[money.AccountID(userID)]
	out := make([]*CreditNote, len(notes))
	copy(out, notes)
	return out
}

// IssueCreditNote issues and immediately redeems a credit note for
// userID, posting the journal entry per spec.md §3.
func (l *Ledger) IssueCreditNote(ctx context.Context, userID string, amount money.MicroUSD, correlationID string) (*CreditNote, error) {
	return l.creditNotes.issue(ctx, userID, amount, correlationID)
}

// CreditPendingNote records an unclaimed credit-note balance for userID
// without posting a journal entry, for settlement paths that apply
// before posting.
func (l *Ledger) CreditPendingNote(userID string, amount money.MicroUSD) {
	l.creditNotes.creditPending(userID, amount)
}

// ApplyCreditNotes reconciles owed against userID's credit-note balance.
func (l *Ledger) ApplyCreditNotes(userID string, owed money.MicroUSD) CreditNoteApplication {
	return l.creditNotes.apply(userID, owed)
}

// CreditNotesFor returns the audit trail of credit notes issued to userID.
func (l *Ledger) CreditNotesFor(userID string) []*CreditNote {
	return l.creditNotes.notesFor(userID)
}
