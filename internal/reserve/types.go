// Package reserve implements the hot-path Quote/Reserve/Finalize engine,
// spec.md §4.E: a generalization of the teacher's three Lua scripts
// (checkAndReserveScript, deductGrainsScript, finalizeRequestScript)
// from internal/ledger/ledger.go into double-entry postings against
// internal/ledger, backed by an atomic compare-and-set over
// internal/cache.
package reserve

import (
	"context"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// Outcome is the result tag of a Reserve call.
type Outcome string

const (
	OutcomeReserved          Outcome = "ok"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeConflict          Outcome = "conflict"
	OutcomeFailClosed        Outcome = "fail_closed"
)

// Reservation is the hold created by a successful Reserve call.
type Reservation struct {
	ID        string
	User      string
	MaxCost   money.MicroUSD
	CreatedAt time.Time
}

// ReserveResult is the return shape of Reserve.
type ReserveResult struct {
	Outcome          Outcome
	Reservation      *Reservation
	AvailableBalance money.MicroUSD
}

// Kind is the terminal transition requested of Finalize.
type Kind string

const (
	KindCommit  Kind = "commit"
	KindRelease Kind = "release"
	KindVoid    Kind = "void"
)

// Status is the outcome tag of a Finalize call.
type Status string

const (
	StatusFinalized     Status = "finalized"
	StatusIdempotent    Status = "idempotent"
	StatusDeadLettered  Status = "dlq"
)

// FinalizeResult is the return shape of Finalize.
type FinalizeResult struct {
	Status Status
	Entry  *ledger.Entry
}

// DeadLetter is the capability Finalize needs on cache-unavailable
// (E4): park the reservation for later replay instead of blocking the
// hot path. Expressed as an interface (spec.md §9's capability-
// interface redesign note) so internal/reserve never imports
// internal/dlq directly; cmd/api wires a *dlq.Store that satisfies it.
type DeadLetter interface {
	Upsert(ctx context.Context, reservationID, tenantID string, actualCost money.MicroUSD, traceID, reason string) error
}

// BudgetAuthority is the capability Reserve/Finalize need to consult
// component H's admission machine: spec.md §2's data flow has the
// reconciler "flip the admission mode" that new reserves are gated on,
// and §7 has a FAIL_OPEN episode's admitted spend recorded rather than
// failing requests outright. Expressed as an interface, not a
// dependency on *reconcile.Client, for the same reason as DeadLetter.
type BudgetAuthority interface {
	ShouldAllowRequest(tenantID string) bool
	RecordLocalSpend(tenantID string, cost money.MicroUSD)
}

func finalizeEventType(kind Kind) ledger.EventType {
	switch kind {
	case KindCommit:
		return ledger.EventBillingCommit
	case KindRelease:
		return ledger.EventBillingRelease
	case KindVoid:
		return ledger.EventBillingVoid
	default:
		return ""
	}
}
