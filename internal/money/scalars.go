package money

import (
	"fmt"
	"strconv"
	"strings"
)

// BasisPoints is an integer in [0, 10000] (0.00%-100.00%).
type BasisPoints int

// ParseBasisPoints parses a plain base-10 integer and range-checks it.
func ParseBasisPoints(s string) (BasisPoints, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("money: invalid basis points %q: %w", s, err)
	}
	return NewBasisPoints(n)
}

// NewBasisPoints validates n is within [0, 10000].
func NewBasisPoints(n int) (BasisPoints, error) {
	if n < 0 || n > 10000 {
		return 0, fmt.Errorf("money: basis points %d out of range [0,10000]", n)
	}
	return BasisPoints(n), nil
}

func (b BasisPoints) String() string { return strconv.Itoa(int(b)) }

// Fraction returns the basis-point value as a fraction of 1 (e.g. 250 -> 0.025).
func (b BasisPoints) Fraction() float64 { return float64(b) / 10000.0 }

// AccountID is an opaque, non-empty, whitespace-free account identifier.
type AccountID string

// ParseAccountID validates the reserved-namespace rules from spec.md §3:
// non-empty and free of whitespace.
func ParseAccountID(s string) (AccountID, error) {
	if s == "" {
		return "", fmt.Errorf("money: empty account id")
	}
	if strings.ContainsAny(s, " \t\n\r") {
		return "", fmt.Errorf("money: account id %q contains whitespace", s)
	}
	return AccountID(s), nil
}

func (a AccountID) String() string { return string(a) }

func (a AccountID) MarshalText() ([]byte, error) { return []byte(a), nil }

func (a *AccountID) UnmarshalText(text []byte) error {
	v, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Reserved account-namespace constructors, spec.md §3.
func UserAvailable(userID string) AccountID { return AccountID(fmt.Sprintf("user:%s:available", userID)) }
func UserHeld(userID string) AccountID      { return AccountID(fmt.Sprintf("user:%s:held", userID)) }

const (
	SystemRevenue     AccountID = "system:revenue"
	SystemReserves    AccountID = "system:reserves"
	SystemCreditNotes AccountID = "system:credit_notes"
	TreasuryUSDC      AccountID = "treasury:usdc_received"
)

// PoolID is one of the closed model-pool vocabulary, spec.md §4.J.
type PoolID string

const (
	PoolCheap     PoolID = "cheap"
	PoolFastCode  PoolID = "fast-code"
	PoolReviewer  PoolID = "reviewer"
	PoolReasoning PoolID = "reasoning"
	PoolArchitect PoolID = "architect"
)

// AllPools is the closed vocabulary, in the order the tiers unlock the
// pools. Routing breaks affinity ties by plain string order of the pool
// id, not by this order.
var AllPools = []PoolID{PoolCheap, PoolFastCode, PoolReviewer, PoolReasoning, PoolArchitect}

// ParsePoolID validates against the closed vocabulary.
func ParsePoolID(s string) (PoolID, error) {
	p := PoolID(s)
	for _, candidate := range AllPools {
		if candidate == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("money: unknown pool id %q", s)
}

func (p PoolID) String() string { return string(p) }

// Denom is the currency denomination of a posting, spec.md §3.
type Denom string

const (
	DenomMicroUSD   Denom = "MicroUSD"
	DenomCreditUnit Denom = "CreditUnit"
	DenomMicroUSDC  Denom = "MicroUSDC"
)
