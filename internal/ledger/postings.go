package ledger

import "github.com/0xHoneyJar/loa-finn-sub009/internal/money"

// The posting builders below are a literal transcription of spec.md
// §3's posting rules. They build the []Posting vector for a draft
// entry; callers (mainly internal/reserve) still own the
// BillingEntryID/CorrelationID and call AppendEntry.

// BillingReservePostings: user:u:available -a, user:u:held +a.
func BillingReservePostings(user string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.UserAvailable(user), Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserHeld(user), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// BillingCommitPostings: user:u:held -est, system:revenue +act,
// user:u:available +(est-act), the last posting omitted when the
// overage/underage is exactly zero.
func BillingCommitPostings(user string, est, act money.MicroUSD) []Posting {
	postings := []Posting{
		{Account: money.UserHeld(user), Delta: est.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.SystemRevenue, Delta: act, Denom: money.DenomMicroUSD},
	}
	overage := est.Sub(act)
	if !overage.IsZero() {
		postings = append(postings, Posting{
			Account: money.UserAvailable(user), Delta: overage, Denom: money.DenomMicroUSD,
		})
	}
	return postings
}

// BillingReleasePostings: user:u:held -a, user:u:available +a.
func BillingReleasePostings(user string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.UserHeld(user), Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(user), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// BillingVoidPostings: system:revenue -a, user:u:available +a.
func BillingVoidPostings(user string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.SystemRevenue, Delta: amount.Neg(), Denom: money.DenomMicroUSD},
		{Account: money.UserAvailable(user), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// CreditMintPostings: treasury:usdc_received -a, user:u:available +a.
func CreditMintPostings(user string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.TreasuryUSDC, Delta: amount.Neg(), Denom: money.DenomMicroUSDC},
		{Account: money.UserAvailable(user), Delta: amount, Denom: money.DenomMicroUSD},
	}
}

// X402CreditNotePostings: system:credit_notes -a, user:u:available +a.
func X402CreditNotePostings(user string, amount money.MicroUSD) []Posting {
	return []Posting{
		{Account: money.SystemCreditNotes, Delta: amount.Neg(), Denom: money.DenomCreditUnit},
		{Account: money.UserAvailable(user), Delta: amount, Denom: money.DenomMicroUSD},
	}
}
