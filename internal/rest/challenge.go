package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/apierr"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// ChallengeSigner mints the 402 payment challenge body of spec.md §6:
// {nonce, amount, recipient, chain_id, expires_at, hmac}. The hmac lets
// a downstream payment verifier (out of scope here, per spec.md §1's
// "real wallet-level USDC settlement" non-goal) confirm the challenge
// was minted by this process and not forged by the client retrying
// with an inflated amount.
//
// Grounded on internal/ledger/paymentnonce.go's existing crypto/sha256
// use for the payment-id hash: no HMAC-signing library appears in any
// retrieved go.mod, so the stdlib crypto/hmac primitive is used here
// too rather than reaching for an unrelated dependency.
type ChallengeSigner struct {
	secret    []byte
	recipient string
	chainID   int64
	ttl       time.Duration
}

// NewChallengeSigner constructs a ChallengeSigner. secret must be kept
// server-side; recipient and chainID describe the settlement
// destination a client's payment must target.
func NewChallengeSigner(secret []byte, recipient string, chainID int64, ttl time.Duration) *ChallengeSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeSigner{secret: secret, recipient: recipient, chainID: chainID, ttl: ttl}
}

// Challenge is the wire shape of spec.md §6's 402 challenge body.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	ChainID   int64  `json:"chain_id"`
	ExpiresAt int64  `json:"expires_at"`
	HMAC      string `json:"hmac"`
}

// Mint produces a fresh, signed Challenge for amount.
func (s *ChallengeSigner) Mint(amount money.MicroUSD) Challenge {
	nonce := uuid.NewString()
	expiresAt := time.Now().Add(s.ttl).UnixMilli()
	c := Challenge{
		Nonce:     nonce,
		Amount:    amount.String(),
		Recipient: s.recipient,
		ChainID:   s.chainID,
		ExpiresAt: expiresAt,
	}
	c.HMAC = s.sign(c)
	return c
}

func (s *ChallengeSigner) sign(c Challenge) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%d|%d", c.Nonce, c.Amount, c.Recipient, c.ChainID, c.ExpiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

type challengeBody struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Challenge Challenge `json:"challenge"`
}

// writeChallenge writes the 402 insufficient-funds response body. A nil
// signer degrades to a plain auth-style error, since a deployment
// without settlement configured has nothing meaningful to challenge
// with.
func writeChallenge(w http.ResponseWriter, signer *ChallengeSigner, user string, amount money.MicroUSD) {
	if signer == nil {
		writeAPIErr(w, apierr.InsufficientFunds("insufficient funds"))
		return
	}
	writeJSON(w, http.StatusPaymentRequired, challengeBody{
		Error:     "insufficient funds",
		Code:      string(apierr.CodeInsufficientFunds),
		Challenge: signer.Mint(amount),
	})
}
