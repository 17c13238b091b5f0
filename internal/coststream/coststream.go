// Package coststream implements the streaming cost-attribution tracker
// of spec.md §4.I: a pass-through middleware over a model's event
// stream that accumulates enough state to bill the call once it ends,
// without altering anything the consumer sees.
//
// Grounded on spec.md §9's "coroutine streams / async iterators"
// redesign note: modeled as a pull-based event channel rather than a
// callback or generator, since none of the pack's ledger/blockchain
// repos ship a token-streaming construct to imitate.
package coststream

import (
	"context"
	"math"
	"math/big"
	"sync"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// EventKind enumerates the event vocabulary of spec.md §4.I.
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventToolCall EventKind = "tool_call"
	EventUsage    EventKind = "usage"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Usage is the provider-reported token accounting carried by a usage
// event.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// StreamEvent is one item on the pull-based event channel. Only the
// fields relevant to Kind are populated.
type StreamEvent struct {
	Kind          EventKind
	DeltaText     string
	ToolCallIndex int
	Usage         *Usage
	Err           error
}

// BillingMethod names how a Result's cost was attributed.
type BillingMethod string

const (
	MethodProviderReported BillingMethod = "provider_reported"
	MethodByteEstimated    BillingMethod = "byte_estimated"
	MethodPromptOnly       BillingMethod = "prompt_only"
)

// Pricing is the per-million-token price table in effect for one
// streamed completion, micro-USD per 1e6 tokens.
type Pricing struct {
	PIn           money.MicroUSD
	POut          money.MicroUSD
	PReason       money.MicroUSD
	BytesPerToken int64 // falls back to 4 when <= 0, spec.md §4.I
}

// Result is the terminal billing outcome of one streamed completion.
type Result struct {
	BillingMethod    BillingMethod
	PromptTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
	Cost             money.MicroUSD
	WasAborted       bool
}

// Tracker accumulates cost state for a single streamed completion. It
// is not safe for reuse across completions; construct one per stream.
type Tracker struct {
	promptTokens int64
	pricing      Pricing

	mu          sync.Mutex
	outputBytes int64
	lastUsage   *Usage
	wasAborted  bool
}

// NewTracker constructs a Tracker. promptTokens is the input token
// count known up front (the prompt has already been sent before
// streaming starts, so this is not itself observed from the stream).
func NewTracker(promptTokens int64, pricing Pricing) *Tracker {
	if pricing.BytesPerToken <= 0 {
		pricing.BytesPerToken = 4
	}
	return &Tracker{promptTokens: promptTokens, pricing: pricing}
}

// Wrap returns a channel that re-emits every event read from in
// unchanged, while accumulating cost state as a side effect. The
// returned channel closes when in closes, a done/error event passes
// through, or ctx is canceled -- the last case also sets was_aborted.
func (t *Tracker) Wrap(ctx context.Context, in <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				t.mu.Lock()
				t.wasAborted = true
				t.mu.Unlock()
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				t.observe(ev)
				select {
				case out <- ev:
				case <-ctx.Done():
					t.mu.Lock()
					t.wasAborted = true
					t.mu.Unlock()
					return
				}
				if ev.Kind == EventDone || ev.Kind == EventError {
					return
				}
			}
		}
	}()
	return out
}

func (t *Tracker) observe(ev StreamEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.Kind {
	case EventChunk:
		// len() on a Go string is its UTF-8 byte length, not its rune
		// count -- exactly the byte counting spec.md §4.I requires.
		t.outputBytes += int64(len(ev.DeltaText))
	case EventUsage:
		if ev.Usage != nil {
			u := *ev.Usage
			t.lastUsage = &u
		}
	}
}

// Abort marks the stream as aborted without going through Wrap's
// channel/context plumbing, for callers that detect cancellation
// another way (e.g. an explicit abort_signal rather than ctx).
func (t *Tracker) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wasAborted = true
}

// Result computes the terminal billing outcome per spec.md §4.I's
// provider_reported -> byte_estimated -> prompt_only fallback chain.
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultLocked()
}

func (t *Tracker) resultLocked() Result {
	if t.lastUsage != nil {
		u := *t.lastUsage
		return Result{
			BillingMethod:    MethodProviderReported,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			ReasoningTokens:  u.ReasoningTokens,
			Cost:             t.cost(u.PromptTokens, u.CompletionTokens, u.ReasoningTokens),
			WasAborted:       t.wasAborted,
		}
	}
	if t.outputBytes > 0 {
		completion := ceilDiv(t.outputBytes, t.pricing.BytesPerToken)
		return Result{
			BillingMethod:    MethodByteEstimated,
			PromptTokens:     t.promptTokens,
			CompletionTokens: completion,
			Cost:             t.cost(t.promptTokens, completion, 0),
			WasAborted:       t.wasAborted,
		}
	}
	return Result{
		BillingMethod: MethodPromptOnly,
		PromptTokens:  t.promptTokens,
		Cost:          t.cost(t.promptTokens, 0, 0),
		WasAborted:    t.wasAborted,
	}
}

// OvercountResult is get_overcount_result from spec.md §4.I: on abort,
// byte-estimated completion tokens are biased 1.10x toward the
// provider. If usageOnAbort is true and a usage event was observed, it
// is used exactly instead, with no overcount.
func (t *Tracker) OvercountResult(usageOnAbort bool) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if usageOnAbort && t.lastUsage != nil {
		return t.resultLocked()
	}

	base := t.resultLocked()
	if base.BillingMethod != MethodByteEstimated {
		return base
	}

	overcounted := int64(math.Ceil(float64(base.CompletionTokens) * 1.10))
	return Result{
		BillingMethod:    MethodByteEstimated,
		PromptTokens:     base.PromptTokens,
		CompletionTokens: overcounted,
		ReasoningTokens:  base.ReasoningTokens,
		Cost:             t.cost(base.PromptTokens, overcounted, base.ReasoningTokens),
		WasAborted:       t.wasAborted,
	}
}

// cost implements spec.md §4.I's floor-division cost formula:
// input*p_in/1e6 + completion*p_out/1e6 + reasoning*p_reason/1e6.
func (t *Tracker) cost(prompt, completion, reasoning int64) money.MicroUSD {
	return tokenCost(prompt, t.pricing.PIn).
		Add(tokenCost(completion, t.pricing.POut)).
		Add(tokenCost(reasoning, t.pricing.PReason))
}

func tokenCost(tokens int64, pricePerMillion money.MicroUSD) money.MicroUSD {
	if tokens <= 0 {
		return money.Zero()
	}
	product := new(big.Int).Mul(pricePerMillion.BigInt(), big.NewInt(tokens))
	product.Div(product, big.NewInt(1_000_000))
	return money.FromBigInt(product)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		b = 1
	}
	return (a + b - 1) / b
}
