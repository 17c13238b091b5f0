package edgeauth

import (
	"context"
	"fmt"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
)

// ReplayGuard enforces JTI single-use for WebSocket upgrades, spec.md
// §4.L: an atomic SET-NX with TTL on a cache key derived from jti; on
// cache unavailability, fail closed (treat as replay).
type ReplayGuard struct {
	c   cache.Cache
	ttl time.Duration
}

// NewReplayGuard constructs a ReplayGuard backed by c with the given
// jti key TTL.
func NewReplayGuard(c cache.Cache, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{c: c, ttl: ttl}
}

func jtiKey(jti string) string { return "jti:" + jti }

// Claim reports whether jti has not been seen before, atomically
// marking it seen if so. Cache unavailability fails closed: Claim
// returns false (treat as replay) rather than risking a double-spend
// of the token.
func (g *ReplayGuard) Claim(ctx context.Context, jti string) (firstUse bool, err error) {
	if jti == "" {
		return false, fmt.Errorf("edgeauth: empty jti")
	}
	if !g.c.Healthy(ctx) {
		return false, nil
	}
	ok, err := g.c.SetNX(ctx, jtiKey(jti), "1", g.ttl)
	if err != nil {
		return false, nil
	}
	return ok, nil
}
