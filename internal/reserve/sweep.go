package reserve

import (
	"context"
	"math"
	"time"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
)

// SweepExpired releases reservations whose TTL has passed and that were
// never finalized -- the auto-release side of the reserve TTL. No
// command under cmd/ calls it, so in the shipped binaries a hold that is
// never finalized stays held. Already-finalized reservations are skipped
// (Finalize's own idempotency guard handles the rare race where a
// finalize lands concurrently with a sweep) and their stale schedule
// entries are still removed.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time, limit int64) (released int, err error) {
	due, err := e.cache.ZRangeByScore(ctx, expirySchedKey(), math.Inf(-1), float64(now.UnixMilli()), limit)
	if err != nil {
		return 0, err
	}

	for _, reservationID := range due {
		result, finErr := e.Finalize(ctx, reservationID, KindRelease, money.Zero(), "", "ttl-sweep")
		if finErr != nil {
			e.log.Warn().Err(finErr).Str("reservation_id", reservationID).Msg("reserve: sweep release failed")
			continue
		}
		if err := e.cache.ZRem(ctx, expirySchedKey(), reservationID); err != nil {
			e.log.Warn().Err(err).Str("reservation_id", reservationID).Msg("reserve: failed to remove swept schedule entry")
		}
		if result.Status == StatusFinalized {
			released++
		}
	}
	return released, nil
}
