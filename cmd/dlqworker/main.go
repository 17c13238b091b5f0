// Package main runs the dead-letter queue replay loop: a standalone
// process that polls internal/dlq for entries whose retry schedule has
// come due, claims each one exclusively, and replays the commit against
// the reserve engine.
//
// Isolated from cmd/api so a backlog of failed finalizations, or a slow
// downstream dependency during replay, never competes with the
// reserve/finalize hot path for goroutines or connections.
//
// Grounded on the teacher's asyncWriteWorker pool in
// internal/ledger/ledger.go: a fixed worker count each polling the same
// shared queue, generalized here from in-process goroutines draining a
// channel to independent poll ticks against internal/dlq's Redis-backed
// schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/config"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/dlq"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reserve"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

// numWorkers mirrors the teacher's asyncWriteWorker pool size.
const numWorkers = 10

// pollInterval is how often an idle worker re-checks the DLQ schedule.
const pollInterval = 2 * time.Second

// dispatchBatch bounds how many ready entries one poll claims at once.
const dispatchBatch = 50

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.Verbose)

	logger.Info().Int("workers", numWorkers).Msg("starting dlq replay workers")

	wal, err := walbridge.OpenFileWAL(cfg.WALPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open wal")
	}
	defer wal.Close()

	ldgr, err := ledger.NewLedger(context.Background(), wal, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to replay ledger from wal")
	}

	redisCache, err := cache.NewRedisCache(cache.DefaultRedisOptions(cfg.RedisAddr), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisCache.Close()

	store := dlq.NewStore(redisCache, logger, dlq.Config{
		MaxRetries:  cfg.DLQMaxRetries,
		BaseBackoff: cfg.DLQBaseBackoff,
		MaxBackoff:  cfg.DLQMaxBackoff,
		ClaimTTL:    cfg.DLQClaimTTL,
		JitterFrac:  0.2,
	})

	// The replay loop re-finalizes already-reserved holds; it has no
	// BudgetAuthority of its own to gate new reserves against, so the
	// hot path's admission mode doesn't apply here.
	engine := reserve.NewEngine(redisCache, ldgr, store, nil, logger, cfg.ReserveTTL)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go asyncReplayWorker(ctx, &wg, i, store, engine, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining workers")

	cancel()
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}

// asyncReplayWorker is one of numWorkers independent replay loops, each
// polling the same shared schedule. Claim()'s exclusive lock is what
// keeps concurrent workers from double-replaying the same entry.
func asyncReplayWorker(ctx context.Context, wg *sync.WaitGroup, id int, store *dlq.Store, engine *reserve.Engine, log zerolog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	workerLog := log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainReady(ctx, store, engine, workerLog)
		}
	}
}

func drainReady(ctx context.Context, store *dlq.Store, engine *reserve.Engine, log zerolog.Logger) {
	entries, err := store.Ready(ctx, time.Now(), dispatchBatch)
	if err != nil {
		log.Warn().Err(err).Msg("dlq: failed to list ready entries")
		return
	}

	for _, entry := range entries {
		replayOne(ctx, store, engine, entry, log)
	}
}

func replayOne(ctx context.Context, store *dlq.Store, engine *reserve.Engine, entry dlq.Entry, log zerolog.Logger) {
	claimed, err := store.Claim(ctx, entry.ReservationID)
	if err != nil {
		log.Warn().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq: claim failed")
		return
	}
	if !claimed {
		return // another worker holds the lock
	}
	defer store.Release(ctx, entry.ReservationID)

	// correlationID: DLQ entries don't carry the original billing
	// correlation ID, so the reservation ID doubles as one here --
	// Finalize is idempotent per reservation ID regardless.
	result, err := engine.Finalize(ctx, entry.ReservationID, reserve.KindCommit, entry.ActualCost, entry.TraceID, entry.ReservationID)
	if err != nil {
		if upsertErr := store.Upsert(ctx, entry.ReservationID, entry.TenantID, entry.ActualCost, entry.TraceID, err.Error()); upsertErr != nil {
			log.Error().Err(upsertErr).Str("reservation_id", entry.ReservationID).
				Msg("dlq: replay failed and reschedule upsert also failed")
			return
		}
		log.Warn().Err(err).Str("reservation_id", entry.ReservationID).Int("attempt", entry.AttemptCount).
			Msg("dlq: replay failed, rescheduled with incremented attempt count")
		return
	}

	// Finalize succeeded (or the commit already landed on a prior
	// replay) -- the entry no longer needs a retry schedule.
	if err := store.TerminalDrop(ctx, entry.ReservationID); err != nil {
		log.Warn().Err(err).Str("reservation_id", entry.ReservationID).Msg("dlq: failed to clear entry after successful replay")
	}

	log.Info().Str("reservation_id", entry.ReservationID).Int("attempt", entry.AttemptCount).
		Str("status", string(result.Status)).Msg("dlq: replay succeeded")
}

func setupLogger(verbose bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "billing-core-dlqworker").
		Logger()
}
