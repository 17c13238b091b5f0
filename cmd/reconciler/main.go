// Package main runs the reconciliation sidecar: per-tenant budget
// polling against the upstream authority, and the daily balance
// reconciliation cron job that re-derives every account balance from
// the ledger's journal projection and corrects the cache.
//
// This is a separate process from cmd/api so a slow or unreachable
// authority, or a long-running daily reconciliation pass, never
// contends with the reserve/finalize hot path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/config"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.Verbose)

	logger.Info().Strs("tenants", cfg.ReconcileTenantIDs).Msg("starting reconciliation sidecar")

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

	authority := reconcile.NewHTTPAuthorityClient(cfg.AuthorityBaseURL, cfg.ReconcileRequestTimeout)
	client := reconcile.NewClient(reconcile.Config{
		PollInterval:        cfg.ReconcilePollInterval,
		RequestTimeout:      cfg.ReconcileRequestTimeout,
		ConfiguredThreshold: money.FromInt64(int64(cfg.ReconcileDriftThresholdBP)),
		HeadroomPercent:     cfg.ReconcileHeadroomPct,
		HeadroomAbsCap:      money.FromInt64(cfg.ReconcileHeadroomAbsCap),
		FailOpenMaxDuration: cfg.ReconcileFailOpenMaxDur,
	}, authority, logger)
	defer client.Stop()

	for _, tenantID := range cfg.ReconcileTenantIDs {
		client.Start(tenantID)
		logger.Info().Str("tenant_id", tenantID).Msg("started budget poll loop")
	}

	balanceReconciler := reconcile.NewBalanceReconciler(ldgr, redisCache, wal, reconcile.BalanceReconcilerConfig{
		DriftAlertThreshold: money.FromInt64(cfg.ReconcileDriftAlertThresh),
	}, logger)

	c := cron.New(cron.WithLocation(time.UTC))
	_, err = c.AddFunc(cfg.ReconcileDailyCronSpec, func() {
		runID := fmt.Sprintf("recon-%d", time.Now().UnixNano())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		summary, err := balanceReconciler.RunDaily(ctx, runID)
		if err != nil {
			logger.Error().Err(err).Str("run_id", runID).Msg("daily balance reconciliation failed")
			return
		}
		logger.Info().
			Str("run_id", summary.RunID).
			Int("accounts_checked", summary.AccountsChecked).
			Int("divergences_found", summary.DivergencesFound).
			Int("divergences_corrected", summary.DivergencesCorrected).
			Bool("drift_threshold_exceeded", summary.DriftThresholdExceeded).
			Msg("daily balance reconciliation complete")
	})
	if err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.ReconcileDailyCronSpec).Msg("invalid daily reconciliation cron spec")
	}
	c.Start()
	defer c.Stop()

	logger.Info().Str("cron_spec", cfg.ReconcileDailyCronSpec).Msg("daily reconciliation cron scheduled")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
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
		Str("service", "billing-core-reconciler").
		Logger()
}
