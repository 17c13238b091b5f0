// Package main is the entry point for the always-on billing-core API
// server.
//
// This server exposes the HTTP hot path (reserve/finalize, budget
// introspection, circuit-breaker state) that SDKs and the enforcement
// edge call for real-time cost admission. The server is designed for
// production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health check endpoint for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
// - Panic recovery around every request
//
// The server initializes:
// 1. The WAL and the ledger projection built from it
// 2. The Redis-backed cache
// 3. The reserve engine, DLQ, circuit breaker registry
// 4. The reconciliation client against the upstream budget authority
// 5. Edge auth (JWT verifier, JTI replay guard)
// 6. The HTTP server
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/breaker"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/config"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/dlq"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/edgeauth"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reconcile"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/reserve"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/rest"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg.Verbose)

	logger.Info().Str("http_addr", cfg.HTTPAddr).Msg("starting billing-core api server")

	wal, err := walbridge.OpenFileWAL(cfg.WALPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open wal")
	}
	defer wal.Close()

	ldgr, err := ledger.NewLedger(context.Background(), wal, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to replay ledger from wal")
	}
	logger.Info().Msg("ledger projection rebuilt from wal")

	redisCache, err := cache.NewRedisCache(cache.DefaultRedisOptions(cfg.RedisAddr), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisCache.Close()

	dlqStore := dlq.NewStore(redisCache, logger, dlq.Config{
		MaxRetries:  cfg.DLQMaxRetries,
		BaseBackoff: cfg.DLQBaseBackoff,
		MaxBackoff:  cfg.DLQMaxBackoff,
		ClaimTTL:    cfg.DLQClaimTTL,
		JitterFrac:  0.2,
	})

	breakerRegistry := breaker.NewRegistry(breaker.Config{
		UnhealthyThreshold:  cfg.BreakerUnhealthyThreshold,
		RecoveryThreshold:   cfg.BreakerRecoveryThreshold,
		RecoveryBase:        cfg.BreakerRecoveryBase,
		RecoveryJitterPct:   cfg.BreakerRecoveryJitterPct,
		HalfOpenMaxRequests: 1,
	}, logger)

	authority := reconcile.NewHTTPAuthorityClient(cfg.AuthorityBaseURL, cfg.ReconcileRequestTimeout)
	reconcileClient := reconcile.NewClient(reconcile.Config{
		PollInterval:        cfg.ReconcilePollInterval,
		RequestTimeout:      cfg.ReconcileRequestTimeout,
		ConfiguredThreshold: money.FromInt64(int64(cfg.ReconcileDriftThresholdBP)),
		HeadroomPercent:     cfg.ReconcileHeadroomPct,
		HeadroomAbsCap:      money.FromInt64(cfg.ReconcileHeadroomAbsCap),
		FailOpenMaxDuration: cfg.ReconcileFailOpenMaxDur,
	}, authority, logger)
	defer reconcileClient.Stop()

	// reconcileClient doubles as the reserve engine's BudgetAuthority:
	// component H's admission mode gates component E's hot path, spec.md
	// §2's data flow and §7's FAIL_OPEN-over-failing-requests behavior.
	reserveEngine := reserve.NewEngine(redisCache, ldgr, dlqStore, reconcileClient, logger, cfg.ReserveTTL)

	var verifier *edgeauth.Verifier
	var replayGuard *edgeauth.ReplayGuard
	if cfg.JWTIssuer != "" {
		verifier = edgeauth.NewVerifier(cfg.JWKSURI, edgeauth.VerifierConfig{
			Issuer:           cfg.JWTIssuer,
			Audience:         cfg.JWTAudience,
			ClockSkew:        cfg.JWTClockSkew,
			MaxTokenLifetime: cfg.JWTMaxLifetime,
		}, logger)
		replayGuard = edgeauth.NewReplayGuard(redisCache, cfg.JTIReplayTTL)
	}

	var signer *rest.ChallengeSigner
	if cfg.ChallengeSecret != "" {
		signer = rest.NewChallengeSigner([]byte(cfg.ChallengeSecret), cfg.ChallengeRecipient, cfg.ChallengeChainID, cfg.ChallengeTTL)
	}

	handler := rest.NewHandler(reserveEngine, reconcileClient, breakerRegistry, verifier, replayGuard, signer, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var wrapped http.Handler = mux
	wrapped = rest.LoggingMiddleware(logger)(wrapped)
	wrapped = rest.Recover(logger)(wrapped)
	wrapped = rest.CORS(wrapped)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      wrapped,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// setupLogger mirrors the teacher's cmd/api/main.go setupLogger:
// console-pretty in verbose/dev mode, structured JSON otherwise.
func setupLogger(verbose bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	if verbose {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "billing-core-api").
		Logger()
}
