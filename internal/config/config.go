// Package config loads the core's full tunable surface from
// environment variables, 12-factor style.
//
// Grounded on the teacher's cmd/api/main.go Config/LoadConfig/getEnv
// trio, generalized from three env vars (REDIS_URL, DATABASE_URL,
// GRPC_PORT) to the full surface this spec's components need: reserve
// TTL, DLQ caps/backoff, breaker thresholds, reconciliation headroom,
// JWT skew, request-hash size cap.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved runtime configuration for cmd/api,
// cmd/reconciler and cmd/dlqworker.
type Config struct {
	// Transport
	HTTPAddr string

	// Cache (internal/cache)
	RedisAddr string

	// WAL (internal/walbridge)
	WALPath string

	// Reserve engine (internal/reserve)
	ReserveTTL time.Duration

	// DLQ (internal/dlq)
	DLQMaxRetries     int
	DLQBaseBackoff    time.Duration
	DLQMaxBackoff     time.Duration
	DLQClaimTTL       time.Duration
	DLQDispatchBatch  int64

	// Circuit breaker (internal/breaker)
	BreakerUnhealthyThreshold uint32
	BreakerRecoveryThreshold  uint32
	BreakerRecoveryBase       time.Duration
	BreakerRecoveryJitterPct  float64

	// Reconciliation client (internal/reconcile)
	ReconcilePollInterval      time.Duration
	ReconcileRequestTimeout    time.Duration
	ReconcileDriftThresholdBP  int
	ReconcileHeadroomPct       float64
	ReconcileHeadroomAbsCap    int64 // micro-USD
	ReconcileFailOpenMaxDur    time.Duration
	ReconcileDriftAlertThresh  int64 // micro-USD, daily cron

	// Edge auth (internal/edgeauth)
	JWKSURI        string
	JWTIssuer      string
	JWTAudience    string
	JWTClockSkew   time.Duration
	JWTMaxLifetime time.Duration
	JTIReplayTTL   time.Duration

	// Reconciliation authority (internal/reconcile.HTTPAuthorityClient)
	AuthorityBaseURL string

	// Tenants cmd/reconciler polls at startup, comma-separated.
	ReconcileTenantIDs []string

	// Daily reconciliation cron (internal/reconcile.BalanceReconciler),
	// cmd/reconciler only.
	ReconcileDailyCronSpec string

	// Payment challenge (internal/rest.ChallengeSigner)
	ChallengeSecret    string
	ChallengeRecipient string
	ChallengeChainID   int64
	ChallengeTTL       time.Duration

	// Misc
	Verbose bool
}

// Load reads a .env file if present (local dev only -- matching the
// teacher's cmd/seeder fallback, generalized here to godotenv rather
// than hand-parsed lines) then resolves every field from the
// environment, falling back to production-sane defaults.
func Load() Config {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		WALPath:   getEnv("WAL_PATH", "beam.wal.jsonl"),

		ReserveTTL: getDuration("RESERVE_TTL", 5*time.Minute),

		DLQMaxRetries:    getInt("DLQ_MAX_RETRIES", 5),
		DLQBaseBackoff:   getDuration("DLQ_BASE_BACKOFF", 2*time.Second),
		DLQMaxBackoff:    getDuration("DLQ_MAX_BACKOFF", 5*time.Minute),
		DLQClaimTTL:      getDuration("DLQ_CLAIM_TTL", 30*time.Second),
		DLQDispatchBatch: int64(getInt("DLQ_DISPATCH_BATCH", 50)),

		BreakerUnhealthyThreshold: uint32(getInt("BREAKER_UNHEALTHY_THRESHOLD", 3)),
		BreakerRecoveryThreshold:  uint32(getInt("BREAKER_RECOVERY_THRESHOLD", 1)),
		BreakerRecoveryBase:       getDuration("BREAKER_RECOVERY_BASE", 30*time.Second),
		BreakerRecoveryJitterPct:  getFloat("BREAKER_RECOVERY_JITTER_PCT", 0.2),

		ReconcilePollInterval:     getDuration("RECONCILE_POLL_INTERVAL", 30*time.Second),
		ReconcileRequestTimeout:   getDuration("RECONCILE_REQUEST_TIMEOUT", 5*time.Second),
		ReconcileDriftThresholdBP: getInt("RECONCILE_DRIFT_THRESHOLD_BP", 50),
		ReconcileHeadroomPct:      getFloat("RECONCILE_HEADROOM_PCT", 0.10),
		ReconcileHeadroomAbsCap:   int64(getInt("RECONCILE_HEADROOM_ABS_CAP_MICRO", 10_000_000)),
		ReconcileFailOpenMaxDur:   getDuration("RECONCILE_FAIL_OPEN_MAX_DURATION", 10*time.Minute),
		ReconcileDriftAlertThresh: int64(getInt("RECONCILE_DRIFT_ALERT_THRESHOLD_MICRO", 1_000_000)),

		JWKSURI:        getEnv("JWKS_URI", "https://auth.example.com/.well-known/jwks.json"),
		JWTIssuer:      getEnv("JWT_ISSUER", ""),
		JWTAudience:    getEnv("JWT_AUDIENCE", ""),
		JWTClockSkew:   getDuration("JWT_CLOCK_SKEW", 30*time.Second),
		JWTMaxLifetime: getDuration("JWT_MAX_LIFETIME", 24*time.Hour),
		JTIReplayTTL:   getDuration("JTI_REPLAY_TTL", 24*time.Hour),

		AuthorityBaseURL: getEnv("AUTHORITY_BASE_URL", "https://budget-authority.internal"),

		ReconcileTenantIDs:     getList("RECONCILE_TENANT_IDS", nil),
		ReconcileDailyCronSpec: getEnv("RECONCILE_DAILY_CRON_SPEC", "0 2 * * *"),

		ChallengeSecret:    getEnv("CHALLENGE_SECRET", ""),
		ChallengeRecipient: getEnv("CHALLENGE_RECIPIENT", ""),
		ChallengeChainID:   int64(getInt("CHALLENGE_CHAIN_ID", 8453)),
		ChallengeTTL:       getDuration("CHALLENGE_TTL", 5*time.Minute),

		Verbose: getBool("VERBOSE", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
