// beamctl - command-line interface for billing-core operations.
//
// This tool provides administrative operations for the billing core:
// - Balance inspection (get, credit)
// - Ledger verification (replay the WAL, print the derived balance)
// - DLQ inspection (list ready entries, release a stuck claim lock)
//
// Usage:
//
//	beamctl balance get --user u_123
//	beamctl balance credit --user u_123 --amount 1000000
//	beamctl ledger verify --user u_123
//	beamctl dlq list
//	beamctl dlq requeue --reservation-id r_123
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/cache"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/dlq"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/ledger"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

var (
	// Version is set during build.
	Version = "dev"

	// Global flags
	redisAddr string
	walPath   string
	verbose   bool

	// Shared handles, initialized in PersistentPreRunE.
	ldgr       *ledger.Ledger
	redisCache cache.Cache
	dlqStore   *dlq.Store
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:   "beamctl",
		Short: "beamctl - command-line interface for billing-core operations",
		Long: `beamctl provides administrative operations for the billing core:
balance inspection, ledger verification against the WAL, and DLQ triage.`,
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			wal, err := walbridge.OpenFileWAL(walPath)
			if err != nil {
				return fmt.Errorf("failed to open wal: %w", err)
			}

			l, err := ledger.NewLedger(context.Background(), wal, log.Logger)
			if err != nil {
				return fmt.Errorf("failed to replay ledger from wal: %w", err)
			}
			ldgr = l

			c, err := cache.NewRedisCache(cache.DefaultRedisOptions(redisAddr), log.Logger)
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			redisCache = c
			dlqStore = dlq.NewStore(c, log.Logger, dlq.Config{
				MaxRetries:  5,
				BaseBackoff: 2 * time.Second,
				MaxBackoff:  5 * time.Minute,
				ClaimTTL:    30 * time.Second,
				JitterFrac:  0.2,
			})

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	rootCmd.PersistentFlags().StringVar(&walPath, "wal-path", getEnv("WAL_PATH", "beam.wal.jsonl"), "Ledger WAL file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Balance operations",
		Long:  "Inspect and credit user balances",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Get a user's available and held balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")

			available := ldgr.DeriveBalance(money.UserAvailable(user))
			held := ldgr.DeriveBalance(money.UserHeld(user))

			printJSON(map[string]interface{}{
				"user":      user,
				"available": available.String(),
				"held":      held.String(),
			})
			return nil
		},
	}
	getCmd.Flags().String("user", "", "User ID (required)")
	getCmd.MarkFlagRequired("user")

	creditCmd := &cobra.Command{
		Use:   "credit",
		Short: "Mint credit into a user's available balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			amountStr, _ := cmd.Flags().GetString("amount")
			correlationID, _ := cmd.Flags().GetString("correlation-id")

			amount, err := money.ParseMicroUSD(amountStr)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			if correlationID == "" {
				correlationID = fmt.Sprintf("beamctl-credit-%d", time.Now().UnixNano())
			}

			entry, err := ldgr.AppendEntry(cmd.Context(), ledger.EntryDraft{
				BillingEntryID: correlationID,
				EventType:      ledger.EventCreditMint,
				CorrelationID:  correlationID,
				Postings:       ledger.CreditMintPostings(user, amount),
			})
			if err != nil {
				return fmt.Errorf("credit failed: %w", err)
			}

			printJSON(map[string]interface{}{
				"user":       user,
				"credited":   amount.String(),
				"offset":     entry.Offset,
				"new_avail":  ldgr.DeriveBalance(money.UserAvailable(user)).String(),
			})
			return nil
		},
	}
	creditCmd.Flags().String("user", "", "User ID (required)")
	creditCmd.Flags().String("amount", "", "Amount in micro-USD (required)")
	creditCmd.Flags().String("correlation-id", "", "Correlation ID (defaults to a generated value)")
	creditCmd.MarkFlagRequired("user")
	creditCmd.MarkFlagRequired("amount")

	cmd.AddCommand(getCmd, creditCmd)
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
		Long:  "Replay and verify the WAL-backed ledger projection",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the WAL and print the derived balance for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")

			available := ldgr.DeriveBalance(money.UserAvailable(user))
			held := ldgr.DeriveBalance(money.UserHeld(user))
			entries := ldgr.EntriesFor(user)

			printJSON(map[string]interface{}{
				"user":            user,
				"available":       available.String(),
				"held":            held.String(),
				"entries_matched": len(entries),
			})
			log.Info().Msg("ledger replayed from wal and projection verified in-process")
			return nil
		},
	}
	verifyCmd.Flags().String("user", "", "User ID (required)")
	verifyCmd.MarkFlagRequired("user")

	allCmd := &cobra.Command{
		Use:   "balances",
		Short: "Print every account balance derived from the WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			all := ldgr.DeriveAllBalances()
			out := make(map[string]string, len(all))
			for acct, bal := range all {
				out[acct.String()] = bal.String()
			}
			printJSON(out)
			return nil
		},
	}

	cmd.AddCommand(verifyCmd, allCmd)
	return cmd
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue triage",
		Long:  "Inspect and unstick dead-letter queue entries",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List DLQ entries ready for dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")

			entries, err := dlqStore.Ready(cmd.Context(), time.Now(), limit)
			if err != nil {
				return fmt.Errorf("failed to list dlq entries: %w", err)
			}

			printJSON(entries)
			return nil
		},
	}
	listCmd.Flags().Int64("limit", 50, "Maximum number of entries to return")

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Release a stuck claim lock so the dispatcher can retry the entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reservationID, _ := cmd.Flags().GetString("reservation-id")

			if err := dlqStore.Release(cmd.Context(), reservationID); err != nil {
				return fmt.Errorf("requeue failed: %w", err)
			}

			log.Info().Str("reservation_id", reservationID).Msg("claim lock released, entry eligible for redispatch")
			return nil
		},
	}
	requeueCmd.Flags().String("reservation-id", "", "Reservation ID (required)")
	requeueCmd.MarkFlagRequired("reservation-id")

	cmd.AddCommand(listCmd, requeueCmd)
	return cmd
}

// Helpers

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}
