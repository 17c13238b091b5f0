package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xHoneyJar/loa-finn-sub009/internal/money"
	"github.com/0xHoneyJar/loa-finn-sub009/internal/walbridge"
)

func TestCreditNotes_IssueRedeemsImmediately(t *testing.T) {
	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	defer wal.Close()
	l, err := NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)

	amount := money.FromInt64(100000)
	note, err := l.IssueCreditNote(context.Background(), "u1", amount, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, amount, note.Amount)

	// Scenario A (spec.md §8): available already carries the credit at
	// issuance, so applying against the same amount finds nothing new.
	assert.Equal(t, amount, l.DeriveBalance(money.UserAvailable("u1")))

	app := l.ApplyCreditNotes("u1", amount)
	assert.True(t, app.Reduced.IsZero())
	assert.Equal(t, amount, app.Used)
	assert.True(t, app.Remaining.IsZero())
}

func TestCreditNotes_IssueRejectsNonPositiveAmount(t *testing.T) {
	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	defer wal.Close()
	l, err := NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.IssueCreditNote(context.Background(), "u1", money.Zero(), "corr-1")
	assert.Error(t, err)
}

func TestCreditNotes_PendingPoolAppliesPartially(t *testing.T) {
	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	defer wal.Close()
	l, err := NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)

	l.CreditPendingNote("u2", money.FromInt64(700))

	app := l.ApplyCreditNotes("u2", money.FromInt64(1000))
	assert.Equal(t, money.FromInt64(700), app.Reduced)
	assert.True(t, app.Remaining.IsZero())

	app2 := l.ApplyCreditNotes("u2", money.FromInt64(1000))
	assert.True(t, app2.Reduced.IsZero())
}

func TestCreditNotes_AuditTrail(t *testing.T) {
	wal, err := walbridge.OpenFileWAL(filepath.Join(t.TempDir(), "wal.jsonl"))
	require.NoError(t, err)
	defer wal.Close()
	l, err := NewLedger(context.Background(), wal, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.IssueCreditNote(context.Background(), "u3", money.FromInt64(42), "corr-3")
	require.NoError(t, err)
	notes := l.CreditNotesFor("u3")
	require.Len(t, notes, 1)
	assert.Equal(t, money.FromInt64(42), notes[0].Amount)
}
