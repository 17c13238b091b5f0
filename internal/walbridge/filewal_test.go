package walbridge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWAL_AppendReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.jsonl")

	fw, err := OpenFileWAL(path)
	require.NoError(t, err)

	off0, err := fw.Append(context.Background(), "ledger", "billing_reserve", "entry/1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off0)

	off1, err := fw.Append(context.Background(), "ledger", "billing_commit", "entry/1", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off1)

	require.NoError(t, fw.Close())

	fw2, err := OpenFileWAL(path)
	require.NoError(t, err)
	defer fw2.Close()

	var seen []Envelope
	err = fw2.Replay(context.Background(), func(e Envelope) error {
		seen = append(seen, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, uint64(0), seen[0].Offset)
	assert.Equal(t, uint64(1), seen[1].Offset)
	assert.Equal(t, "billing_commit", seen[1].Operation)

	// Offsets continue monotonically after reopen.
	off2, err := fw2.Append(context.Background(), "ledger", "billing_release", "entry/2", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), off2)
}

func TestFileWAL_ReplayIdempotentOrder(t *testing.T) {
	dir := t.TempDir()
	fw, err := OpenFileWAL(filepath.Join(dir, "wal.jsonl"))
	require.NoError(t, err)
	defer fw.Close()

	for i := 0; i < 5; i++ {
		_, err := fw.Append(context.Background(), "ns", "op", "p", []byte("x"))
		require.NoError(t, err)
	}

	var a, b []uint64
	collect := func(dst *[]uint64) Handler {
		return func(e Envelope) error {
			*dst = append(*dst, e.Offset)
			return nil
		}
	}
	require.NoError(t, fw.Replay(context.Background(), collect(&a)))
	require.NoError(t, fw.Replay(context.Background(), collect(&b)))
	assert.Equal(t, a, b)
}
