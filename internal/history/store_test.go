package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"UPDATE t SET a = ? WHERE b = ? AND c = ?", "UPDATE t SET a = $1 WHERE b = $2 AND c = $3"},
		// a literal question mark inside quotes is not a placeholder
		{"SELECT * FROM t WHERE a = '?' AND b = ?", "SELECT * FROM t WHERE a = '?' AND b = $1"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, rebindPostgresPlaceholders(tt.in), "query %q", tt.in)
	}
}

func TestMemoryStoreUnsettledLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.RecordSwap(ctx, ExecutionRecord{
		Vault: "vaultA", Kind: KindIntent, Nonce: 42,
		SwapSignature: "sigA", InputAmount: 100, OutputAmount: 7,
	}))
	// duplicate signatures collapse, same as the database unique constraint
	require.NoError(t, store.RecordSwap(ctx, ExecutionRecord{
		Vault: "vaultA", Kind: KindIntent, Nonce: 42, SwapSignature: "sigA",
	}))

	count, err := store.UnsettledCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rec, err := store.UnsettledIntentSwap(ctx, "vaultA", 42)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec.InputAmount)

	require.NoError(t, store.MarkSettled(ctx, "sigA", "settleA"))
	_, err = store.UnsettledIntentSwap(ctx, "vaultA", 42)
	require.ErrorIs(t, err, ErrNotFound)

	count, err = store.UnsettledCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	require.ErrorIs(t, store.MarkSettled(ctx, "missing", "x"), ErrNotFound)
}

func TestMemoryStoreScopesLookupToVault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.RecordSwap(ctx, ExecutionRecord{
		Vault: "vaultA", Kind: KindIntent, Nonce: 42, SwapSignature: "sigA",
	}))

	// owners assign nonces independently, so another vault with the same
	// nonce must not see this record
	_, err := store.UnsettledIntentSwap(ctx, "vaultB", 42)
	require.ErrorIs(t, err, ErrNotFound)
}
