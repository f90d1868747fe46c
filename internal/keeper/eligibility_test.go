package keeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptos-labs/keeper/internal/kryptos"
)

func TestDcaDueBoundaryEquality(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	vault := &kryptos.DcaVault{
		TotalAmount:    100,
		AmountPerTrade: 10,
		WindowEndHour:  23,
		NextExecution:  now.Unix(),
		IsActive:       true,
	}
	require.True(t, DcaDue(vault, now), "now == next_execution is due")
	require.False(t, DcaDue(vault, now.Add(-time.Second)))
}

func TestDcaDueRespectsState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := kryptos.DcaVault{
		TotalAmount:    100,
		AmountPerTrade: 10,
		WindowEndHour:  23,
		NextExecution:  now.Unix() - 1,
		IsActive:       true,
	}

	inactive := base
	inactive.IsActive = false
	require.False(t, DcaDue(&inactive, now))

	depleted := base
	depleted.TotalSpent = depleted.TotalAmount
	require.False(t, DcaDue(&depleted, now))
}

func TestHourInWindow(t *testing.T) {
	tests := []struct {
		hour       int
		start, end uint8
		want       bool
	}{
		{9, 9, 17, true},
		{17, 9, 17, true},
		{8, 9, 17, false},
		{18, 9, 17, false},
		{12, 0, 23, true},
		// wrap past midnight
		{23, 22, 2, true},
		{1, 22, 2, true},
		{2, 22, 2, true},
		{12, 22, 2, false},
		{3, 22, 2, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, hourInWindow(tt.hour, tt.start, tt.end),
			"hour=%d window=%d-%d", tt.hour, tt.start, tt.end)
	}
}

func TestEvaluateIntentTriggers(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	base := kryptos.IntentVault{
		Amount:       100,
		TriggerPrice: 200_000_000,
		ExpiresAt:    now.Add(time.Hour).Unix(),
		Status:       kryptos.IntentMonitoring,
	}

	t.Run("price_below", func(t *testing.T) {
		v := base
		v.TriggerType = kryptos.TriggerPriceBelow
		for _, tc := range []struct {
			price float64
			want  IntentAction
		}{
			{250, IntentNone},
			{210, IntentNone},
			{195.5, IntentTrigger},
			{200, IntentNone}, // strict comparison, equality does not fire
		} {
			got := EvaluateIntent(&v, now, uint64(tc.price*1_000_000))
			require.Equal(t, tc.want, got, "price=%v", tc.price)
		}
	})

	t.Run("price_above", func(t *testing.T) {
		v := base
		v.TriggerType = kryptos.TriggerPriceAbove
		require.Equal(t, IntentNone, EvaluateIntent(&v, now, 200_000_000))
		require.Equal(t, IntentTrigger, EvaluateIntent(&v, now, 200_000_001))
		require.Equal(t, IntentTrigger, EvaluateIntent(&v, now, 250_000_000))
	})

	t.Run("price_range", func(t *testing.T) {
		v := base
		v.TriggerType = kryptos.TriggerPriceRange
		v.TriggerPriceMax = 220_000_000
		require.Equal(t, IntentNone, EvaluateIntent(&v, now, 199_999_999))
		require.Equal(t, IntentTrigger, EvaluateIntent(&v, now, 200_000_000))
		require.Equal(t, IntentTrigger, EvaluateIntent(&v, now, 220_000_000))
		require.Equal(t, IntentNone, EvaluateIntent(&v, now, 220_000_001))
	})
}

func TestEvaluateIntentExpiryWins(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := kryptos.IntentVault{
		TriggerType:  kryptos.TriggerPriceBelow,
		TriggerPrice: 200_000_000,
		ExpiresAt:    now.Unix(),
		Status:       kryptos.IntentMonitoring,
	}
	require.Equal(t, IntentExpire, EvaluateIntent(&v, now, 100_000_000), "deadline equality expires")

	v.Status = kryptos.IntentExecuting
	require.Equal(t, IntentExpire, EvaluateIntent(&v, now, 100_000_000))
}

func TestEvaluateIntentResume(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := kryptos.IntentVault{
		ExpiresAt: now.Add(time.Hour).Unix(),
	}
	for _, status := range []kryptos.IntentStatus{kryptos.IntentTriggered, kryptos.IntentExecuting} {
		v.Status = status
		require.Equal(t, IntentResume, EvaluateIntent(&v, now, 0))
	}
}

func TestEvaluateIntentTerminalStatesNeverAct(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for _, status := range []kryptos.IntentStatus{kryptos.IntentExecuted, kryptos.IntentExpired, kryptos.IntentCancelled} {
		v := kryptos.IntentVault{
			ExpiresAt: now.Add(-time.Hour).Unix(),
			Status:    status,
		}
		require.Equal(t, IntentNone, EvaluateIntent(&v, now, 0), "status %s", status)
	}
}

func TestIntentChunkAmount(t *testing.T) {
	t.Run("immediate deploys everything", func(t *testing.T) {
		v := kryptos.IntentVault{Amount: 1000, ExecutionStyle: kryptos.ExecutionImmediate, NumChunks: 4}
		require.Equal(t, uint64(1000), IntentChunkAmount(&v))
	})

	t.Run("even chunks with remainder in the last", func(t *testing.T) {
		v := kryptos.IntentVault{Amount: 1000, ExecutionStyle: kryptos.ExecutionTwap, NumChunks: 3}
		require.Equal(t, uint64(333), IntentChunkAmount(&v))

		v.ChunksExecuted = 1
		v.TotalSpent = 333
		require.Equal(t, uint64(333), IntentChunkAmount(&v))

		v.ChunksExecuted = 2
		v.TotalSpent = 666
		require.Equal(t, uint64(334), IntentChunkAmount(&v), "final chunk absorbs the rounding dust")
	})

	t.Run("depleted", func(t *testing.T) {
		v := kryptos.IntentVault{Amount: 1000, TotalSpent: 1000, NumChunks: 3}
		require.Zero(t, IntentChunkAmount(&v))
	})
}
