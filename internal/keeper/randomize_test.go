package keeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kryptos-labs/keeper/internal/kryptos"
)

func TestExecutionAmountBounds(t *testing.T) {
	policy := NewPolicy(7)
	vault := &kryptos.DcaVault{
		TotalAmount:    10_000_000,
		AmountPerTrade: 1_000_000,
		VarianceBps:    2_000, // +-20%
	}

	for i := 0; i < 1000; i++ {
		amount := policy.ExecutionAmount(vault)
		require.GreaterOrEqual(t, amount, uint64(800_000))
		require.LessOrEqual(t, amount, uint64(1_200_000))
	}
}

func TestExecutionAmountClampsToRemaining(t *testing.T) {
	policy := NewPolicy(7)
	vault := &kryptos.DcaVault{
		TotalAmount:    1_000_000,
		AmountPerTrade: 1_000_000,
		TotalSpent:     999_900,
		VarianceBps:    2_000,
	}

	for i := 0; i < 100; i++ {
		amount := policy.ExecutionAmount(vault)
		require.GreaterOrEqual(t, amount, uint64(1))
		require.LessOrEqual(t, amount, uint64(100))
	}
}

func TestExecutionAmountDepletedVault(t *testing.T) {
	policy := NewPolicy(7)
	vault := &kryptos.DcaVault{TotalAmount: 100, AmountPerTrade: 10, TotalSpent: 100}
	require.Zero(t, policy.ExecutionAmount(vault))
}

func TestExecutionAmountZeroVarianceIsExact(t *testing.T) {
	policy := NewPolicy(7)
	vault := &kryptos.DcaVault{TotalAmount: 10_000, AmountPerTrade: 500}
	for i := 0; i < 10; i++ {
		require.Equal(t, uint64(500), policy.ExecutionAmount(vault))
	}
}

func TestExecutionAmountDeterministicPerSeed(t *testing.T) {
	vault := &kryptos.DcaVault{
		TotalAmount:    10_000_000,
		AmountPerTrade: 1_000_000,
		VarianceBps:    1_000,
	}

	a := NewPolicy(99)
	b := NewPolicy(99)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.ExecutionAmount(vault), b.ExecutionAmount(vault))
	}
}

func TestNextExecutionGapBounds(t *testing.T) {
	policy := NewPolicy(11)
	vault := &kryptos.DcaVault{
		MinExecutions: 5,
		MaxExecutions: 9,
		WindowEndHour: 23, // full-day window, no hour shifting
	}
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// avg 7 per week, base 86400s, jitter +-25%
	lower := last.Add(time.Duration(float64(secondsPerWeek)/7*0.75) * time.Second)
	upper := last.Add(time.Duration(float64(secondsPerWeek)/7*1.25) * time.Second)

	for i := 0; i < 500; i++ {
		next := policy.NextExecution(last, vault)
		require.True(t, !next.Before(lower), "next %v before lower bound %v", next, lower)
		require.True(t, !next.After(upper), "next %v after upper bound %v", next, upper)
	}
}

func TestNextExecutionFloorsAtOneHour(t *testing.T) {
	policy := NewPolicy(11)
	vault := &kryptos.DcaVault{
		MinExecutions: 255,
		MaxExecutions: 255,
		WindowEndHour: 23,
	}
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		next := policy.NextExecution(last, vault)
		require.GreaterOrEqual(t, next.Sub(last), time.Hour)
	}
}

func TestNextExecutionLandsInsideWindow(t *testing.T) {
	policy := NewPolicy(13)
	vault := &kryptos.DcaVault{
		MinExecutions:   5,
		MaxExecutions:   9,
		WindowStartHour: 9,
		WindowEndHour:   17,
	}
	last := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		next := policy.NextExecution(last, vault)
		require.True(t, hourInWindow(next.UTC().Hour(), 9, 17), "next %v outside window", next)
	}
}

func TestNextExecutionLandsInsideWrappedWindow(t *testing.T) {
	policy := NewPolicy(13)
	vault := &kryptos.DcaVault{
		MinExecutions:   5,
		MaxExecutions:   9,
		WindowStartHour: 22,
		WindowEndHour:   2,
	}
	last := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	for i := 0; i < 500; i++ {
		next := policy.NextExecution(last, vault)
		require.True(t, hourInWindow(next.UTC().Hour(), 22, 2), "next %v outside window", next)
	}
}
