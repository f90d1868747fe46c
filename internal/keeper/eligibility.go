package keeper

import (
	"time"

	"github.com/kryptos-labs/keeper/internal/kryptos"
)

// DcaDue reports whether a vault is eligible for an execution attempt at
// now. The ledger re-checks activity, funding, and timing; this filter only
// avoids wasted swaps. The hour window is keeper policy and is enforced here
// only.
func DcaDue(v *kryptos.DcaVault, now time.Time) bool {
	if !v.IsActive || v.Completed() {
		return false
	}
	if now.Unix() < v.NextExecution {
		return false
	}
	return hourInWindow(now.UTC().Hour(), v.WindowStartHour, v.WindowEndHour)
}

// hourInWindow treats both bounds as inclusive and wraps past midnight when
// start > end, so 22..2 covers 22, 23, 0, 1, 2.
func hourInWindow(hour int, start, end uint8) bool {
	if start <= end {
		return hour >= int(start) && hour <= int(end)
	}
	return hour >= int(start) || hour <= int(end)
}

// IntentAction is the keeper's decision for one intent in one polling cycle.
type IntentAction int

const (
	// IntentNone: leave the intent alone this cycle.
	IntentNone IntentAction = iota
	// IntentTrigger: the price condition is met, start execution.
	IntentTrigger
	// IntentResume: a previous execution was interrupted, pick it up.
	IntentResume
	// IntentExpire: the deadline passed, mark the intent expired.
	IntentExpire
)

// EvaluateIntent decides what, if anything, to do with an intent given the
// cluster time and the current contract-scale price of the output mint.
// Expiry wins over everything except terminal states.
func EvaluateIntent(v *kryptos.IntentVault, now time.Time, contractPrice uint64) IntentAction {
	if v.Status.Terminal() {
		return IntentNone
	}
	if now.Unix() >= v.ExpiresAt {
		return IntentExpire
	}
	switch v.Status {
	case kryptos.IntentTriggered, kryptos.IntentExecuting:
		return IntentResume
	case kryptos.IntentMonitoring:
		if triggerMet(v, contractPrice) {
			return IntentTrigger
		}
	}
	return IntentNone
}

func triggerMet(v *kryptos.IntentVault, contractPrice uint64) bool {
	switch v.TriggerType {
	case kryptos.TriggerPriceAbove:
		return contractPrice > v.TriggerPrice
	case kryptos.TriggerPriceBelow:
		return contractPrice < v.TriggerPrice
	case kryptos.TriggerPriceRange:
		// range bounds are inclusive, unlike the strict above/below triggers
		return contractPrice >= v.TriggerPrice && contractPrice <= v.TriggerPriceMax
	default:
		return false
	}
}

// IntentChunkAmount sizes the next swap for an intent. Immediate intents and
// single-chunk orders deploy everything left; chunked styles split the
// remainder evenly with the final chunk absorbing rounding dust.
func IntentChunkAmount(v *kryptos.IntentVault) uint64 {
	remaining := v.Remaining()
	if remaining == 0 {
		return 0
	}
	if v.ExecutionStyle == kryptos.ExecutionImmediate || v.NumChunks <= 1 {
		return remaining
	}
	if v.ChunksExecuted >= v.NumChunks-1 {
		return remaining
	}
	chunksLeft := uint64(v.NumChunks - v.ChunksExecuted)
	amount := remaining / chunksLeft
	if amount == 0 {
		return remaining
	}
	return amount
}
