package keeper

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kryptos-labs/keeper/internal/kryptos"
)

const (
	secondsPerWeek = 604800
	minGapSeconds  = 3600
)

// Policy draws the randomized execution amounts and schedule projections
// that keep DCA activity from forming an obvious on-chain pattern.
type Policy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(seed int64) *Policy {
	return &Policy{rng: rand.New(rand.NewSource(seed))}
}

// ExecutionAmount returns the amount to deploy for one DCA execution:
// amount_per_trade with up to variance_bps of uniform jitter either way,
// clamped to the undeployed remainder and floored at one base unit.
func (p *Policy) ExecutionAmount(v *kryptos.DcaVault) uint64 {
	remaining := v.Remaining()
	if remaining == 0 {
		return 0
	}

	amount := v.AmountPerTrade
	if v.VarianceBps > 0 {
		p.mu.Lock()
		f := p.rng.Float64()
		up := p.rng.Intn(2) == 0
		p.mu.Unlock()

		variance := uint64(float64(v.AmountPerTrade) * float64(v.VarianceBps) * f / 10000)
		if up {
			amount += variance
		} else if variance < amount {
			amount -= variance
		} else {
			amount = 1
		}
	}

	if amount > remaining {
		amount = remaining
	}
	if amount == 0 {
		amount = 1
	}
	return amount
}

// NextExecution projects when the vault should run again after an execution
// at lastExec. The base gap spreads min..max executions across a week, with
// 25% jitter either way, floored at an hour, then advanced hour by hour
// until it lands inside the vault's execution window.
func (p *Policy) NextExecution(lastExec time.Time, v *kryptos.DcaVault) time.Time {
	avg := (uint64(v.MinExecutions) + uint64(v.MaxExecutions)) / 2
	if avg == 0 {
		avg = 1
	}
	base := int64(secondsPerWeek / avg)

	p.mu.Lock()
	jitter := int64(float64(base) / 4 * (p.rng.Float64()*2 - 1))
	p.mu.Unlock()

	gap := base + jitter
	if gap < minGapSeconds {
		gap = minGapSeconds
	}

	next := lastExec.Add(time.Duration(gap) * time.Second)
	for i := 0; i < 48; i++ {
		if hourInWindow(next.UTC().Hour(), v.WindowStartHour, v.WindowEndHour) {
			break
		}
		next = next.Add(time.Hour)
	}
	return next
}
