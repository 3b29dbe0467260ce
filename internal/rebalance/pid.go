package rebalance

import (
	"time"

	"github.com/shopspring/decimal"
)

// maxDT caps how many cycle periods of elapsed time feed one controller
// step, so a long gap cannot blow up the integral term.
var maxDT = decimal.NewFromInt(10)

// timeDelta converts elapsed wall-clock time into controller time. The first
// run (zero last-rebalance) counts as exactly one period.
func timeDelta(last time.Time, now time.Time, period time.Duration) decimal.Decimal {
	if last.IsZero() {
		return decimal.NewFromInt(1)
	}
	dt := decimal.NewFromFloat(now.Sub(last).Seconds()).Div(decimal.NewFromFloat(period.Seconds()))
	if dt.GreaterThan(maxDT) {
		return maxDT
	}
	return dt
}

// pidStep runs one controller update for a single target. The signed output
// is the trade size in base-denom value: negative sells, positive buys. The
// returned target carries the persisted state for the next cycle.
func pidStep(gains PIDGains, t Target, targetValue, currentValue, dt decimal.Decimal) (decimal.Decimal, Target) {
	errVal := targetValue.Sub(currentValue)

	p := errVal.Mul(gains.P)
	i := t.LastIntegral.Add(errVal.Mul(gains.I).Mul(dt))

	var d decimal.Decimal
	if t.LastInput != nil && !dt.IsZero() {
		d = currentValue.Sub(*t.LastInput).Mul(gains.D).Div(dt)
	}

	out := p.Add(i).Sub(d)

	current := currentValue
	t.LastInput = &current
	t.LastIntegral = i
	return out, t
}

// resetState clears every target's controller state to neutral. Invoked when
// the account holder changes the gains.
func resetState(targets []Target) []Target {
	out := make([]Target, len(targets))
	for i, t := range targets {
		t.LastInput = nil
		t.LastIntegral = decimal.Zero
		out[i] = t
	}
	return out
}
