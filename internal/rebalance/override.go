package rebalance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	one           = decimal.NewFromInt(1)
	overrideLower = decimal.NewFromFloat(0.9999)
)

// applyMinBalanceOverride raises the min-balance target's percentage when
// its naive allocation would undershoot the floor, and redistributes the
// remainder among the other targets per the configured strategy. Input and
// output percentages are fractions indexed like cfg.Targets; the input slice
// is returned untouched when no override is needed.
func applyMinBalanceOverride(cfg Config, percents []decimal.Decimal, totalValue decimal.Decimal, prices map[string]decimal.Decimal) ([]decimal.Decimal, error) {
	idx := cfg.minBalanceTarget()
	if idx < 0 {
		return percents, nil
	}
	t := cfg.Targets[idx]
	price, ok := prices[t.Denom]
	if !ok || price.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrice, t.Denom)
	}

	floorValue := t.MinBalance.Div(price)
	naive := totalValue.Mul(percents[idx])
	if naive.GreaterThanOrEqual(floorValue) {
		return percents, nil
	}

	newTPct := floorValue.Div(totalValue)
	if newTPct.GreaterThan(one) {
		newTPct = one
	}
	leftover := one.Sub(newTPct)

	out := make([]decimal.Decimal, len(percents))
	out[idx] = newTPct

	switch cfg.Override {
	case OverridePriority:
		remaining := leftover
		for i, pct := range percents {
			if i == idx {
				continue
			}
			grant := pct
			if grant.GreaterThan(remaining) {
				grant = remaining
			}
			out[i] = grant
			remaining = remaining.Sub(grant)
		}
	default: // proportional
		oldTPct := percents[idx]
		denom := one.Sub(oldTPct)
		for i, pct := range percents {
			if i == idx {
				continue
			}
			if denom.IsZero() {
				out[i] = decimal.Zero
				continue
			}
			out[i] = pct.Div(denom).Mul(leftover)
		}
	}

	var sum decimal.Decimal
	for _, pct := range out {
		sum = sum.Add(pct)
	}
	if sum.LessThan(overrideLower) || sum.GreaterThan(one) {
		return nil, fmt.Errorf("%w: adjusted percentages sum to %s", ErrOverride, sum)
	}
	return out, nil
}
