package rebalance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// MinAmountSource resolves the minimum tradable value for a sell denom; the
// auction engine serves it. The boolean reports whether an auction exists
// for the denom.
type MinAmountSource interface {
	MinTradeAmount(ctx context.Context, denom string) (decimal.Decimal, bool, error)
}

// Directory resolves the auction address for an ordered pair. A missing
// entry is an error.
type Directory interface {
	AuctionAddress(sellDenom, buyDenom string) (string, error)
}

// AuctionClient routes a sell-side transfer into an auction's next round on
// behalf of the account.
type AuctionClient interface {
	DepositFor(ctx context.Context, sellDenom, buyDenom, provider string, amount decimal.Decimal) error
}

// leg is one side of the matching loop, in base-denom value terms.
type leg struct {
	target  Target
	value   decimal.Decimal
	current decimal.Decimal
}

// minResolver caches minimum tradable lookups for one pass: local overrides
// first, then the auction engine.
type minResolver struct {
	overrides map[string]decimal.Decimal
	source    MinAmountSource
	cache     map[string]decimal.Decimal
}

func newMinResolver(overrides map[string]decimal.Decimal, source MinAmountSource) *minResolver {
	return &minResolver{
		overrides: overrides,
		source:    source,
		cache:     make(map[string]decimal.Decimal),
	}
}

func (r *minResolver) resolve(ctx context.Context, denom string) (decimal.Decimal, error) {
	if min, ok := r.cache[denom]; ok {
		return min, nil
	}
	if min, ok := r.overrides[denom]; ok {
		r.cache[denom] = min
		return min, nil
	}
	min, found, err := r.source.MinTradeAmount(ctx, denom)
	if err != nil {
		return decimal.Zero, err
	}
	if !found {
		min = decimal.Zero
	}
	r.cache[denom] = min
	return min, nil
}

// planTrades turns signed controller outputs into matched sell/buy trades.
// Sells and buys are walked in target list order; each matched pair emits
// one instruction. Sub-minimum remainders are deferred silently to the next
// cycle, and total sold value is capped at maxSellFraction of the account's
// value.
func (e *Engine) planTrades(ctx context.Context, cfg Config, sells, buys []leg, totalValue decimal.Decimal, prices map[string]decimal.Decimal) ([]Trade, error) {
	if len(sells) == 0 || len(buys) == 0 {
		return nil, nil
	}
	mins := newMinResolver(e.cfg.MinAmountOverrides, e.minSource)
	capRemaining := cfg.MaxSellFraction.Mul(totalValue)

	var trades []Trade
	emit := func(sell *leg, buy *leg, value decimal.Decimal) error {
		price, ok := prices[sell.target.Denom]
		if !ok || price.IsZero() {
			return fmt.Errorf("%w: %s", ErrMissingPrice, sell.target.Denom)
		}
		addr, err := e.directory.AuctionAddress(sell.target.Denom, buy.target.Denom)
		if err != nil {
			return err
		}
		trades = append(trades, Trade{
			SellDenom:   sell.target.Denom,
			BuyDenom:    buy.target.Denom,
			AuctionAddr: addr,
			Amount:      value.Mul(price).Floor(),
			Value:       value,
		})
		return nil
	}

	// A min-balance buy smaller than the first sell's minimum tradable
	// size would never match; force a sell at the minimum, dedicated to
	// it, so the floor is reached this cycle.
	if cfg.HasMinBalance {
		idx := cfg.minBalanceTarget()
		for bi := range buys {
			if buys[bi].target.Denom != cfg.Targets[idx].Denom {
				continue
			}
			firstMin, err := mins.resolve(ctx, sells[0].target.Denom)
			if err != nil {
				return nil, err
			}
			if firstMin.IsZero() || buys[bi].value.GreaterThanOrEqual(firstMin) {
				break
			}
			forced := firstMin
			if forced.GreaterThan(capRemaining) {
				forced = capRemaining
			}
			if forced.GreaterThan(sells[0].current) {
				forced = sells[0].current
			}
			if forced.GreaterThan(decimal.Zero) {
				if err := emit(&sells[0], &buys[bi], forced); err != nil {
					return nil, err
				}
				capRemaining = capRemaining.Sub(forced)
				sells[0].value = decimal.Max(sells[0].value.Sub(forced), decimal.Zero)
				buys[bi].value = decimal.Zero
			}
			break
		}
	}

	for si := range sells {
		sell := &sells[si]
		min, err := mins.resolve(ctx, sell.target.Denom)
		if err != nil {
			return nil, err
		}

		remaining := sell.value
		// Never sell the target below its own floor.
		if sell.target.MinBalance != nil {
			price, ok := prices[sell.target.Denom]
			if !ok || price.IsZero() {
				return nil, fmt.Errorf("%w: %s", ErrMissingPrice, sell.target.Denom)
			}
			floorValue := sell.target.MinBalance.Div(price)
			sellable := sell.current.Sub(floorValue)
			if sellable.IsNegative() {
				sellable = decimal.Zero
			}
			if remaining.GreaterThan(sellable) {
				remaining = sellable
			}
		}
		if remaining.GreaterThan(capRemaining) {
			remaining = capRemaining
		}

		for bi := range buys {
			buy := &buys[bi]
			if buy.value.LessThanOrEqual(decimal.Zero) {
				continue
			}
			matched := decimal.Min(remaining, buy.value)
			if matched.LessThan(min) {
				// Below the auction minimum: deferred, not an error.
				continue
			}
			if err := emit(sell, buy, matched); err != nil {
				return nil, err
			}
			remaining = remaining.Sub(matched)
			capRemaining = capRemaining.Sub(matched)
			buy.value = buy.value.Sub(matched)
			if remaining.LessThanOrEqual(decimal.Zero) || capRemaining.LessThanOrEqual(decimal.Zero) {
				break
			}
		}
	}
	return trades, nil
}
