package auction

import (
	"github.com/shopspring/decimal"
)

// maxPriceDelta caps the effective strategy percentage after freshness
// inflation at 75%.
var maxPriceDelta = decimal.NewFromFloat(0.75)

var bpsDenominator = decimal.NewFromInt(10000)

// effectivePercent converts a strategy percentage in bps to a fraction,
// inflates it by the freshness multiplier, and caps the result.
func effectivePercent(bps uint32, multiplier decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromInt(int64(bps)).Div(bpsDenominator).Mul(multiplier)
	if pct.GreaterThan(maxPriceDelta) {
		return maxPriceDelta
	}
	return pct
}

// priceBand derives the round's start and end price from the feed price.
func priceBand(feed decimal.Decimal, s Strategy, multiplier decimal.Decimal) (start, end decimal.Decimal) {
	one := decimal.NewFromInt(1)
	start = feed.Mul(one.Add(effectivePercent(s.StartPriceBps, multiplier)))
	end = feed.Mul(one.Sub(effectivePercent(s.EndPriceBps, multiplier)))
	return start, end
}

// PriceAt returns the linearly decayed price at the given block. Non-
// increasing over the window when startPrice >= endPrice.
func PriceAt(a *Active, block int64) decimal.Decimal {
	span := a.EndBlock - a.StartBlock
	if span <= 0 {
		return a.EndPrice
	}
	slope := a.StartPrice.Sub(a.EndPrice).Div(decimal.NewFromInt(span))
	return a.StartPrice.Sub(slope.Mul(decimal.NewFromInt(block - a.StartBlock)))
}

// calcBuyAmount converts a sent buy-token amount into whole sell-token units
// at the given price. Amounts are integral token units, so the cost of the
// purchased units is rounded up before computing the refund.
func calcBuyAmount(price, sent decimal.Decimal) (buy, refund decimal.Decimal) {
	buy = sent.Div(price).Floor()
	cost := buy.Mul(price).Ceil()
	refund = sent.Sub(cost)
	if refund.IsNegative() {
		refund = decimal.Zero
	}
	return buy, refund
}

// roundAllocation applies the settlement rounding policy: round up when the
// fractional remainder reaches the threshold, floor otherwise.
func roundAllocation(x, threshold decimal.Decimal) decimal.Decimal {
	frac := x.Sub(x.Floor())
	if frac.GreaterThanOrEqual(threshold) {
		return x.Ceil()
	}
	return x.Floor()
}
