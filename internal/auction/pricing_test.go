package auction

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCalcBuyAmount(t *testing.T) {
	buy, refund := calcBuyAmount(dec("1.5"), dec("4"))
	assert.True(t, buy.Equal(dec("2")), "buy = %s", buy)
	assert.True(t, refund.Equal(dec("1")), "refund = %s", refund)

	buy, refund = calcBuyAmount(dec("1.5"), dec("5"))
	assert.True(t, buy.Equal(dec("3")), "buy = %s", buy)
	assert.True(t, refund.Equal(dec("0")), "refund = %s", refund)

	buy, refund = calcBuyAmount(dec("2"), dec("1"))
	assert.True(t, buy.IsZero())
	assert.True(t, refund.Equal(dec("1")))
}

func TestPriceMonotonicDecay(t *testing.T) {
	a := &Active{
		StartBlock: 100,
		EndBlock:   200,
		StartPrice: dec("2.2"),
		EndPrice:   dec("1.8"),
	}
	prev := PriceAt(a, 100)
	assert.True(t, prev.Equal(dec("2.2")))
	for b := int64(101); b <= 200; b++ {
		p := PriceAt(a, b)
		assert.True(t, p.LessThanOrEqual(prev), "price rose at block %d: %s > %s", b, p, prev)
		prev = p
	}
	assert.True(t, prev.Equal(dec("1.8")))
}

func TestEffectivePercentCap(t *testing.T) {
	// 20% inflated 10x caps at 75%.
	pct := effectivePercent(2000, dec("10"))
	assert.True(t, pct.Equal(dec("0.75")), "pct = %s", pct)

	pct = effectivePercent(1000, dec("1"))
	assert.True(t, pct.Equal(dec("0.1")))
}

func TestFreshnessMultiplier(t *testing.T) {
	f := FreshnessStrategy{
		StaleLimitDays: 30,
		Multipliers: []AgeMultiplier{
			{AgeDays: 7, Multiplier: dec("3")},
			{AgeDays: 2, Multiplier: dec("2")},
		},
	}
	assert.True(t, f.MultiplierFor(dec("0.5")).Equal(dec("1")), "fresh feed keeps multiplier 1")
	assert.True(t, f.MultiplierFor(dec("3")).Equal(dec("2")))
	assert.True(t, f.MultiplierFor(dec("10")).Equal(dec("3")))
}

func TestRoundAllocation(t *testing.T) {
	threshold := dec("0.9999")
	assert.True(t, roundAllocation(dec("10.5"), threshold).Equal(dec("10")))
	assert.True(t, roundAllocation(dec("10.99995"), threshold).Equal(dec("11")))
	assert.True(t, roundAllocation(dec("10"), threshold).Equal(dec("10")))
}

func TestStrategyValidate(t *testing.T) {
	assert.NoError(t, Strategy{StartPriceBps: 1000, EndPriceBps: 1000}.Validate())
	assert.Error(t, Strategy{StartPriceBps: 0, EndPriceBps: 1000}.Validate())
	assert.Error(t, Strategy{StartPriceBps: 1000, EndPriceBps: 10000}.Validate())
}

func TestPairValidate(t *testing.T) {
	assert.NoError(t, Pair{Sell: "ukuji", Buy: "uusdc"}.Validate())
	assert.Error(t, Pair{Sell: "", Buy: "uusdc"}.Validate())
	assert.Error(t, Pair{Sell: "uusdc", Buy: "uusdc"}.Validate())
}
