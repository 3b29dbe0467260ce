package auction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/bank"
	"github.com/orbit-cex/treasury/internal/oracle"
	"github.com/orbit-cex/treasury/internal/store"
)

const (
	testAdmin  = "admin"
	testModule = "auction-module"
)

var testPair = Pair{Sell: "ukuji", Buy: "uusdc"}

type fixture struct {
	engine *Engine
	bank   *bank.Ledger
	oracle *oracle.Static
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := oracle.NewStatic()
	ledger := bank.NewLedger()
	engine := NewEngine(st, src, ledger, nil, EngineConfig{
		Admin:      testAdmin,
		ModuleAddr: testModule,
	}, zap.NewNop())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.SetPrice(testPair.Sell, testPair.Buy, dec("2"), now)

	f := &fixture{engine: engine, bank: ledger, oracle: src, now: now}
	require.NoError(t, engine.CreateAuction(context.Background(), testAdmin, Config{
		Pair:      testPair,
		Strategy:  Strategy{StartPriceBps: 1000, EndPriceBps: 1000},
		Freshness: FreshnessStrategy{StaleLimitDays: 30},
		MinAmount: dec("100"),
	}))
	return f
}

func (f *fixture) deposit(t *testing.T, provider string, amount string) {
	t.Helper()
	f.bank.Mint(provider, testPair.Sell, dec(amount))
	require.NoError(t, f.engine.Deposit(context.Background(), testPair, provider, dec(amount)))
}

func (f *fixture) open(t *testing.T, start, end, height int64) {
	t.Helper()
	require.NoError(t, f.engine.Open(context.Background(), testAdmin, testPair, start, end, height, f.now))
}

func TestOpenGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No deposits yet.
	err := f.engine.Open(ctx, testAdmin, testPair, 100, 200, 100, f.now)
	assert.ErrorIs(t, err, ErrNoFunds)

	f.deposit(t, "provider1", "4000")

	// Not admin.
	err = f.engine.Open(ctx, "mallory", testPair, 100, 200, 100, f.now)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Bad window.
	err = f.engine.Open(ctx, testAdmin, testPair, 200, 100, 100, f.now)
	assert.ErrorIs(t, err, ErrInvalidState)

	f.open(t, 100, 200, 100)

	// Reopen while the round is running.
	f.deposit(t, "provider1", "50")
	err = f.engine.Open(ctx, testAdmin, testPair, 300, 400, 300, f.now)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOpenPausedAndStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "4000")

	require.NoError(t, f.engine.Pause(ctx, testAdmin, testPair, true))
	err := f.engine.Open(ctx, testAdmin, testPair, 100, 200, 100, f.now)
	assert.ErrorIs(t, err, ErrPaused)
	require.NoError(t, f.engine.Pause(ctx, testAdmin, testPair, false))

	// Feed far older than the stale limit.
	f.oracle.SetPrice(testPair.Sell, testPair.Buy, dec("2"), f.now.Add(-40*24*time.Hour))
	err = f.engine.Open(ctx, testAdmin, testPair, 100, 200, 100, f.now)
	assert.ErrorIs(t, err, ErrStalePrice)
}

func TestOpenPriceBand(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "provider1", "4000")
	f.open(t, 100, 200, 100)

	active, err := f.engine.GetActive(context.Background(), testPair)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, active.Status)
	assert.True(t, active.StartPrice.Equal(dec("2.2")), "start price = %s", active.StartPrice)
	assert.True(t, active.EndPrice.Equal(dec("1.8")), "end price = %s", active.EndPrice)
	assert.True(t, active.Total.Equal(dec("4000")))
	assert.Equal(t, uint64(1), active.CurrID)
	assert.Equal(t, uint64(2), active.NextID)
}

func TestBidAndClip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)

	f.bank.Mint("bidder", testPair.Buy, dec("10000"))

	// Mid-window price is exactly the feed price.
	res, err := f.engine.Bid(ctx, testPair, "bidder", dec("1001"), 150, f.now)
	require.NoError(t, err)
	assert.True(t, res.Price.Equal(dec("2")))
	assert.True(t, res.Bought.Equal(dec("500")), "bought = %s", res.Bought)
	assert.True(t, res.Refund.Equal(dec("1")))

	got, _ := f.bank.Balance(ctx, "bidder", testPair.Sell)
	assert.True(t, got.Equal(dec("500")))

	// Second bid wants more than the 500 left; it is clipped and the
	// excess refunded at price.
	res, err = f.engine.Bid(ctx, testPair, "bidder", dec("2000"), 150, f.now)
	require.NoError(t, err)
	assert.True(t, res.Bought.Equal(dec("500")))
	assert.True(t, res.Refund.Equal(dec("1000")))

	active, err := f.engine.GetActive(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, active.Status)
	assert.True(t, active.Available.IsZero())
	assert.True(t, active.Resolved.Equal(dec("2000")))

	// Further bids are rejected.
	_, err = f.engine.Bid(ctx, testPair, "bidder", dec("100"), 151, f.now)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBidWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)
	f.bank.Mint("bidder", testPair.Buy, dec("1000"))

	_, err := f.engine.Bid(ctx, testPair, "bidder", dec("100"), 99, f.now)
	assert.ErrorIs(t, err, ErrBidOutOfWindow)
	_, err = f.engine.Bid(ctx, testPair, "bidder", dec("100"), 201, f.now)
	assert.ErrorIs(t, err, ErrBidOutOfWindow)
}

func TestChainHaltRefundsBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetFreshness(ctx, testAdmin, testPair, FreshnessStrategy{StaleLimitDays: 30}))
	require.NoError(t, f.engine.updateConfig(testAdmin, testPair, func(cfg *Config) error {
		cfg.ChainHalt = &ChainHaltConfig{ExpectedBlockTime: 5 * time.Second, HaltCap: time.Minute}
		return nil
	}))
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)
	f.bank.Mint("bidder", testPair.Buy, dec("1000"))

	// One block passed but ten minutes of wall clock: halted.
	res, err := f.engine.Bid(ctx, testPair, "bidder", dec("500"), 101, f.now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.True(t, res.Bought.IsZero())
	assert.True(t, res.Refund.Equal(dec("500")))

	// Bidder's buy balance is untouched.
	bal, _ := f.bank.Balance(ctx, "bidder", testPair.Buy)
	assert.True(t, bal.Equal(dec("1000")))

	active, err := f.engine.GetActive(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, active.Status)
}

func TestLeftoverCarriesIntoNextRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)

	// Nobody bids; settle past the window refunds the deposit in full.
	res, err := f.engine.Settle(ctx, testPair, 10, 201, f.now)
	require.NoError(t, err)
	assert.True(t, res.Done)

	bal, _ := f.bank.Balance(ctx, "provider1", testPair.Sell)
	assert.True(t, bal.Equal(dec("1000")))

	active, err := f.engine.GetActive(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, active.Status)
	assert.True(t, active.SellLeftover.IsZero())

	// Next round opens straight from the settled state.
	f.deposit(t, "provider2", "500")
	f.open(t, 300, 400, 300)
	active, err = f.engine.GetActive(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), active.CurrID)
	assert.True(t, active.Total.Equal(dec("500")))
}

func TestMinTradeAmount(t *testing.T) {
	f := newFixture(t)
	min, found, err := f.engine.MinTradeAmount(context.Background(), "ukuji")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, min.Equal(dec("100")))

	_, found, err = f.engine.MinTradeAmount(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDepositsQuery(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "provider1", "1000")
	f.deposit(t, "provider2", "3000")
	f.deposit(t, "provider1", "500")

	deposits, err := f.engine.Deposits(context.Background(), testPair)
	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.True(t, deposits["provider1"].Equal(dec("1500")))
	assert.True(t, deposits["provider2"].Equal(dec("3000")))
}

func TestTwapEviction(t *testing.T) {
	f := newFixture(t)
	err := f.engine.store.Update(func(txn *store.Txn) error {
		for i := 0; i < 15; i++ {
			sample := PriceSample{
				Price: decimal.NewFromInt(int64(i)),
				Time:  f.now.Add(time.Duration(i) * time.Minute),
			}
			if err := f.engine.pushSample(txn, testPair, sample); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	samples, err := f.engine.PriceHistory(context.Background(), testPair)
	require.NoError(t, err)
	require.Len(t, samples, twapDepth)
	// Newest first; the oldest five evicted.
	assert.True(t, samples[0].Price.Equal(dec("14")))
	assert.True(t, samples[twapDepth-1].Price.Equal(dec("5")))

	twap, err := f.engine.Twap(context.Background(), testPair, f.now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.True(t, twap.GreaterThan(decimal.Zero))
}

func TestCleanupGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)

	err := f.engine.Cleanup(ctx, testPair)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Settle(ctx, testPair, 10, 201, f.now)
	require.NoError(t, err)
	require.NoError(t, f.engine.Cleanup(ctx, testPair))
}

func TestSettleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "provider1", "1000")
	f.open(t, 100, 200, 100)

	// Still accepting bids.
	_, err := f.engine.Settle(ctx, testPair, 10, 150, f.now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Settle(ctx, testPair, 10, 201, f.now)
	require.NoError(t, err)

	// Already settled.
	_, err = f.engine.Settle(ctx, testPair, 10, 202, f.now)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSettleConservation(t *testing.T) {
	for _, limit := range []int{1, 10} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.deposit(t, "provider1", "1000")
			f.deposit(t, "provider2", "3000")
			f.open(t, 100, 200, 100)

			f.bank.Mint("bidder", testPair.Buy, dec("1001"))
			res, err := f.engine.Bid(ctx, testPair, "bidder", dec("1001"), 150, f.now)
			require.NoError(t, err)
			require.True(t, res.Bought.Equal(dec("500")))

			for {
				sres, err := f.engine.Settle(ctx, testPair, limit, 201, f.now)
				require.NoError(t, err)
				if sres.Done {
					break
				}
			}

			active, err := f.engine.GetActive(ctx, testPair)
			require.NoError(t, err)
			require.Equal(t, StatusSettled, active.Status)

			// Sell conservation: bidder purchase + provider refunds +
			// leftover add back to the round total.
			p1Sell, _ := f.bank.Balance(ctx, "provider1", testPair.Sell)
			p2Sell, _ := f.bank.Balance(ctx, "provider2", testPair.Sell)
			bidderSell, _ := f.bank.Balance(ctx, "bidder", testPair.Sell)
			sellTotal := p1Sell.Add(p2Sell).Add(bidderSell).Add(active.SellLeftover)
			assert.True(t, sellTotal.Equal(dec("4000")), "sell total = %s", sellTotal)

			// Buy conservation: provider payouts + leftover equal the
			// resolved amount.
			p1Buy, _ := f.bank.Balance(ctx, "provider1", testPair.Buy)
			p2Buy, _ := f.bank.Balance(ctx, "provider2", testPair.Buy)
			buyTotal := p1Buy.Add(p2Buy).Add(active.BuyLeftover)
			assert.True(t, buyTotal.Equal(active.Resolved), "buy total = %s vs %s", buyTotal, active.Resolved)

			// Exact shares for this round: provider1 holds 25%.
			assert.True(t, p1Buy.Equal(dec("250")), "p1 buy payout = %s", p1Buy)
			assert.True(t, p2Buy.Equal(dec("750")), "p2 buy payout = %s", p2Buy)
			assert.True(t, p1Sell.Equal(dec("875")), "p1 sell refund = %s", p1Sell)
			assert.True(t, p2Sell.Equal(dec("2625")), "p2 sell refund = %s", p2Sell)

			// One sample pushed at the realized average price.
			history, err := f.engine.PriceHistory(ctx, testPair)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.True(t, history[0].Price.Equal(dec("2")), "avg = %s", history[0].Price)
		})
	}
}

func TestSettlePaginationCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.deposit(t, fmt.Sprintf("provider%d", i), "1000")
	}
	f.open(t, 100, 200, 100)

	res, err := f.engine.Settle(ctx, testPair, 2, 201, f.now)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 2, res.Processed)

	active, err := f.engine.GetActive(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, StatusClosing, active.Status)
	require.NotNil(t, active.Closing)
	assert.Equal(t, "provider1", active.Closing.After)

	res, err = f.engine.Settle(ctx, testPair, 2, 201, f.now)
	require.NoError(t, err)
	assert.False(t, res.Done)

	res, err = f.engine.Settle(ctx, testPair, 2, 201, f.now)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 1, res.Processed)

	for i := 0; i < 5; i++ {
		bal, _ := f.bank.Balance(ctx, fmt.Sprintf("provider%d", i), testPair.Sell)
		assert.True(t, bal.Equal(dec("1000")), "provider%d refund = %s", i, bal)
	}
}
