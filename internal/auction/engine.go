package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/bank"
	"github.com/orbit-cex/treasury/internal/metrics"
	"github.com/orbit-cex/treasury/internal/oracle"
	"github.com/orbit-cex/treasury/internal/store"
	"github.com/orbit-cex/treasury/pkg/events"
)

// hoursPerDay converts feed staleness to days for the freshness lookup.
var hoursPerDay = decimal.NewFromInt(24)

// EngineConfig carries the engine's policy knobs.
type EngineConfig struct {
	// Admin is the only address allowed to open rounds and mutate configs.
	Admin string
	// ModuleAddr is the bank address holding deposits, bids, and payouts.
	ModuleAddr string
	// RoundingThreshold is the near-one fractional remainder at which a
	// settlement allocation rounds up instead of down.
	RoundingThreshold decimal.Decimal
}

// Engine runs every pair's auction rounds against the shared store.
type Engine struct {
	store  *store.Store
	oracle oracle.Source
	bank   bank.Bank
	sink   events.Sink
	logger *zap.Logger
	cfg    EngineConfig
}

// NewEngine creates an auction engine.
func NewEngine(st *store.Store, src oracle.Source, bk bank.Bank, sink events.Sink, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.RoundingThreshold.IsZero() {
		cfg.RoundingThreshold = decimal.NewFromFloat(0.9999)
	}
	return &Engine{store: st, oracle: src, bank: bk, sink: sink, logger: logger, cfg: cfg}
}

// CreateAuction instantiates a pair's auction with its initial config.
func (e *Engine) CreateAuction(ctx context.Context, caller string, cfg Config) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := cfg.Pair.Validate(); err != nil {
		return err
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return err
	}
	return e.store.Update(func(txn *store.Txn) error {
		var existing Config
		found, err := txn.Get(configKey(cfg.Pair), &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: auction %s already exists", ErrInvalidState, cfg.Pair)
		}
		if err := txn.Set(configKey(cfg.Pair), cfg); err != nil {
			return err
		}
		initial := Active{
			Status: StatusClosed,
			CurrID: 0,
			NextID: 1,
		}
		return txn.Set(activeKey(cfg.Pair), initial)
	})
}

// Deposit records sell-token funds for the pair's next round. The deposit is
// only eligible for that round; funds move into the module account up front.
func (e *Engine) Deposit(ctx context.Context, pair Pair, provider string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: non-positive deposit", ErrBidTooSmall)
	}
	return e.store.Update(func(txn *store.Txn) error {
		active, _, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		if err := e.bank.Transfer(ctx, provider, e.cfg.ModuleAddr, pair.Sell, amount); err != nil {
			return err
		}
		var deposited decimal.Decimal
		if _, err := txn.Get(fundsKey(pair, active.NextID, provider), &deposited); err != nil {
			return err
		}
		if err := txn.Set(fundsKey(pair, active.NextID, provider), deposited.Add(amount)); err != nil {
			return err
		}
		var sum decimal.Decimal
		if _, err := txn.Get(sumKey(pair, active.NextID), &sum); err != nil {
			return err
		}
		return txn.Set(sumKey(pair, active.NextID), sum.Add(amount))
	})
}

// Open starts a new round. Legal only when the prior round is closed and
// settled, the pair is not paused, and the next round holds deposits.
// startBlock of zero defaults to the current height.
func (e *Engine) Open(ctx context.Context, caller string, pair Pair, startBlock, endBlock, height int64, now time.Time) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if startBlock == 0 {
		startBlock = height
	}
	if endBlock <= startBlock {
		return fmt.Errorf("%w: end block %d not after start block %d", ErrInvalidState, endBlock, startBlock)
	}

	quote, err := e.oracle.Price(ctx, pair.Sell, pair.Buy)
	if err != nil {
		return err
	}

	return e.store.Update(func(txn *store.Txn) error {
		active, cfg, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		if cfg.Paused {
			return fmt.Errorf("%w: %s", ErrPaused, pair)
		}
		if active.Status != StatusClosed && active.Status != StatusSettled {
			return fmt.Errorf("%w: cannot open from %s", ErrInvalidState, active.Status)
		}

		ageDays := decimal.NewFromFloat(now.Sub(quote.AsOf).Hours()).Div(hoursPerDay)
		if ageDays.GreaterThan(decimal.NewFromInt(int64(cfg.Freshness.StaleLimitDays))) {
			return fmt.Errorf("%w: feed is %s days old, limit %d", ErrStalePrice, ageDays.StringFixed(2), cfg.Freshness.StaleLimitDays)
		}
		multiplier := cfg.Freshness.MultiplierFor(ageDays)
		startPrice, endPrice := priceBand(quote.Price, cfg.Strategy, multiplier)

		var nextSum decimal.Decimal
		if _, err := txn.Get(sumKey(pair, active.NextID), &nextSum); err != nil {
			return err
		}
		if nextSum.IsZero() {
			return fmt.Errorf("%w: round %d of %s", ErrNoFunds, active.NextID, pair)
		}

		total := nextSum.Add(active.SellLeftover)
		next := Active{
			Status:           StatusStarted,
			StartBlock:       startBlock,
			EndBlock:         endBlock,
			StartPrice:       startPrice,
			EndPrice:         endPrice,
			Available:        total,
			Resolved:         active.BuyLeftover,
			Total:            total,
			LastCheckedBlock: height,
			LastCheckedAt:    now,
			CurrID:           active.NextID,
			NextID:           active.NextID + 1,
		}
		if err := txn.Set(activeKey(pair), next); err != nil {
			return err
		}

		metrics.AuctionsOpened.WithLabelValues(pair.String()).Inc()
		e.publish(ctx, events.New(events.TypeAuctionOpened, now, map[string]interface{}{
			"pair":        pair.String(),
			"round":       next.CurrID,
			"start_block": startBlock,
			"end_block":   endBlock,
			"start_price": startPrice.String(),
			"end_price":   endPrice.String(),
			"total":       total.String(),
		}))
		e.logger.Info("auction round opened",
			zap.String("pair", pair.String()),
			zap.Uint64("round", next.CurrID),
			zap.String("start_price", startPrice.String()),
			zap.String("end_price", endPrice.String()))
		return nil
	})
}

// Bid spends amount of the buy denom at the current decayed price. The
// purchased sell tokens are released immediately; any unspendable remainder
// is refunded.
func (e *Engine) Bid(ctx context.Context, pair Pair, bidder string, amount decimal.Decimal, height int64, now time.Time) (BidResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return BidResult{}, fmt.Errorf("%w: non-positive bid", ErrBidTooSmall)
	}
	var res BidResult
	err := e.store.Update(func(txn *store.Txn) error {
		active, cfg, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		if active.Status != StatusStarted {
			return fmt.Errorf("%w: bids require a started round, have %s", ErrInvalidState, active.Status)
		}
		if height < active.StartBlock {
			return fmt.Errorf("%w: block %d before start %d", ErrBidOutOfWindow, height, active.StartBlock)
		}
		if height > active.EndBlock {
			return fmt.Errorf("%w: block %d after end %d, auction finished", ErrBidOutOfWindow, height, active.EndBlock)
		}

		if cfg.ChainHalt != nil && e.haltDetected(cfg.ChainHalt, active, height, now) {
			active.Status = StatusFinished
			active.LastCheckedBlock = height
			active.LastCheckedAt = now
			if err := txn.Set(activeKey(pair), *active); err != nil {
				return err
			}
			res = BidResult{Refund: amount, Halted: true}
			e.publish(ctx, events.New(events.TypeAuctionHalted, now, map[string]interface{}{
				"pair":  pair.String(),
				"round": active.CurrID,
			}))
			e.logger.Warn("chain halt detected, round finished",
				zap.String("pair", pair.String()), zap.Uint64("round", active.CurrID))
			return nil
		}

		price := PriceAt(active, height)
		buy, refund := calcBuyAmount(price, amount)
		if buy.IsZero() {
			return fmt.Errorf("%w: %s buys nothing at price %s", ErrBidTooSmall, amount, price)
		}
		if buy.GreaterThan(active.Available) {
			// Clip to what is left; the excess is refunded at price.
			buy = active.Available
			cost := buy.Mul(price).Ceil()
			refund = amount.Sub(cost)
		}
		cost := amount.Sub(refund)

		if err := e.bank.Transfer(ctx, bidder, e.cfg.ModuleAddr, pair.Buy, cost); err != nil {
			return err
		}
		if err := e.bank.Transfer(ctx, e.cfg.ModuleAddr, bidder, pair.Sell, buy); err != nil {
			return err
		}

		active.Available = active.Available.Sub(buy)
		active.Resolved = active.Resolved.Add(cost)
		if active.Available.IsZero() {
			active.Status = StatusFinished
		}
		active.LastCheckedBlock = height
		active.LastCheckedAt = now
		if err := txn.Set(activeKey(pair), *active); err != nil {
			return err
		}

		res = BidResult{Bought: buy, Refund: refund, Price: price}
		metrics.BidsPlaced.WithLabelValues(pair.String()).Inc()
		e.publish(ctx, events.New(events.TypeBidPlaced, now, map[string]interface{}{
			"pair":   pair.String(),
			"round":  active.CurrID,
			"bidder": bidder,
			"bought": buy.String(),
			"price":  price.String(),
			"refund": refund.String(),
		}))
		return nil
	})
	return res, err
}

// haltDetected reports whether wall-clock time has outrun block production
// beyond the configured cap since the round was last touched.
func (e *Engine) haltDetected(halt *ChainHaltConfig, a *Active, height int64, now time.Time) bool {
	blocksPassed := height - a.LastCheckedBlock
	if blocksPassed < 0 {
		blocksPassed = 0
	}
	allowed := time.Duration(blocksPassed)*halt.ExpectedBlockTime + halt.HaltCap
	return now.Sub(a.LastCheckedAt) > allowed
}

// Pause stops new rounds from opening; the current round is unaffected.
func (e *Engine) Pause(ctx context.Context, caller string, pair Pair, paused bool) error {
	return e.updateConfig(caller, pair, func(cfg *Config) error {
		cfg.Paused = paused
		return nil
	})
}

// SetStrategy replaces the pair's price band strategy.
func (e *Engine) SetStrategy(ctx context.Context, caller string, pair Pair, s Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return e.updateConfig(caller, pair, func(cfg *Config) error {
		cfg.Strategy = s
		return nil
	})
}

// SetFreshness replaces the pair's price freshness strategy.
func (e *Engine) SetFreshness(ctx context.Context, caller string, pair Pair, f FreshnessStrategy) error {
	return e.updateConfig(caller, pair, func(cfg *Config) error {
		cfg.Freshness = f
		return nil
	})
}

// SetMinAmount replaces the pair's minimum tradable amount.
func (e *Engine) SetMinAmount(ctx context.Context, caller string, pair Pair, min decimal.Decimal) error {
	return e.updateConfig(caller, pair, func(cfg *Config) error {
		cfg.MinAmount = min
		return nil
	})
}

// GetConfig returns the pair's config.
func (e *Engine) GetConfig(ctx context.Context, pair Pair) (Config, error) {
	var cfg Config
	err := e.store.View(func(txn *store.Txn) error {
		found, err := txn.Get(configKey(pair), &cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, pair)
		}
		return nil
	})
	return cfg, err
}

// GetActive returns the pair's current round.
func (e *Engine) GetActive(ctx context.Context, pair Pair) (Active, error) {
	var active Active
	err := e.store.View(func(txn *store.Txn) error {
		a, _, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		active = *a
		return nil
	})
	return active, err
}

// Deposits returns the next round's ledger for a pair, keyed by provider.
func (e *Engine) Deposits(ctx context.Context, pair Pair) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	err := e.store.View(func(txn *store.Txn) error {
		active, _, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		_, _, err = txn.ScanAfter(fundsPrefix(pair, active.NextID), nil, 0, func(suffix, value []byte) error {
			var amt decimal.Decimal
			if err := json.Unmarshal(value, &amt); err != nil {
				return err
			}
			out[string(suffix)] = amt
			return nil
		})
		return err
	})
	return out, err
}

// MinTradeAmount serves the rebalancer's minimum tradable lookup: the
// configured minimum of the first auction selling denom. The boolean reports
// whether any such auction exists.
func (e *Engine) MinTradeAmount(ctx context.Context, denom string) (decimal.Decimal, bool, error) {
	var (
		min   decimal.Decimal
		found bool
	)
	err := e.store.View(func(txn *store.Txn) error {
		_, _, err := txn.ScanAfter(configPrefix, nil, 0, func(suffix, value []byte) error {
			if found {
				return nil
			}
			var cfg Config
			if err := json.Unmarshal(value, &cfg); err != nil {
				return err
			}
			if cfg.Pair.Sell == denom {
				min = cfg.MinAmount
				found = true
			}
			return nil
		})
		return err
	})
	return min, found, err
}

// AuctionAddress resolves the deposit address for an ordered pair, serving
// the rebalancer's directory lookup. The pair must have an auction.
func (e *Engine) AuctionAddress(sellDenom, buyDenom string) (string, error) {
	pair := Pair{Sell: sellDenom, Buy: buyDenom}
	err := e.store.View(func(txn *store.Txn) error {
		var cfg Config
		found, err := txn.Get(configKey(pair), &cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, pair)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return e.cfg.ModuleAddr, nil
}

// DepositFor routes a rebalancer trade into the pair's next round on behalf
// of the account.
func (e *Engine) DepositFor(ctx context.Context, sellDenom, buyDenom, provider string, amount decimal.Decimal) error {
	return e.Deposit(ctx, Pair{Sell: sellDenom, Buy: buyDenom}, provider, amount)
}

func (e *Engine) requireAdmin(caller string) error {
	if caller != e.cfg.Admin {
		return fmt.Errorf("%w: %s is not the auction admin", ErrUnauthorized, caller)
	}
	return nil
}

func (e *Engine) updateConfig(caller string, pair Pair, mutate func(*Config) error) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.store.Update(func(txn *store.Txn) error {
		var cfg Config
		found, err := txn.Get(configKey(pair), &cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, pair)
		}
		if err := mutate(&cfg); err != nil {
			return err
		}
		return txn.Set(configKey(pair), cfg)
	})
}

// load fetches the active round and config for a pair.
func (e *Engine) load(txn *store.Txn, pair Pair) (*Active, *Config, error) {
	var cfg Config
	found, err := txn.Get(configKey(pair), &cfg)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, pair)
	}
	var active Active
	if _, err := txn.Get(activeKey(pair), &active); err != nil {
		return nil, nil, err
	}
	return &active, &cfg, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}
