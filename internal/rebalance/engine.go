package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/metrics"
	"github.com/orbit-cex/treasury/internal/store"
	"github.com/orbit-cex/treasury/pkg/events"
)

func configKey(account string) []byte {
	return []byte("rebalance/config/" + account)
}

func pausedKey(account string) []byte {
	return []byte("rebalance/paused/" + account)
}

// ConfigPrefix spans every active account config; the system cycle iterates
// it in ascending account order.
var ConfigPrefix = []byte("rebalance/config/")

// EngineConfig carries the decision engine's policy knobs.
type EngineConfig struct {
	// CyclePeriod is the controller's unit of time.
	CyclePeriod time.Duration
	// Whitelist restricts target denoms. Empty means unrestricted.
	Whitelist []string
	// MinAccountValue is the minimum total value per base denom below
	// which an account is paused instead of rebalanced.
	MinAccountValue map[string]decimal.Decimal
	// MinAmountOverrides takes precedence over the auction engine's
	// minimum tradable lookup.
	MinAmountOverrides map[string]decimal.Decimal
}

// Engine is the per-account rebalance decision engine.
type Engine struct {
	store     *store.Store
	minSource MinAmountSource
	directory Directory
	auctions  AuctionClient
	sink      events.Sink
	logger    *zap.Logger
	cfg       EngineConfig
	whitelist map[string]bool
}

// NewEngine creates a decision engine.
func NewEngine(st *store.Store, minSource MinAmountSource, directory Directory, auctions AuctionClient, sink events.Sink, cfg EngineConfig, logger *zap.Logger) *Engine {
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, d := range cfg.Whitelist {
		wl[d] = true
	}
	return &Engine{
		store:     st,
		minSource: minSource,
		directory: directory,
		auctions:  auctions,
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		whitelist: wl,
	}
}

// CyclePeriod exposes the controller period to the system cycle driver.
func (e *Engine) CyclePeriod() time.Duration {
	return e.cfg.CyclePeriod
}

// Whitelist returns the configured target denoms.
func (e *Engine) Whitelist() []string {
	return e.cfg.Whitelist
}

// SetConfig writes an account's config. Only the account itself or its
// configured trustee may call it. Changing the PID gains resets every
// target's controller state; otherwise the persisted state is carried over
// by denom.
func (e *Engine) SetConfig(ctx context.Context, caller string, cfg Config) error {
	if err := cfg.Validate(e.whitelist); err != nil {
		return err
	}
	cfg.HasMinBalance = cfg.minBalanceTarget() >= 0

	return e.store.Update(func(txn *store.Txn) error {
		var existing Config
		found, err := txn.Get(configKey(cfg.Account), &existing)
		if err != nil {
			return err
		}
		if found {
			if caller != existing.Account && caller != existing.Trustee {
				return fmt.Errorf("%w: %s may not modify %s", ErrUnauthorized, caller, cfg.Account)
			}
			if existing.Gains.Equal(cfg.Gains) {
				carryControllerState(existing.Targets, cfg.Targets)
				cfg.LastRebalance = existing.LastRebalance
			} else {
				cfg.Targets = resetState(cfg.Targets)
			}
		} else {
			if caller != cfg.Account {
				return fmt.Errorf("%w: %s may not create config for %s", ErrUnauthorized, caller, cfg.Account)
			}
			cfg.Targets = resetState(cfg.Targets)
		}
		return txn.Set(configKey(cfg.Account), cfg)
	})
}

// carryControllerState copies persisted PID state from old targets onto new
// ones with the same denom.
func carryControllerState(old, next []Target) {
	byDenom := make(map[string]Target, len(old))
	for _, t := range old {
		byDenom[t.Denom] = t
	}
	for i := range next {
		if prev, ok := byDenom[next[i].Denom]; ok {
			next[i].LastInput = prev.LastInput
			next[i].LastIntegral = prev.LastIntegral
		}
	}
}

// GetConfig returns an account's active config.
func (e *Engine) GetConfig(ctx context.Context, account string) (Config, error) {
	var cfg Config
	err := e.store.View(func(txn *store.Txn) error {
		found, err := txn.Get(configKey(account), &cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, account)
		}
		return nil
	})
	return cfg, err
}

// GetPaused returns an account's paused-registry entry.
func (e *Engine) GetPaused(ctx context.Context, account string) (Paused, error) {
	var p Paused
	err := e.store.View(func(txn *store.Txn) error {
		found, err := txn.Get(pausedKey(account), &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotPaused, account)
		}
		return nil
	})
	return p, err
}

// Pause moves an account's config into the paused registry.
func (e *Engine) Pause(ctx context.Context, caller, account, reason string) error {
	return e.store.Update(func(txn *store.Txn) error {
		return e.pauseInTxn(txn, caller, account, reason)
	})
}

func (e *Engine) pauseInTxn(txn *store.Txn, pauser, account, reason string) error {
	var cfg Config
	found, err := txn.Get(configKey(account), &cfg)
	if err != nil {
		return err
	}
	if !found {
		var p Paused
		if paused, err := txn.Get(pausedKey(account), &p); err != nil {
			return err
		} else if paused {
			return fmt.Errorf("%w: %s", ErrAlreadyPaused, account)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if pauser != cfg.Account && pauser != cfg.Trustee && pauser != systemPauser {
		return fmt.Errorf("%w: %s may not pause %s", ErrUnauthorized, pauser, account)
	}
	if err := txn.Set(pausedKey(account), Paused{Pauser: pauser, Reason: reason, Config: cfg}); err != nil {
		return err
	}
	if err := txn.Delete(configKey(account)); err != nil {
		return err
	}
	metrics.AccountsPaused.Inc()
	return nil
}

// systemPauser marks pauses performed by the engine itself (liquidity gate,
// system cycle).
const systemPauser = "system"

// Resume moves a paused account back into the active set, consuming the
// registry entry.
func (e *Engine) Resume(ctx context.Context, caller, account string) error {
	return e.store.Update(func(txn *store.Txn) error {
		var p Paused
		found, err := txn.Get(pausedKey(account), &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotPaused, account)
		}
		if caller != p.Config.Account && caller != p.Config.Trustee && caller != p.Pauser {
			return fmt.Errorf("%w: %s may not resume %s", ErrUnauthorized, caller, account)
		}
		if err := txn.Delete(pausedKey(account)); err != nil {
			return err
		}
		return txn.Set(configKey(account), p.Config)
	})
}

// Rebalance runs one decision pass for an account against the given balance
// and price snapshot. Prices map target denoms to denom-units-per-base-unit;
// the base denom is implicitly 1.
func (e *Engine) Rebalance(ctx context.Context, account string, balances, prices map[string]decimal.Decimal, now time.Time) (Result, error) {
	var (
		cfg   Config
		found bool
	)
	err := e.store.View(func(txn *store.Txn) error {
		var err error
		found, err = txn.Get(configKey(account), &cfg)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, account)
	}

	// Identity price for the base denom, on a copy so the caller's
	// snapshot stays untouched.
	snapshot := make(map[string]decimal.Decimal, len(prices)+1)
	for d, p := range prices {
		snapshot[d] = p
	}
	snapshot[cfg.BaseDenom] = one
	prices = snapshot

	// Total account value in base denom terms.
	totalValue := decimal.Zero
	currents := make(map[string]decimal.Decimal, len(cfg.Targets))
	for _, t := range cfg.Targets {
		price, ok := prices[t.Denom]
		if !ok || price.IsZero() {
			return Result{}, fmt.Errorf("%w: %s", ErrMissingPrice, t.Denom)
		}
		v := balances[t.Denom].Div(price)
		currents[t.Denom] = v
		totalValue = totalValue.Add(v)
	}

	// Liquidity gate: too small to control.
	minValue := e.cfg.MinAccountValue[cfg.BaseDenom]
	if totalValue.IsZero() || totalValue.LessThan(minValue) {
		err := e.store.Update(func(txn *store.Txn) error {
			return e.pauseInTxn(txn, systemPauser, account, "empty/low balance")
		})
		if err != nil {
			return Result{}, err
		}
		e.publish(ctx, events.New(events.TypeAccountPaused, now, map[string]interface{}{
			"account": account,
			"reason":  "empty/low balance",
		}))
		e.logger.Info("account paused for low balance",
			zap.String("account", account), zap.String("total_value", totalValue.String()))
		return Result{Account: account, Paused: true}, nil
	}

	percents := make([]decimal.Decimal, len(cfg.Targets))
	for i, t := range cfg.Targets {
		percents[i] = t.Percent()
	}
	if cfg.HasMinBalance {
		percents, err = applyMinBalanceOverride(cfg, percents, totalValue, prices)
		if err != nil {
			return Result{}, err
		}
	}

	// One controller step per target; the signed output splits the targets
	// into a sell side and a buy side.
	dt := timeDelta(cfg.LastRebalance, now, e.cfg.CyclePeriod)
	var sells, buys []leg
	for i, t := range cfg.Targets {
		targetValue := totalValue.Mul(percents[i])
		current := currents[t.Denom]
		out, updated := pidStep(cfg.Gains, t, targetValue, current, dt)
		cfg.Targets[i] = updated
		switch {
		case out.IsNegative():
			sells = append(sells, leg{target: updated, value: out.Neg(), current: current})
		case out.IsPositive():
			buys = append(buys, leg{target: updated, value: out, current: current})
		}
	}

	trades, err := e.planTrades(ctx, cfg, sells, buys, totalValue, prices)
	if err != nil {
		return Result{}, err
	}

	res := Result{Account: account, Trades: trades}
	for _, tr := range trades {
		if err := e.auctions.DepositFor(ctx, tr.SellDenom, tr.BuyDenom, account, tr.Amount); err != nil {
			// One failing transfer does not block the others.
			e.logger.Warn("trade transfer failed",
				zap.String("account", account),
				zap.String("sell", tr.SellDenom),
				zap.String("buy", tr.BuyDenom),
				zap.String("amount", tr.Amount.String()),
				zap.Error(err))
			res.Failed = append(res.Failed, tr)
			continue
		}
		metrics.TradesEmitted.Inc()
	}

	cfg.LastRebalance = now
	err = e.store.Update(func(txn *store.Txn) error {
		return txn.Set(configKey(account), cfg)
	})
	if err != nil {
		return Result{}, err
	}

	if len(trades) > 0 {
		attrs := map[string]interface{}{
			"account": account,
			"trades":  len(trades),
		}
		for _, tr := range trades {
			attrs[tr.SellDenom+"->"+tr.BuyDenom] = tr.Amount.String()
		}
		e.publish(ctx, events.New(events.TypeTradesExecuted, now, attrs))
	}
	metrics.AccountsRebalanced.Inc()
	return res, nil
}

// ListAccounts pages the active account set in ascending address order,
// starting strictly after the cursor.
func (e *Engine) ListAccounts(ctx context.Context, after string, limit int) ([]string, error) {
	var accounts []string
	err := e.store.View(func(txn *store.Txn) error {
		_, _, err := txn.ScanAfter(ConfigPrefix, []byte(after), limit, func(suffix, _ []byte) error {
			accounts = append(accounts, string(suffix))
			return nil
		})
		return err
	})
	return accounts, err
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, ev); err != nil {
		e.logger.Warn("event publish failed", zap.String("event_type", ev.Type), zap.Error(err))
	}
}
