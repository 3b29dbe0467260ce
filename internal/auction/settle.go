package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/metrics"
	"github.com/orbit-cex/treasury/internal/store"
	"github.com/orbit-cex/treasury/pkg/events"
)

// Settle distributes a finished round to its providers, pro rata, up to
// limit ledger entries per call in ascending provider-address order. A call
// that hits the limit persists a resumption cursor and must be re-invoked;
// the short page completes the round, records leftovers, pushes a TWAP
// sample, and moves the round to StatusSettled.
func (e *Engine) Settle(ctx context.Context, pair Pair, limit int, height int64, now time.Time) (SettleResult, error) {
	if limit <= 0 {
		return SettleResult{}, fmt.Errorf("%w: non-positive settle limit", ErrInvalidState)
	}
	var res SettleResult
	err := e.store.Update(func(txn *store.Txn) error {
		active, _, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		switch active.Status {
		case StatusFinished, StatusClosing:
		case StatusStarted:
			// A started round past its window or fully sold out is
			// settleable; one still taking bids is not.
			if height <= active.EndBlock && active.Available.GreaterThan(decimal.Zero) {
				return fmt.Errorf("%w: round still accepting bids", ErrInvalidState)
			}
		case StatusSettled:
			return fmt.Errorf("%w: round already settled", ErrInvalidState)
		default:
			return fmt.Errorf("%w: cannot settle from %s", ErrInvalidState, active.Status)
		}

		var (
			cursor []byte
			sold   decimal.Decimal
			bought decimal.Decimal
		)
		if active.Closing != nil {
			cursor = []byte(active.Closing.After)
			sold = active.Closing.Sold
			bought = active.Closing.Bought
		}

		processed, last, err := txn.ScanAfter(fundsPrefix(pair, active.CurrID), cursor, limit, func(suffix, value []byte) error {
			var deposit decimal.Decimal
			if err := json.Unmarshal(value, &deposit); err != nil {
				return err
			}
			provider := string(suffix)

			if active.Resolved.IsZero() {
				// No bids at all: every provider gets its full
				// sell-token deposit back.
				if err := e.bank.Transfer(ctx, e.cfg.ModuleAddr, provider, pair.Sell, deposit); err != nil {
					return err
				}
				sold = sold.Add(deposit)
				return nil
			}

			share := deposit.Div(active.Total)
			allocation := roundAllocation(active.Resolved.Mul(share), e.cfg.RoundingThreshold)
			if allocation.GreaterThan(decimal.Zero) {
				if err := e.bank.Transfer(ctx, e.cfg.ModuleAddr, provider, pair.Buy, allocation); err != nil {
					return err
				}
				bought = bought.Add(allocation)
			}
			if active.Available.GreaterThan(decimal.Zero) {
				sellRefund := active.Available.Mul(share).Floor()
				if sellRefund.GreaterThan(decimal.Zero) {
					if err := e.bank.Transfer(ctx, e.cfg.ModuleAddr, provider, pair.Sell, sellRefund); err != nil {
						return err
					}
					sold = sold.Add(sellRefund)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if processed >= limit {
			// Page full: persist the continuation and yield.
			active.Status = StatusClosing
			active.Closing = &ClosingCursor{After: string(last), Sold: sold, Bought: bought}
			if err := txn.Set(activeKey(pair), *active); err != nil {
				return err
			}
			res = SettleResult{Done: false, Processed: processed}
			return nil
		}

		// Pass complete: record leftovers for the next round.
		active.SellLeftover = active.Available.Sub(sold)
		active.BuyLeftover = active.Resolved.Sub(bought)
		active.Status = StatusSettled
		active.Closing = nil

		soldToBidders := active.Total.Sub(active.Available)
		if soldToBidders.GreaterThan(decimal.Zero) {
			avg := active.Resolved.Div(soldToBidders)
			if err := e.pushSample(txn, pair, PriceSample{Price: avg, Time: now}); err != nil {
				return err
			}
		}

		if err := txn.Set(activeKey(pair), *active); err != nil {
			return err
		}

		res = SettleResult{Done: true, Processed: processed}
		metrics.RoundsSettled.WithLabelValues(pair.String()).Inc()
		e.publish(ctx, events.New(events.TypeAuctionSettled, now, map[string]interface{}{
			"pair":          pair.String(),
			"round":         active.CurrID,
			"sell_leftover": active.SellLeftover.String(),
			"buy_leftover":  active.BuyLeftover.String(),
		}))
		e.logger.Info("auction round settled",
			zap.String("pair", pair.String()),
			zap.Uint64("round", active.CurrID),
			zap.String("sell_leftover", active.SellLeftover.String()),
			zap.String("buy_leftover", active.BuyLeftover.String()))
		return nil
	})
	return res, err
}

// Cleanup reclaims the settled round's ledger storage. Purely storage
// hygiene; the round's accounting is already final.
func (e *Engine) Cleanup(ctx context.Context, pair Pair) error {
	return e.store.Update(func(txn *store.Txn) error {
		active, _, err := e.load(txn, pair)
		if err != nil {
			return err
		}
		if active.Status != StatusSettled {
			return fmt.Errorf("%w: cleanup requires a settled round, have %s", ErrInvalidState, active.Status)
		}
		if _, err := txn.DeletePrefix(fundsPrefix(pair, active.CurrID)); err != nil {
			return err
		}
		return txn.Delete(sumKey(pair, active.CurrID))
	})
}

// pushSample prepends a price observation, evicting the oldest beyond the
// history depth.
func (e *Engine) pushSample(txn *store.Txn, pair Pair, sample PriceSample) error {
	var samples []PriceSample
	if _, err := txn.Get(twapKey(pair), &samples); err != nil {
		return err
	}
	samples = append([]PriceSample{sample}, samples...)
	if len(samples) > twapDepth {
		samples = samples[:twapDepth]
	}
	return txn.Set(twapKey(pair), samples)
}

// PriceHistory returns the pair's recorded round prices, newest first.
func (e *Engine) PriceHistory(ctx context.Context, pair Pair) ([]PriceSample, error) {
	var samples []PriceSample
	err := e.store.View(func(txn *store.Txn) error {
		_, err := txn.Get(twapKey(pair), &samples)
		return err
	})
	return samples, err
}

// Twap returns the time-weighted average of the recorded samples, weighting
// each price by the interval it was current for.
func (e *Engine) Twap(ctx context.Context, pair Pair, now time.Time) (decimal.Decimal, error) {
	samples, err := e.PriceHistory(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if len(samples) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no price history for %s", ErrNotFound, pair)
	}
	var (
		weighted decimal.Decimal
		total    decimal.Decimal
	)
	end := now
	for _, s := range samples {
		w := decimal.NewFromFloat(end.Sub(s.Time).Seconds())
		if w.LessThanOrEqual(decimal.Zero) {
			w = decimal.NewFromInt(1)
		}
		weighted = weighted.Add(s.Price.Mul(w))
		total = total.Add(w)
		end = s.Time
	}
	return weighted.Div(total), nil
}
