// Package auction implements the time-decaying (Dutch) auction engine: per
// pair it runs decaying-price sale rounds over deposited tokens, settles
// providers pro rata across multiple calls, and keeps a rolling history of
// realized round prices.
package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPair is returned for empty or self-referential pairs.
	ErrInvalidPair = errors.New("invalid pair")
	// ErrInvalidStrategy is returned for zero percentages or an end
	// percentage of 100% or more.
	ErrInvalidStrategy = errors.New("invalid auction strategy")
	// ErrUnauthorized is returned when the caller is not the admin.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when no auction exists for a pair.
	ErrNotFound = errors.New("auction not found")
	// ErrInvalidState is returned when an operation is illegal in the
	// round's current status.
	ErrInvalidState = errors.New("invalid auction state")
	// ErrPaused is returned when opening a round on a paused pair.
	ErrPaused = errors.New("auction paused")
	// ErrStalePrice is returned when the feed price is older than the
	// configured stale limit.
	ErrStalePrice = errors.New("stale feed price")
	// ErrNoFunds is returned when opening a round with nothing deposited.
	ErrNoFunds = errors.New("no funds deposited for next round")
	// ErrBidTooSmall is returned when a bid cannot buy a single unit at
	// the current price.
	ErrBidTooSmall = errors.New("bid too small")
	// ErrBidOutOfWindow is returned for bids outside [startBlock, endBlock].
	ErrBidOutOfWindow = errors.New("bid outside auction window")
)

// Status is the lifecycle state of a pair's current round.
type Status string

const (
	// StatusClosed means no round has ever been opened for the pair.
	StatusClosed Status = "closed"
	// StatusStarted means the round is accepting bids.
	StatusStarted Status = "started"
	// StatusFinished means bidding is over and settlement has not begun.
	StatusFinished Status = "finished"
	// StatusClosing means settlement is mid-pagination; the cursor lives
	// in Active.Closing.
	StatusClosing Status = "closing"
	// StatusSettled means the round fully settled. Terminal until the next
	// round is opened.
	StatusSettled Status = "settled"
)

// Pair is the ordered (sell denomination, buy denomination) identity of one
// auction market.
type Pair struct {
	Sell string `json:"sell"`
	Buy  string `json:"buy"`
}

// Validate checks the pair is non-empty and non-equal.
func (p Pair) Validate() error {
	if p.Sell == "" || p.Buy == "" {
		return fmt.Errorf("%w: empty denom", ErrInvalidPair)
	}
	if p.Sell == p.Buy {
		return fmt.Errorf("%w: identical denoms %q", ErrInvalidPair, p.Sell)
	}
	return nil
}

func (p Pair) String() string {
	return p.Sell + ":" + p.Buy
}

// Strategy holds the price band around the feed price, in basis points.
type Strategy struct {
	StartPriceBps uint32 `json:"start_price_bps"`
	EndPriceBps   uint32 `json:"end_price_bps"`
}

// Validate rejects zero percentages and an end percentage at or above 100%.
func (s Strategy) Validate() error {
	if s.StartPriceBps == 0 || s.EndPriceBps == 0 {
		return fmt.Errorf("%w: zero percentage", ErrInvalidStrategy)
	}
	if s.EndPriceBps >= 10000 {
		return fmt.Errorf("%w: end percentage %d bps out of range", ErrInvalidStrategy, s.EndPriceBps)
	}
	return nil
}

// ChainHaltConfig bounds how much wall-clock drift is tolerated between
// blocks before the round is aborted.
type ChainHaltConfig struct {
	ExpectedBlockTime time.Duration `json:"expected_block_time"`
	HaltCap           time.Duration `json:"halt_cap"`
}

// AgeMultiplier inflates strategy percentages once the feed price is older
// than AgeDays.
type AgeMultiplier struct {
	AgeDays    uint32          `json:"age_days"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// FreshnessStrategy governs price-staleness handling. Multipliers are kept
// sorted descending by age.
type FreshnessStrategy struct {
	StaleLimitDays uint32          `json:"stale_limit_days"`
	Multipliers    []AgeMultiplier `json:"multipliers"`
}

// MultiplierFor returns the multiplier for a feed price that is ageDays old:
// the first entry whose age the staleness exceeds, or 1 for a fresh feed.
func (f FreshnessStrategy) MultiplierFor(ageDays decimal.Decimal) decimal.Decimal {
	for _, m := range f.Multipliers {
		if ageDays.GreaterThan(decimal.NewFromInt(int64(m.AgeDays))) {
			return m.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

// Config is the per-pair auction configuration. The pair is immutable
// identity; policy fields change only through administrative calls.
type Config struct {
	Pair      Pair              `json:"pair"`
	Paused    bool              `json:"paused"`
	Strategy  Strategy          `json:"strategy"`
	ChainHalt *ChainHaltConfig  `json:"chain_halt,omitempty"`
	Freshness FreshnessStrategy `json:"freshness"`
	// MinAmount is the minimum tradable value for the sell denom, served
	// to the rebalancer's minimum lookup.
	MinAmount decimal.Decimal `json:"min_amount"`
}

// ClosingCursor is the resumption payload of a mid-pagination settlement.
type ClosingCursor struct {
	// After is the last provider address already settled.
	After string `json:"after"`
	// Sold and Bought are the running totals of sell and buy tokens
	// distributed so far.
	Sold   decimal.Decimal `json:"sold"`
	Bought decimal.Decimal `json:"bought"`
}

// Active is the current-or-most-recent round for a pair. One instance per
// pair, overwritten each round, never deleted.
type Active struct {
	Status     Status          `json:"status"`
	StartBlock int64           `json:"start_block"`
	EndBlock   int64           `json:"end_block"`
	StartPrice decimal.Decimal `json:"start_price"`
	EndPrice   decimal.Decimal `json:"end_price"`

	// Available is the unsold sell-token amount, Resolved the buy-token
	// amount taken in by bids, Total the round's full sell-token amount.
	Available decimal.Decimal `json:"available"`
	Resolved  decimal.Decimal `json:"resolved"`
	Total     decimal.Decimal `json:"total"`

	SellLeftover decimal.Decimal `json:"sell_leftover"`
	BuyLeftover  decimal.Decimal `json:"buy_leftover"`

	LastCheckedBlock int64     `json:"last_checked_block"`
	LastCheckedAt    time.Time `json:"last_checked_at"`

	// CurrID is the funds-ledger id of this round, NextID the id deposits
	// accumulate under for the round after it.
	CurrID uint64 `json:"curr_id"`
	NextID uint64 `json:"next_id"`

	Closing *ClosingCursor `json:"closing,omitempty"`
}

// PriceSample is one TWAP observation, recorded when a round settles with
// anything sold.
type PriceSample struct {
	Price decimal.Decimal `json:"price"`
	Time  time.Time       `json:"time"`
}

// twapDepth bounds the price history; the oldest sample is evicted beyond it.
const twapDepth = 10

// BidResult reports the outcome of one bid.
type BidResult struct {
	Bought decimal.Decimal `json:"bought"`
	Refund decimal.Decimal `json:"refund"`
	Price  decimal.Decimal `json:"price"`
	// Halted is set when chain-halt detection aborted the round; the full
	// bid amount is refunded.
	Halted bool `json:"halted"`
}

// SettleResult reports the progress of one settlement call. Done is false
// when the page limit was hit and the call must be repeated.
type SettleResult struct {
	Done      bool `json:"done"`
	Processed int  `json:"processed"`
}
