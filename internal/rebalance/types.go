// Package rebalance implements the per-account decision engine: a PID
// feedback controller sizing trades against target allocations, with a
// minimum-balance override and netting against auction minimum trade sizes.
package rebalance

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidConfig is returned for configs violating the write-time
	// preconditions.
	ErrInvalidConfig = errors.New("invalid rebalancer config")
	// ErrUnauthorized is returned when the caller may not touch the
	// account's config.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when the account has no active config.
	ErrNotFound = errors.New("account not configured")
	// ErrAlreadyPaused and ErrNotPaused guard the pause registry moves.
	ErrAlreadyPaused = errors.New("account already paused")
	ErrNotPaused     = errors.New("account not paused")
	// ErrOverride is returned when the min-balance override produces
	// percentages outside the accepted sum bounds.
	ErrOverride = errors.New("min-balance override failed")
	// ErrMissingPrice is returned when a target denom has no snapshot
	// price.
	ErrMissingPrice = errors.New("missing price")
)

// OverrideStrategy selects how leftover percentage is redistributed when the
// min-balance target's allocation is raised.
type OverrideStrategy string

const (
	// OverrideProportional scales every other target by its share of the
	// remaining percentage.
	OverrideProportional OverrideStrategy = "proportional"
	// OverridePriority fills targets in list order until the leftover is
	// exhausted.
	OverridePriority OverrideStrategy = "priority"
)

// PIDGains are the controller coefficients.
type PIDGains struct {
	P decimal.Decimal `json:"p"`
	I decimal.Decimal `json:"i"`
	D decimal.Decimal `json:"d"`
}

// Equal compares gains by value; decimals are not comparable with ==.
func (g PIDGains) Equal(o PIDGains) bool {
	return g.P.Equal(o.P) && g.I.Equal(o.I) && g.D.Equal(o.D)
}

// Target is one desired-allocation line item.
type Target struct {
	Denom      string `json:"denom"`
	PercentBps uint32 `json:"percent_bps"`
	// MinBalance is an absolute floor in denom units. At most one target
	// per account may carry it.
	MinBalance *decimal.Decimal `json:"min_balance,omitempty"`

	// Controller state, persisted between cycles and reset whenever the
	// gains change.
	LastInput    *decimal.Decimal `json:"last_input,omitempty"`
	LastIntegral decimal.Decimal  `json:"last_integral"`
}

// Percent returns the target percentage as a fraction.
func (t Target) Percent() decimal.Decimal {
	return decimal.NewFromInt(int64(t.PercentBps)).Div(decimal.NewFromInt(10000))
}

// Config is one account's rebalancer configuration.
type Config struct {
	Account         string           `json:"account"`
	Trustee         string           `json:"trustee,omitempty"`
	BaseDenom       string           `json:"base_denom"`
	Targets         []Target         `json:"targets"`
	Gains           PIDGains         `json:"gains"`
	MaxSellFraction decimal.Decimal  `json:"max_sell_fraction"`
	LastRebalance   time.Time        `json:"last_rebalance"`
	HasMinBalance   bool             `json:"has_min_balance"`
	Override        OverrideStrategy `json:"override"`
}

// Validate enforces the write-time preconditions: at least two targets,
// percentages summing to 10000 bps, at most one min-balance target, only
// whitelisted denoms, and a max sell fraction in (0, 1].
func (c Config) Validate(whitelist map[string]bool) error {
	if c.Account == "" {
		return fmt.Errorf("%w: empty account", ErrInvalidConfig)
	}
	if c.BaseDenom == "" {
		return fmt.Errorf("%w: empty base denom", ErrInvalidConfig)
	}
	if len(c.Targets) < 2 {
		return fmt.Errorf("%w: need at least two targets", ErrInvalidConfig)
	}
	var (
		sum      uint32
		minCount int
	)
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Denom == "" {
			return fmt.Errorf("%w: empty target denom", ErrInvalidConfig)
		}
		if len(whitelist) > 0 && !whitelist[t.Denom] {
			return fmt.Errorf("%w: denom %s not whitelisted", ErrInvalidConfig, t.Denom)
		}
		if seen[t.Denom] {
			return fmt.Errorf("%w: duplicate target denom %s", ErrInvalidConfig, t.Denom)
		}
		seen[t.Denom] = true
		sum += t.PercentBps
		if t.MinBalance != nil {
			minCount++
		}
	}
	if sum != 10000 {
		return fmt.Errorf("%w: target percentages sum to %d bps, want 10000", ErrInvalidConfig, sum)
	}
	if minCount > 1 {
		return fmt.Errorf("%w: %d min-balance targets, at most one allowed", ErrInvalidConfig, minCount)
	}
	one := decimal.NewFromInt(1)
	if c.MaxSellFraction.LessThanOrEqual(decimal.Zero) || c.MaxSellFraction.GreaterThan(one) {
		return fmt.Errorf("%w: max sell fraction %s outside (0, 1]", ErrInvalidConfig, c.MaxSellFraction)
	}
	switch c.Override {
	case OverrideProportional, OverridePriority:
	default:
		return fmt.Errorf("%w: unknown override strategy %q", ErrInvalidConfig, c.Override)
	}
	return nil
}

// minBalanceTarget returns the index of the min-balance target, or -1.
func (c Config) minBalanceTarget() int {
	for i, t := range c.Targets {
		if t.MinBalance != nil {
			return i
		}
	}
	return -1
}

// Paused is the registry entry of a paused account: who paused it, why, and
// the config snapshot restored on resume.
type Paused struct {
	Pauser string `json:"pauser"`
	Reason string `json:"reason"`
	Config Config `json:"config"`
}

// Trade is one transfer-to-auction instruction produced by the decision
// engine. Amount is in the sell denom; Value is the same quantity in base
// denom terms.
type Trade struct {
	SellDenom   string          `json:"sell_denom"`
	BuyDenom    string          `json:"buy_denom"`
	AuctionAddr string          `json:"auction_addr"`
	Amount      decimal.Decimal `json:"amount"`
	Value       decimal.Decimal `json:"value"`
}

// Result reports one account's rebalance outcome.
type Result struct {
	Account string  `json:"account"`
	Paused  bool    `json:"paused"`
	Trades  []Trade `json:"trades"`
	// Failed lists trades whose execution failed; a failing transfer does
	// not block the others.
	Failed []Trade `json:"failed,omitempty"`
}
