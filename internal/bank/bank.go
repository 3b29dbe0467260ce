// Package bank provides the atomic transfer primitive used for deposits,
// bid payments, refunds, and settlement payouts. Fund custody proper is an
// external collaborator; Ledger is the in-process implementation backing
// single-node runs and tests.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a transfer exceeds the sender's
// balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Bank moves native balance between the subsystem and external holders. A
// transfer either fully applies or not at all.
type Bank interface {
	Transfer(ctx context.Context, from, to, denom string, amount decimal.Decimal) error
	Balance(ctx context.Context, addr, denom string) (decimal.Decimal, error)
}

// Ledger is an in-memory Bank.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal // addr -> denom -> amount
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]map[string]decimal.Decimal)}
}

// Mint credits amount of denom to addr out of thin air. Seeding helper for
// tests and local runs.
func (l *Ledger) Mint(addr, denom string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, denom, amount)
}

// Transfer implements Bank.
func (l *Ledger) Transfer(ctx context.Context, from, to, denom string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("invalid transfer amount %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	have := l.balances[from][denom]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s", ErrInsufficientFunds, from, have, denom, amount)
	}
	l.balances[from][denom] = have.Sub(amount)
	l.credit(to, denom, amount)
	return nil
}

// Balance implements Bank.
func (l *Ledger) Balance(ctx context.Context, addr, denom string) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr][denom], nil
}

func (l *Ledger) credit(addr, denom string, amount decimal.Decimal) {
	if l.balances[addr] == nil {
		l.balances[addr] = make(map[string]decimal.Decimal)
	}
	l.balances[addr][denom] = l.balances[addr][denom].Add(amount)
}
