// Package oracle defines the price feed consumed by the auction engine and
// the system rebalance cycle. Price-source selection (manual, weighted
// time-average, external market query) lives behind the Source interface.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceNotFound is returned when no price is recorded for a pair.
	ErrPriceNotFound = errors.New("price not found")
	// ErrZeroPrice is returned when a recorded price is zero; a zero price
	// is a hard error for every caller.
	ErrZeroPrice = errors.New("zero price")
)

// Quote is a price observation for an ordered denom pair.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	AsOf  time.Time       `json:"as_of"`
}

// Source answers price queries for ordered (sell, buy) denom pairs.
type Source interface {
	Price(ctx context.Context, sellDenom, buyDenom string) (Quote, error)
}

// Static is an in-memory Source fed through SetPrice, used for single-node
// deployments and tests.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]Quote)}
}

// SetPrice records a quote for the pair.
func (s *Static) SetPrice(sellDenom, buyDenom string, price decimal.Decimal, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[sellDenom+":"+buyDenom] = Quote{Price: price, AsOf: asOf}
}

// Price implements Source.
func (s *Static) Price(ctx context.Context, sellDenom, buyDenom string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[sellDenom+":"+buyDenom]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrPriceNotFound, sellDenom, buyDenom)
	}
	if q.Price.LessThanOrEqual(decimal.Zero) {
		return Quote{}, fmt.Errorf("%w: %s/%s", ErrZeroPrice, sellDenom, buyDenom)
	}
	return q, nil
}
