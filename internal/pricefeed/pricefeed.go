// Package pricefeed provides the market-price collaborators of the trade
// engine: the current-price Source used at placement and the historical
// Resolver used at settlement.
package pricefeed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when no price is known for a symbol.
	ErrNoPrice = errors.New("pricefeed: no price available")

	// ErrBadPrice is returned when a price is present but unusable
	// (non-numeric or not strictly positive).
	ErrBadPrice = errors.New("pricefeed: invalid price")
)

// Source reads the latest known price of a symbol.
type Source interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Resolver returns the market price of a symbol at, or nearest after, t.
type Resolver interface {
	PriceAt(ctx context.Context, symbol string, t time.Time) (decimal.Decimal, error)
}

// NormalizeSymbol upper-cases and trims a trading-pair symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func parsePositive(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.Join(ErrBadPrice, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrBadPrice
	}
	return d, nil
}

// Static is a fixed price map that serves as both Source and Resolver.
// Used for development without a market-data backend and in tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static feed from symbol → decimal string pairs.
func NewStatic(prices map[string]string) (*Static, error) {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for symbol, raw := range prices {
		d, err := parsePositive(raw)
		if err != nil {
			return nil, err
		}
		s.prices[NormalizeSymbol(symbol)] = d
	}
	return s, nil
}

// Set replaces the price of a symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[NormalizeSymbol(symbol)] = price
}

// Delete removes a symbol so that lookups fail with ErrNoPrice.
func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.prices, NormalizeSymbol(symbol))
}

func (s *Static) CurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	return p, nil
}

// PriceAt ignores t and returns the current static price.
func (s *Static) PriceAt(ctx context.Context, symbol string, _ time.Time) (decimal.Decimal, error) {
	return s.CurrentPrice(ctx, symbol)
}
