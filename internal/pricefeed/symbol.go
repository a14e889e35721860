package pricefeed

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned for symbols that are not a base asset followed
// by a supported quote asset.
var ErrInvalidSymbol = errors.New("pricefeed: invalid symbol")

// Quote assets, longest first so USDT wins over a hypothetical USD suffix.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "EUR", "TRY", "BTC", "ETH", "BNB"}

// symbolRegex matches exchange symbols such as BTCUSDT or 1000PEPEUSDT.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

// Symbol is a parsed trading-pair symbol.
type Symbol struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParseSymbol normalizes and validates a symbol, splitting it into base and
// quote assets.
func ParseSymbol(raw string) (Symbol, error) {
	s := NormalizeSymbol(raw)
	if !symbolRegex.MatchString(s) {
		return Symbol{}, fmt.Errorf("%w: %q (expected {BASE}{QUOTE}, e.g. BTCUSDT)", ErrInvalidSymbol, raw)
	}
	for _, q := range quoteAssets {
		if base := strings.TrimSuffix(s, q); base != s && base != "" {
			return Symbol{Symbol: s, Base: base, Quote: q}, nil
		}
	}
	return Symbol{}, fmt.Errorf("%w: %q has no supported quote asset", ErrInvalidSymbol, raw)
}
