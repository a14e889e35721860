package pricefeed

import (
	"errors"
	"testing"
)

func TestParseSymbol_Valid(t *testing.T) {
	tests := []struct {
		in          string
		base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{" ethusdc ", "ETH", "USDC"},
		{"1000PEPEUSDT", "1000PEPE", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"BTCFDUSD", "BTC", "FDUSD"},
	}
	for _, tt := range tests {
		s, err := ParseSymbol(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if s.Base != tt.base || s.Quote != tt.quote {
			t.Errorf("%q: got %s/%s, want %s/%s", tt.in, s.Base, s.Quote, tt.base, tt.quote)
		}
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	for _, in := range []string{"", "BTC/USDT", "BTC-USDT", "USDT", "BTCXYZ", "A", "VERYLONGSYMBOLNAMEUSDT"} {
		if _, err := ParseSymbol(in); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("%q: expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}
