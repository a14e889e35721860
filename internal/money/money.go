// Package money defines the fixed-point value types used by the trade engine.
//
// Money is carried as integer minor units (cents, 2 implied decimals), prices
// as integer micro-units (6 implied decimals) and payout rates as integer
// basis-point-like units (4 implied decimals). Conversion to and from
// shopspring/decimal happens only here, at the system boundary; the engine
// itself never touches floating point.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

const (
	// CentsScale is the number of implied decimals in Cents.
	CentsScale = 2
	// PriceScale is the number of implied decimals in Price.
	PriceScale = 6
	// RateScale is the number of implied decimals in Rate.
	RateScale = 4

	// RateDenominator is the integer value of a Rate equal to 1.0.
	RateDenominator = 10000
)

var (
	// ErrPrecision is returned when a value carries more fractional digits
	// than the target type can represent exactly.
	ErrPrecision = errors.New("money: too many fractional digits")

	// ErrOutOfRange is returned when a value does not fit in an int64.
	ErrOutOfRange = errors.New("money: value out of range")

	// ErrNegative is returned where only non-negative values are allowed.
	ErrNegative = errors.New("money: negative value")

	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

// Cents is an amount of money in minor units.
type Cents int64

// Price is a market price in micro-units.
type Price int64

// Rate is a payout multiplier with RateScale implied decimals; 8000 is 0.80.
type Rate int64

// toScaled shifts d by scale digits and returns the integer value, failing if
// the result is not integral or does not fit in an int64.
func toScaled(d decimal.Decimal, scale int32) (int64, error) {
	shifted := d.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s (max %d)", ErrPrecision, d.String(), scale)
	}
	if shifted.GreaterThan(maxInt64) || shifted.LessThan(minInt64) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return shifted.IntPart(), nil
}

// --- Cents ---

// CentsFromDecimal converts d to Cents exactly. Values with more than two
// fractional digits are rejected rather than rounded.
func CentsFromDecimal(d decimal.Decimal) (Cents, error) {
	v, err := toScaled(d, CentsScale)
	return Cents(v), err
}

// ParseCents parses a decimal string such as "20.00" into Cents.
func ParseCents(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return CentsFromDecimal(d)
}

// Decimal returns c as a decimal value with two fractional digits.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -CentsScale)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(CentsScale)
}

// MarshalJSON renders c as a JSON number, e.g. 20.00.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (c *Cents) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := CentsFromDecimal(d)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Add returns c + d, or ErrOutOfRange if the sum does not fit in an int64.
func (c Cents) Add(d Cents) (Cents, error) {
	sum := c + d
	if (d > 0 && sum < c) || (d < 0 && sum > c) {
		return 0, ErrOutOfRange
	}
	return sum, nil
}

// MulRate returns floor(c × r). Both operands must be non-negative. The
// product is formed in 128 bits so no intermediate overflow is possible.
func (c Cents) MulRate(r Rate) (Cents, error) {
	if c < 0 || r < 0 {
		return 0, ErrNegative
	}
	hi, lo := bits.Mul64(uint64(c), uint64(r))
	if hi >= RateDenominator {
		return 0, ErrOutOfRange
	}
	q, _ := bits.Div64(hi, lo, RateDenominator)
	if q > math.MaxInt64 {
		return 0, ErrOutOfRange
	}
	return Cents(q), nil
}

// --- Price ---

// PriceFromDecimal converts a market price to micro-units. Feed values may
// carry more precision than six decimals; they are rounded half away from
// zero exactly once, here.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	v, err := toScaled(d.Round(PriceScale), PriceScale)
	return Price(v), err
}

// ParsePrice parses a decimal price string into micro-units.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse price %q: %w", s, err)
	}
	return PriceFromDecimal(d)
}

// Decimal returns p as a decimal value with six fractional digits.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceScale)
}

func (p Price) String() string {
	return p.Decimal().StringFixed(PriceScale)
}

// MarshalJSON renders p as a JSON number with six fractional digits.
func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (p *Price) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := PriceFromDecimal(d)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// --- Rate ---

// RateFromDecimal converts a payout multiplier such as 0.80 into a Rate.
func RateFromDecimal(d decimal.Decimal) (Rate, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegative, d.String())
	}
	v, err := toScaled(d, RateScale)
	return Rate(v), err
}

// ParseRate parses a decimal string into a Rate.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse rate %q: %w", s, err)
	}
	return RateFromDecimal(d)
}

// Decimal returns r as a decimal multiplier.
func (r Rate) Decimal() decimal.Decimal {
	return decimal.New(int64(r), -RateScale)
}

func (r Rate) String() string {
	return r.Decimal().String()
}

// MarshalJSON renders r as a JSON number, e.g. 0.8.
func (r Rate) MarshalJSON() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (r *Rate) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := RateFromDecimal(d)
	if err != nil {
		return err
	}
	*r = v
	return nil
}
