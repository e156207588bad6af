// Package pricing holds the explicit pricing context threaded through every
// discount computation: currency, quantization and comparison tolerance.
package pricing

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when amounts of different currencies meet
// in a single computation.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// RoundingMode selects how amounts are quantized at stage boundaries.
type RoundingMode uint8

const (
	// RoundHalfUp rounds half away from zero.
	RoundHalfUp RoundingMode = iota
	// RoundHalfEven rounds half to the nearest even digit (banker's rounding).
	RoundHalfEven
	// RoundDown truncates towards zero.
	RoundDown
	// RoundUp rounds away from zero.
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half_up"
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// ParseRoundingMode maps a configuration value to a RoundingMode.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "half_up":
		return RoundHalfUp, nil
	case "half_even", "bankers":
		return RoundHalfEven, nil
	case "down":
		return RoundDown, nil
	case "up":
		return RoundUp, nil
	default:
		return 0, errors.Errorf("unsupported rounding mode %q", s)
	}
}

// Context carries the settings every pricing component needs. It replaces
// process-wide defaults: callers build one per order and pass it down.
type Context struct {
	Currency string
	Places   int32
	Rounding RoundingMode
	// Epsilon is the tolerance used when comparing recomputed totals.
	Epsilon decimal.Decimal
}

// DefaultContext returns a two-decimal, half-up context for the currency.
func DefaultContext(currency string) Context {
	return Context{
		Currency: currency,
		Places:   2,
		Rounding: RoundHalfUp,
		Epsilon:  decimal.New(1, -2),
	}
}

// WithCurrency returns a copy of c bound to another currency.
func (c Context) WithCurrency(currency string) Context {
	c.Currency = currency
	return c
}

// Quantize rounds d to the context precision using the context rounding mode.
func (c Context) Quantize(d decimal.Decimal) decimal.Decimal {
	switch c.Rounding {
	case RoundHalfEven:
		return d.RoundBank(c.Places)
	case RoundDown:
		return d.RoundDown(c.Places)
	case RoundUp:
		return d.RoundUp(c.Places)
	default:
		return d.Round(c.Places)
	}
}

// Within reports whether a and b differ by at most the context epsilon.
func (c Context) Within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(c.Epsilon)
}

// CheckCurrency returns ErrCurrencyMismatch unless currency matches the context.
func (c Context) CheckCurrency(currency string) error {
	if !strings.EqualFold(currency, c.Currency) {
		return errors.Wrapf(ErrCurrencyMismatch, "%s != %s", currency, c.Currency)
	}
	return nil
}

// Clamp limits d to the range [0, upper].
func Clamp(d, upper decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if upper.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, upper)
}

// FloorAtZero clamps negative values to zero.
func FloorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Apportion splits total across weights proportionally. Shares are quantized
// and capped at their weight; the last positive weight absorbs the rounding
// remainder so the shares add up to total whenever total <= sum(weights).
func (c Context) Apportion(total decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	for i := range shares {
		shares[i] = decimal.Zero
	}

	sum := decimal.Zero
	last := -1
	for i, w := range weights {
		if w.IsPositive() {
			sum = sum.Add(w)
			last = i
		}
	}
	if last < 0 || !total.IsPositive() {
		return shares
	}

	total = decimal.Min(total, sum)
	allocated := decimal.Zero
	for i, w := range weights {
		if !w.IsPositive() {
			continue
		}
		if i == last {
			shares[i] = Clamp(total.Sub(allocated), w)
			break
		}
		share := Clamp(c.Quantize(total.Mul(w).Div(sum)), w)
		shares[i] = share
		allocated = allocated.Add(share)
	}
	return shares
}
