// Package quant implements price and quantity quantisation and formatting
// to an instrument's tick and step, using exact decimal arithmetic
// throughout. Binary floating point never crosses the order-submission
// boundary, as spec §4.G requires.
package quant

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FloorToStep rounds x down to the nearest multiple of step. step must be
// strictly positive.
func FloorToStep(x, step decimal.Decimal) decimal.Decimal {
	units := x.Div(step).Floor()
	return units.Mul(step)
}

// CeilToStep rounds x up to the nearest multiple of step. step must be
// strictly positive.
func CeilToStep(x, step decimal.Decimal) decimal.Decimal {
	units := x.Div(step).Ceil()
	return units.Mul(step)
}

// Format renders x with exactly as many fractional digits as step requires,
// after flooring x to step. This is the only place a decimal becomes a wire
// string for prices/quantities.
func Format(x, step decimal.Decimal) string {
	floored := FloorToStep(x, step)
	return floored.StringFixed(stepDecimals(step))
}

// stepDecimals returns the number of fractional digits step's exponent
// requires, e.g. 0.0001 -> 4, 0.01 -> 2, 1 -> 0.
func stepDecimals(step decimal.Decimal) int32 {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// Parse parses a formatted decimal string back into a decimal.Decimal. It
// exists purely to state the format round-trip law from spec §8:
// parse(format(x, step)) == floor_to_step(x, step).
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// IsMultipleOf reports whether x is an exact integer multiple of step —
// the invariant every submitted price and quantity must satisfy.
func IsMultipleOf(x, step decimal.Decimal) bool {
	if step.IsZero() {
		return false
	}
	rem := x.Mod(step)
	return rem.IsZero()
}
