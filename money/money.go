// Package money converts stake amounts between their exact decimal form and the
// integer minor units payment providers charge in.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"commitflow/apperr"
)

// MinimumStake is the smallest amount the payment provider will charge, in USD.
var MinimumStake = decimal.RequireFromString("0.50")

// ErrBelowMinimum keeps the message clients have always been shown for small stakes.
var ErrBelowMinimum = fmt.Errorf("Payment amount must be at least $0.50 USD: %w", apperr.ErrAmountTooSmall)

// CheckMinimum rejects amounts the provider cannot charge.
func CheckMinimum(amount decimal.Decimal) error {
	if amount.LessThan(MinimumStake) {
		return ErrBelowMinimum
	}
	return nil
}

// ToMinorUnits converts a dollar amount to cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Parse reads a user supplied amount and requires it to be strictly positive
// with at most two fractional digits after rounding.
func Parse(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, apperr.Validation("amount %q is not a number", raw)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, apperr.Validation("amount must be positive")
	}
	return d.Round(2), nil
}

// Format renders an amount with exactly two fractional digits.
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
