// Package safe provides overflow-checked integer arithmetic for balance math
// and zero-guarded decimal ratios for reporting.
package safe

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInt64Overflow is returned when an int64 operation would wrap.
var ErrInt64Overflow = errors.New("int64 overflow")

// ErrDivisionByZero is returned when attempting to divide by zero.
var ErrDivisionByZero = errors.New("division by zero")

// percentageMultiplier is the multiplier for percentage calculations.
const percentageMultiplier = 100

var hundredDecimal = decimal.NewFromInt(percentageMultiplier)

// AddInt64 adds two int64 values, returning ErrInt64Overflow when the result
// would wrap in either direction.
//
// Example:
//
//	newTotal, err := safe.AddInt64(vault.TotalBalance, delta.Total)
//	if err != nil {
//	    return fmt.Errorf("apply total delta: %w", err)
//	}
func AddInt64(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrInt64Overflow
	}

	if b < 0 && a < math.MinInt64-b {
		return 0, ErrInt64Overflow
	}

	return a + b, nil
}

// SubInt64 subtracts b from a with overflow checking.
func SubInt64(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, ErrInt64Overflow
		}

		return a - b, nil
	}

	return AddInt64(a, -b)
}

// MulInt64 multiplies two int64 values with overflow checking.
func MulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}

	result := a * b
	if result/b != a {
		return 0, ErrInt64Overflow
	}

	if (a == math.MinInt64 && b == -1) || (b == math.MinInt64 && a == -1) {
		return 0, ErrInt64Overflow
	}

	return result, nil
}

// Percentage calculates (numerator / denominator) * 100 with zero check.
// Returns ErrDivisionByZero if denominator is zero.
func Percentage(numerator, denominator decimal.Decimal) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.Div(denominator).Mul(hundredDecimal), nil
}

// PercentageOrZero calculates (numerator / denominator) * 100, returning zero
// when the denominator is zero. This is the common pattern for drift ratios.
//
// Example:
//
//	drift := safe.PercentageOrZero(difference, expected)
func PercentageOrZero(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}

	return numerator.Div(denominator).Mul(hundredDecimal)
}
