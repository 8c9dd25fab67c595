//go:build unit

package safe

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddInt64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     int64
		expected int64
		wantErr  bool
	}{
		{name: "simple", a: 2, b: 3, expected: 5},
		{name: "negative", a: 10, b: -4, expected: 6},
		{name: "at max", a: math.MaxInt64 - 1, b: 1, expected: math.MaxInt64},
		{name: "positive overflow", a: math.MaxInt64, b: 1, wantErr: true},
		{name: "negative overflow", a: math.MinInt64, b: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := AddInt64(tt.a, tt.b)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInt64Overflow)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSubInt64(t *testing.T) {
	t.Parallel()

	result, err := SubInt64(10, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), result)

	result, err = SubInt64(-2, math.MinInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-1), result)

	_, err = SubInt64(0, math.MinInt64)
	require.ErrorIs(t, err, ErrInt64Overflow)

	_, err = SubInt64(math.MinInt64, 1)
	require.ErrorIs(t, err, ErrInt64Overflow)
}

func TestMulInt64(t *testing.T) {
	t.Parallel()

	result, err := MulInt64(6, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result)

	result, err = MulInt64(0, math.MaxInt64)
	require.NoError(t, err)
	assert.Zero(t, result)

	_, err = MulInt64(math.MaxInt64, 2)
	require.ErrorIs(t, err, ErrInt64Overflow)

	_, err = MulInt64(math.MinInt64, -1)
	require.ErrorIs(t, err, ErrInt64Overflow)
}

func TestPercentage(t *testing.T) {
	t.Parallel()

	result, err := Percentage(decimal.NewFromInt(25), decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, result.Equal(decimal.NewFromFloat(12.5)), "got %s", result)

	_, err = Percentage(decimal.NewFromInt(1), decimal.Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestPercentageOrZero(t *testing.T) {
	t.Parallel()

	result := PercentageOrZero(decimal.NewFromInt(5), decimal.NewFromInt(1000))
	assert.True(t, result.Equal(decimal.NewFromFloat(0.5)), "got %s", result)

	assert.True(t, PercentageOrZero(decimal.NewFromInt(5), decimal.Zero).IsZero())
}
