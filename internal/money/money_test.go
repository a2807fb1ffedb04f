package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usdc = Asset{Code: "USDC", Decimals: 6, Kind: KindFungibleToken, Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}

func TestAddChecked(t *testing.T) {
	a := New(usdc, 1_000_000)
	b := New(usdc, 500_000)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), sum.Atomic)

	_, err = a.Add(New(Asset{Code: "USDT", Decimals: 6}, 1))
	assert.ErrorIs(t, err, ErrAssetMismatch)

	_, err = New(usdc, math.MaxInt64).Add(New(usdc, 1))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSub(t *testing.T) {
	a := New(usdc, 100)

	diff, err := a.Sub(New(usdc, 40))
	require.NoError(t, err)
	assert.Equal(t, int64(60), diff.Atomic)

	_, err = a.Sub(New(usdc, 101))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestMulQuantity(t *testing.T) {
	price := New(usdc, 2_500_000)

	total, err := price.MulQuantity(4)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), total.Atomic)

	zero, err := price.MulQuantity(0)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = New(usdc, math.MaxInt64/2).MulQuantity(3)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFromMajor(t *testing.T) {
	m, err := FromMajor(usdc, "10.50")
	require.NoError(t, err)
	assert.Equal(t, int64(10_500_000), m.Atomic)

	m, err = FromMajor(usdc, "0.000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Atomic)

	_, err = FromMajor(usdc, "0.0000001")
	assert.Error(t, err, "sub-atomic precision must be rejected, not rounded")

	_, err = FromMajor(usdc, "-1")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = FromMajor(usdc, "not-a-number")
	assert.Error(t, err)
}

func TestMajorDisplay(t *testing.T) {
	assert.Equal(t, "10.5", New(usdc, 10_500_000).Major())
	assert.Equal(t, "0.000001", New(usdc, 1).Major())
}

func TestApplyPercentageDiscount(t *testing.T) {
	tests := []struct {
		name   string
		atomic int64
		pct    float64
		mode   RoundingMode
		want   int64
	}{
		{"even ten percent", 1_000_000, 10, RoundHalfUp, 900_000},
		{"fractional half up rounds up", 333, 50, RoundHalfUp, 167},
		{"fractional floor", 333, 50, RoundFloor, 166},
		{"fractional ceil", 333, 50, RoundCeil, 167},
		{"hundred percent", 1_000_000, 100, RoundHalfUp, 0},
		{"zero percent", 1_000_000, 0, RoundHalfUp, 1_000_000},
		{"basis point precision", 1_000_000, 12.5, RoundHalfUp, 875_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(usdc, tt.atomic).ApplyPercentageDiscount(tt.pct, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Atomic)
		})
	}

	_, err := New(usdc, 100).ApplyPercentageDiscount(101, RoundHalfUp)
	assert.Error(t, err)
	_, err = New(usdc, 100).ApplyPercentageDiscount(-1, RoundHalfUp)
	assert.Error(t, err)
}

func TestApplyFixedDiscount(t *testing.T) {
	price := New(usdc, 1_000_000)

	got, err := price.ApplyFixedDiscount(New(usdc, 250_000))
	require.NoError(t, err)
	assert.Equal(t, int64(750_000), got.Atomic)

	// Discount larger than the price clamps at zero instead of going negative.
	got, err = price.ApplyFixedDiscount(New(usdc, 2_000_000))
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = price.ApplyFixedDiscount(New(Asset{Code: "EUR", Decimals: 2}, 1))
	assert.ErrorIs(t, err, ErrAssetMismatch)
}

func TestParseRoundingMode(t *testing.T) {
	mode, err := ParseRoundingMode("floor")
	require.NoError(t, err)
	assert.Equal(t, RoundFloor, mode)

	mode, err = ParseRoundingMode("")
	require.NoError(t, err)
	assert.Equal(t, RoundHalfUp, mode)

	_, err = ParseRoundingMode("bankers")
	assert.Error(t, err)
}
