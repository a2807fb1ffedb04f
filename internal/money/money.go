package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrAssetMismatch indicates arithmetic across two different asset codes.
	ErrAssetMismatch = errors.New("money: asset mismatch")
	// ErrOverflow indicates an int64 overflow in checked arithmetic.
	ErrOverflow = errors.New("money: amount overflow")
	// ErrNegativeAmount indicates an operation would produce a negative amount.
	ErrNegativeAmount = errors.New("money: negative amount")
	// ErrInvalidAmount indicates an unparseable or out-of-range major amount.
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// AssetKind distinguishes chain-native assets from fungible tokens.
type AssetKind string

const (
	KindNative        AssetKind = "native"
	KindFungibleToken AssetKind = "fungible-token"
)

// Asset describes a currency or token. Mint is set for on-chain tokens only.
type Asset struct {
	Code     string    `json:"code"`
	Decimals int       `json:"decimals"`
	Kind     AssetKind `json:"kind"`
	Mint     string    `json:"mint,omitempty"`
}

// Money is a fixed-point amount in atomic units of an asset. All arithmetic
// is integer arithmetic on Atomic; major units exist only for display.
type Money struct {
	Asset  Asset `json:"asset"`
	Atomic int64 `json:"atomic"`
}

// New builds a Money value from atomic units.
func New(asset Asset, atomic int64) Money {
	return Money{Asset: asset, Atomic: atomic}
}

// IsZero reports whether the amount is zero (including the zero value).
func (m Money) IsZero() bool {
	return m.Atomic == 0
}

// SameAsset reports whether two amounts share an asset code.
func (m Money) SameAsset(other Money) bool {
	return m.Asset.Code == other.Asset.Code
}

// Add returns m + other with overflow checking.
func (m Money) Add(other Money) (Money, error) {
	if !m.SameAsset(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	sum := m.Atomic + other.Atomic
	if (other.Atomic > 0 && sum < m.Atomic) || (other.Atomic < 0 && sum > m.Atomic) {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: sum}, nil
}

// Sub returns m - other, failing on asset mismatch or a negative result.
func (m Money) Sub(other Money) (Money, error) {
	if !m.SameAsset(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	if other.Atomic > m.Atomic {
		return Money{}, ErrNegativeAmount
	}
	return Money{Asset: m.Asset, Atomic: m.Atomic - other.Atomic}, nil
}

// MulQuantity returns m * qty with overflow checking.
func (m Money) MulQuantity(qty int64) (Money, error) {
	if qty < 0 {
		return Money{}, ErrNegativeAmount
	}
	if qty == 0 || m.Atomic == 0 {
		return Money{Asset: m.Asset, Atomic: 0}, nil
	}
	product := m.Atomic * qty
	if product/qty != m.Atomic {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: product}, nil
}

// Cmp compares two amounts of the same asset: -1, 0 or +1.
func (m Money) Cmp(other Money) (int, error) {
	if !m.SameAsset(other) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset.Code, other.Asset.Code)
	}
	switch {
	case m.Atomic < other.Atomic:
		return -1, nil
	case m.Atomic > other.Atomic:
		return 1, nil
	default:
		return 0, nil
	}
}

// FromMajor converts a major-unit decimal string ("10.50") to atomic units.
// Parsing is exact; amounts with more fractional digits than the asset
// carries are rejected rather than silently rounded.
func FromMajor(asset Asset, major string) (Money, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, major)
	}
	if d.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	scaled := d.Shift(int32(asset.Decimals))
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, major, asset.Decimals)
	}
	if !scaled.BigInt().IsInt64() {
		return Money{}, ErrOverflow
	}
	return Money{Asset: asset, Atomic: scaled.IntPart()}, nil
}

// Major renders the amount in major units for display only.
func (m Money) Major() string {
	return decimal.New(m.Atomic, -int32(m.Asset.Decimals)).String()
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major(), m.Asset.Code)
}
