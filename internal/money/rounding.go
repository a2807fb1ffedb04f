package money

import "fmt"

// RoundingMode controls how fractional atomic units are resolved when a
// percentage discount does not divide evenly.
type RoundingMode int

const (
	// RoundHalfUp rounds .5 away from zero. Default.
	RoundHalfUp RoundingMode = iota
	// RoundFloor always rounds the discounted price down (largest discount).
	RoundFloor
	// RoundCeil always rounds the discounted price up (smallest discount).
	RoundCeil
)

// ParseRoundingMode parses a configured rounding mode name.
func ParseRoundingMode(name string) (RoundingMode, error) {
	switch name {
	case "half_up", "":
		return RoundHalfUp, nil
	case "floor":
		return RoundFloor, nil
	case "ceil":
		return RoundCeil, nil
	default:
		return RoundHalfUp, fmt.Errorf("money: unknown rounding mode %q", name)
	}
}

// ApplyPercentageDiscount returns the price after a pct% discount, computed
// in integer arithmetic on atomic units. pct is interpreted to basis-point
// precision; values outside [0, 100] are rejected.
func (m Money) ApplyPercentageDiscount(pct float64, mode RoundingMode) (Money, error) {
	if pct < 0 || pct > 100 {
		return Money{}, fmt.Errorf("%w: percentage %v", ErrInvalidAmount, pct)
	}
	bps := int64(pct*100 + 0.5)
	remainingBps := 10000 - bps

	product := m.Atomic * remainingBps
	if remainingBps != 0 && product/remainingBps != m.Atomic {
		return Money{}, ErrOverflow
	}
	return Money{Asset: m.Asset, Atomic: divRound(product, 10000, mode)}, nil
}

// ApplyFixedDiscount subtracts a fixed amount, clamping at zero.
func (m Money) ApplyFixedDiscount(discount Money) (Money, error) {
	if !m.SameAsset(discount) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset.Code, discount.Asset.Code)
	}
	if discount.Atomic >= m.Atomic {
		return Money{Asset: m.Asset, Atomic: 0}, nil
	}
	return Money{Asset: m.Asset, Atomic: m.Atomic - discount.Atomic}, nil
}

// divRound divides non-negative n by positive d under the given mode.
func divRound(n, d int64, mode RoundingMode) int64 {
	q := n / d
	r := n % d
	if r == 0 {
		return q
	}
	switch mode {
	case RoundFloor:
		return q
	case RoundCeil:
		return q + 1
	default: // RoundHalfUp
		if r*2 >= d {
			return q + 1
		}
		return q
	}
}
