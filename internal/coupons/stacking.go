package coupons

import (
	"strconv"
	"strings"

	"paywall-service/internal/money"
)

// USD-pegged asset codes treated as 1:1 equivalent for fixed discounts, so a
// fixed-amount coupon works across the fiat and stablecoin rails.
var usdPeggedAssets = map[string]bool{
	"USD":   true,
	"USDC":  true,
	"USDT":  true,
	"PYUSD": true,
	"CASH":  true,
}

func isUSDPegged(assetCode string) bool {
	return usdPeggedAssets[strings.ToUpper(assetCode)]
}

// Stack applies coupons to a price using integer arithmetic on atomic units.
// Percentage discounts apply first, multiplicatively stacked; fixed discounts
// are summed and applied once at the end. The rounding mode is applied at
// each percentage step, never re-derived from the original price.
func Stack(originalPrice money.Money, applicable []Coupon, mode money.RoundingMode) (money.Money, error) {
	if len(applicable) == 0 {
		return originalPrice, nil
	}

	price := originalPrice
	var totalFixed money.Money

	for _, coupon := range applicable {
		switch coupon.DiscountType {
		case DiscountTypePercentage:
			discounted, err := price.ApplyPercentageDiscount(coupon.DiscountValue, mode)
			if err != nil {
				return money.Money{}, err
			}
			price = discounted
		case DiscountTypeFixed:
			// Fixed discounts are denominated in USD major units and only
			// meaningful against USD-pegged assets.
			if !isUSDPegged(originalPrice.Asset.Code) {
				continue
			}
			fixed, err := money.FromMajor(originalPrice.Asset, formatFloat(coupon.DiscountValue))
			if err != nil {
				continue // skip malformed discount values
			}
			if totalFixed.IsZero() {
				totalFixed = fixed
			} else {
				sum, err := totalFixed.Add(fixed)
				if err != nil {
					continue // skip on overflow
				}
				totalFixed = sum
			}
		}
	}

	if !totalFixed.IsZero() {
		discounted, err := price.ApplyFixedDiscount(totalFixed)
		if err != nil {
			return money.Money{}, err
		}
		price = discounted
	}

	return price, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
