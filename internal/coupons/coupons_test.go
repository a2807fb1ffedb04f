package coupons

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/money"
)

var usdc = money.Asset{Code: "USDC", Decimals: 6, Kind: money.KindFungibleToken}

func pct(code string, value float64) Coupon {
	return Coupon{
		Code:          code,
		DiscountType:  DiscountTypePercentage,
		DiscountValue: value,
		Scope:         ScopeAll,
		AppliesAt:     AppliesAtCatalog,
		AutoApply:     true,
		Active:        true,
	}
}

func fixed(code string, value float64) Coupon {
	c := pct(code, 0)
	c.DiscountType = DiscountTypeFixed
	c.DiscountValue = value
	return c
}

func TestEligibility(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	t.Run("inactive", func(t *testing.T) {
		c := pct("OFF10", 10)
		c.Active = false
		assert.False(t, c.Eligible(now, "x402"))
	})

	t.Run("not yet started", func(t *testing.T) {
		c := pct("OFF10", 10)
		c.StartsAt = &future
		assert.False(t, c.Eligible(now, "x402"))
	})

	t.Run("expired", func(t *testing.T) {
		c := pct("OFF10", 10)
		c.ExpiresAt = &past
		assert.False(t, c.Eligible(now, "x402"))
	})

	t.Run("usage exhausted", func(t *testing.T) {
		c := pct("OFF10", 10)
		limit := int64(5)
		c.UsageLimit = &limit
		c.UsageCount = 5
		assert.False(t, c.Eligible(now, "x402"))
	})

	t.Run("wrong payment method", func(t *testing.T) {
		c := pct("OFF10", 10)
		c.PaymentMethods = []string{"stripe"}
		assert.False(t, c.Eligible(now, "x402"))
		assert.True(t, c.Eligible(now, "stripe"))
	})

	t.Run("first purchase only excluded from auto apply but not manual", func(t *testing.T) {
		c := pct("WELCOME", 20)
		c.FirstPurchaseOnly = true
		assert.False(t, c.EligibleForAutoApply(now, "x402"))
		assert.True(t, c.Eligible(now, "x402"))
	})
}

func TestStackOrder(t *testing.T) {
	// $10.00 with 10% + 20% + $1 + $0.50: percentages stack multiplicatively
	// first, fixed amounts sum and apply last: 10 * .9 * .8 - 1.50 = 5.70.
	price := money.New(usdc, 10_000_000)
	cs := []Coupon{pct("TEN", 10), fixed("BUCK", 1), pct("TWENTY", 20), fixed("HALF", 0.5)}

	got, err := Stack(price, cs, money.RoundHalfUp)
	require.NoError(t, err)
	assert.Equal(t, int64(5_700_000), got.Atomic)
}

func TestStackFixedOnlyForUSDPegged(t *testing.T) {
	sol := money.Asset{Code: "SOL", Decimals: 9, Kind: money.KindNative}
	price := money.New(sol, 1_000_000_000)

	got, err := Stack(price, []Coupon{fixed("BUCK", 1)}, money.RoundHalfUp)
	require.NoError(t, err)
	assert.Equal(t, price.Atomic, got.Atomic, "fixed USD discount must not touch non-pegged assets")

	got, err = Stack(price, []Coupon{pct("TEN", 10)}, money.RoundHalfUp)
	require.NoError(t, err)
	assert.Equal(t, int64(900_000_000), got.Atomic)
}

func TestStackClampsAtZero(t *testing.T) {
	price := money.New(usdc, 500_000) // $0.50
	got, err := Stack(price, []Coupon{fixed("BIG", 100)}, money.RoundHalfUp)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestStackNoCoupons(t *testing.T) {
	price := money.New(usdc, 123)
	got, err := Stack(price, nil, money.RoundHalfUp)
	require.NoError(t, err)
	assert.Equal(t, price, got)
}

func TestAutoApplyIndex(t *testing.T) {
	now := time.Now()

	siteWide := pct("SITE", 5)
	productScoped := pct("PROD", 10)
	productScoped.Scope = ScopeSpecific
	productScoped.ProductIDs = []string{"prod_a"}
	categoryScoped := pct("CAT", 15)
	categoryScoped.Scope = ScopeSpecific
	categoryScoped.CategoryIDs = []string{"books"}
	checkoutWide := pct("CHECKOUT", 5)
	checkoutWide.AppliesAt = AppliesAtCheckout
	manualOnly := pct("MANUAL", 50)
	manualOnly.AutoApply = false
	// Same code reachable via product and category: must dedupe.
	both := pct("BOTH", 10)
	both.Scope = ScopeSpecific
	both.ProductIDs = []string{"prod_a"}
	both.CategoryIDs = []string{"books"}

	ix := NewAutoApplyIndex([]Coupon{siteWide, productScoped, categoryScoped, checkoutWide, manualOnly, both}, now, "x402")

	forA := ix.ForItem("prod_a", []string{"books"})
	codes := make([]string, 0, len(forA))
	for _, c := range forA {
		codes = append(codes, c.Code)
	}
	assert.ElementsMatch(t, []string{"SITE", "PROD", "CAT", "BOTH"}, codes)

	forOther := ix.ForItem("prod_z", nil)
	require.Len(t, forOther, 1)
	assert.Equal(t, "SITE", forOther[0].Code)

	checkout := ix.CheckoutLevel()
	require.Len(t, checkout, 1)
	assert.Equal(t, "CHECKOUT", checkout[0].Code)
}

func TestMeetsMinimum(t *testing.T) {
	min := money.New(usdc, 5_000_000)
	c := pct("MIN", 10)
	c.MinimumAmount = &min

	assert.True(t, c.MeetsMinimum(money.New(usdc, 5_000_000)))
	assert.False(t, c.MeetsMinimum(money.New(usdc, 4_999_999)))
	assert.False(t, c.MeetsMinimum(money.New(money.Asset{Code: "EUR", Decimals: 2}, 10_000)))
}
