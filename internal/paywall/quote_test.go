package paywall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/coupons"
	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
)

func TestParseResourceID(t *testing.T) {
	tests := []struct {
		raw       string
		kind      ResourceKind
		id        string
		canonical string
	}{
		{"prod_a", KindProduct, "prod_a", "prod_a"},
		{"cart_abc", KindCart, "abc", "cart_abc"},
		{"cart:abc", KindCart, "abc", "cart_abc"},
		{"refund_r1", KindRefund, "r1", "refund_r1"},
		{"refund:r1", KindRefund, "r1", "refund_r1"},
	}
	for _, tt := range tests {
		ref := ParseResourceID(tt.raw)
		assert.Equal(t, tt.kind, ref.Kind, tt.raw)
		assert.Equal(t, tt.id, ref.ID, tt.raw)
		assert.Equal(t, tt.canonical, ref.Canonical(), tt.raw)
	}
}

func TestGenerateQuoteAllRails(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()

	p := usdcProduct("prod_a", 10_000_000, nil)
	fiat := money.New(money.Asset{Code: "USD", Decimals: 2}, 1999)
	p.FiatPrice = &fiat
	te.mem.PutProduct(p)

	quote, err := te.svc.GenerateQuote(ctx, "t1", "prod_a", "")
	require.NoError(t, err)

	require.NotNil(t, quote.Crypto)
	assert.Equal(t, "exact", quote.Crypto.Scheme)
	assert.Equal(t, "solana-mainnet", quote.Crypto.Network)
	assert.Equal(t, "10000000", quote.Crypto.MaxAmountRequired)
	assert.Equal(t, "merchant-token-account", quote.Crypto.PayTo)
	assert.Equal(t, testAsset.Mint, quote.Crypto.Asset)
	assert.Equal(t, 6, quote.Crypto.Decimals)
	assert.Empty(t, quote.Crypto.OriginalAmount, "no discount means no original amount")

	require.NotNil(t, quote.Stripe)
	assert.Equal(t, int64(1999), quote.Stripe.PriceCents)
	assert.Equal(t, "USD", quote.Stripe.Currency)

	require.NotNil(t, quote.Credits)
	assert.Equal(t, int64(10_000_000), quote.Credits.AtomicAmount)

	assert.WithinDuration(t, time.Now().Add(15*time.Minute), quote.ExpiresAt, 5*time.Second)
}

func TestGenerateQuoteWithManualCoupon(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	te.mem.PutCoupon(&coupons.Coupon{
		Code: "SAVE20", TenantID: "t1", Active: true,
		DiscountType: coupons.DiscountTypePercentage, DiscountValue: 20,
		Scope: coupons.ScopeAll, AppliesAt: coupons.AppliesAtCheckout,
	})

	quote, err := te.svc.GenerateQuote(ctx, "t1", "prod_a", "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, "8000000", quote.Crypto.MaxAmountRequired)
	assert.Equal(t, "10000000", quote.Crypto.OriginalAmount)
	assert.Contains(t, quote.Crypto.AppliedCoupons, "SAVE20")

	_, err = te.svc.GenerateQuote(ctx, "t1", "prod_a", "NOPE")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))
}

func TestGenerateQuoteUnknownProduct(t *testing.T) {
	te := newTestEngine(nil)
	_, err := te.svc.GenerateQuote(context.Background(), "t1", "missing", "")
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.NotFound))
}

func TestCartQuoteCouponStages(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	p := usdcProduct("prod_a", 10_000_000, nil)
	p.CategoryIDs = []string{"books"}
	te.mem.PutProduct(p)
	te.mem.PutProduct(usdcProduct("prod_b", 10_000_000, nil))

	// Catalog-level coupon scoped to one category, checkout-level site-wide.
	te.mem.PutCoupon(&coupons.Coupon{
		Code: "BOOKS10", TenantID: "t1", Active: true, AutoApply: true,
		DiscountType: coupons.DiscountTypePercentage, DiscountValue: 10,
		Scope: coupons.ScopeSpecific, CategoryIDs: []string{"books"},
		AppliesAt: coupons.AppliesAtCatalog,
	})
	te.mem.PutCoupon(&coupons.Coupon{
		Code: "SITE5", TenantID: "t1", Active: true, AutoApply: true,
		DiscountType: coupons.DiscountTypePercentage, DiscountValue: 5,
		Scope: coupons.ScopeAll, AppliesAt: coupons.AppliesAtCheckout,
	})

	quote, err := te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{Items: []CartItemRequest{
		{ResourceID: "prod_a", Quantity: 1},
		{ResourceID: "prod_b", Quantity: 1},
	}})
	require.NoError(t, err)

	// prod_a: 10 - 10% = 9; prod_b untouched; subtotal 19, then 5% off.
	assert.Equal(t, int64(18_050_000), quote.Total.Atomic)
	assert.Equal(t, int64(20_000_000), quote.OriginalTotal.Atomic)
	assert.ElementsMatch(t, []string{"BOOKS10", "SITE5"}, quote.AppliedCoupons)
}

func TestCartQuoteAccumulatesDuplicateLines(t *testing.T) {
	te := newTestEngine(nil)
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(3)))

	// Two lines for the same product totalling 4 against stock 3 must fail
	// even though each line alone would fit.
	_, err := te.svc.GenerateCartQuote(context.Background(), "t1", CartQuoteRequest{Items: []CartItemRequest{
		{ResourceID: "prod_a", Quantity: 2},
		{ResourceID: "prod_a", Quantity: 2},
	}})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.OutOfStock))
}

func TestCartQuoteFailureReleasesPartialReservations(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(5)))
	te.mem.PutProduct(usdcProduct("prod_b", 10_000_000, int64p(1)))

	// Consume prod_b's stock so the second line's reservation conflicts
	// after prod_a's succeeded.
	blocker := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_b", Quantity: 1}}})
	_ = blocker

	// The pricing pass sees prod_b's stock as fully reserved and fails fast.
	_, err := te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{Items: []CartItemRequest{
		{ResourceID: "prod_a", Quantity: 2},
		{ResourceID: "prod_b", Quantity: 1},
	}})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.OutOfStock))

	reserved, err := te.mem.ActiveReservedQuantity(ctx, "t1", "prod_a", nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, reserved, "failed cart quote leaves no stray reservations")
}

func TestCartQuoteBackorderSkipsStockCheck(t *testing.T) {
	te := newTestEngine(nil)
	p := usdcProduct("prod_a", 10_000_000, int64p(0))
	p.InventoryPolicy = models.InventoryPolicyBackorder
	te.mem.PutProduct(p)

	quote, err := te.svc.GenerateCartQuote(context.Background(), "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), quote.Total.Atomic)
}

func TestCartQuoteVariantPriceAndStock(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	variantPrice := money.New(testAsset, 12_000_000)
	p := usdcProduct("prod_a", 10_000_000, int64p(10))
	p.Variants = []models.ProductVariant{
		{ID: "large", CryptoPrice: &variantPrice, InventoryQuantity: int64p(1)},
	}
	te.mem.PutProduct(p)

	variant := "large"
	quote, err := te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "prod_a", VariantID: &variant, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12_000_000), quote.Total.Atomic, "variant price overrides product price")

	// The variant's own stock of 1 is now reserved.
	_, err = te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "prod_a", VariantID: &variant, Quantity: 1}},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.OutOfStock))

	unknown := "missing"
	_, err = te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "prod_a", VariantID: &unknown, Quantity: 1}},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))
}

func TestCartQuoteGiftCardCannotCoverEverything(t *testing.T) {
	te := newTestEngine(nil)
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	te.mem.PutGiftCard(&models.GiftCard{
		Code: "BIG", TenantID: "t1", Active: true,
		Balance: money.New(testAsset, 50_000_000),
	})

	_, err := te.svc.GenerateCartQuote(context.Background(), "t1", CartQuoteRequest{
		Items:        []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}},
		GiftCardCode: "BIG",
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))
}

func TestCartQuoteValidation(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))

	_, err := te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))

	_, err = te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 0}},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))

	_, err = te.svc.GenerateCartQuote(ctx, "t1", CartQuoteRequest{
		Items: []CartItemRequest{{ResourceID: "ghost", Quantity: 1}},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.NotFound))
}
