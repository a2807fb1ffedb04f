package paywall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/x402"
)

func buildCart(t *testing.T, te *testEngine, req CartQuoteRequest) *models.CartQuote {
	t.Helper()
	quote, err := te.svc.GenerateCartQuote(context.Background(), "t1", req)
	require.NoError(t, err)
	return quote
}

func TestSettleCartX402HappyPath(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(3)))
	te.mem.PutProduct(usdcProduct("prod_b", 5_000_000, nil))

	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{
		{ResourceID: "prod_a", Quantity: 2},
		{ResourceID: "prod_b", Quantity: 1},
	}})
	assert.Equal(t, int64(25_000_000), cart.Total.Atomic)

	reserved, err := te.mem.ActiveReservedQuantity(ctx, "t1", "prod_a", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), reserved)

	res, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "walletA"},
	})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.True(t, te.verifier.requirement().Exact, "carts demand exact payment")
	assert.Equal(t, int64(25_000_000), te.verifier.requirement().AtomicAmount)

	paid, err := te.mem.GetCartQuote(ctx, "t1", cart.ID)
	require.NoError(t, err)
	require.NotNil(t, paid.WalletPaidBy)
	assert.Equal(t, "walletA", *paid.WalletPaidBy)

	// Reservations converted, stock permanently decremented.
	reserved, err = te.mem.ActiveReservedQuantity(ctx, "t1", "prod_a", nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, reserved)
	product, err := te.mem.GetProduct(ctx, "t1", "prod_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), *product.InventoryQuantity)

	order, err := te.mem.GetOrderBySignature(ctx, "t1", sigA)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Len(t, order.Items, 2)
}

func TestSettleCartSecondWalletConflicts(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	_, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "walletA"},
	})
	require.NoError(t, err)

	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigB, Network: "solana-mainnet", Payer: "walletB"},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
}

func TestSettleCartReplayIsIdempotent(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(5)))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	proof := &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "walletA"}
	req := AuthorizeRequest{TenantID: "t1", ResourceID: "cart_" + cart.ID, Proof: proof}

	_, err := te.svc.Authorize(ctx, req)
	require.NoError(t, err)
	res, err := te.svc.Authorize(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	product, err := te.mem.GetProduct(ctx, "t1", "prod_a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), *product.InventoryQuantity, "replay must not decrement twice")
}

func TestSettleCartFinishesAfterInterruptedCommit(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(5)))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	// The payment row exists but the paid flag was never written, as after a
	// crash between the commit and the flag update.
	inserted, err := te.mem.TryRecordPayment(ctx, &models.PaymentTransaction{
		Signature:  sigA,
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Wallet:     "walletA",
		Amount:     money.New(testAsset, cart.Total.Atomic),
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "walletA"},
	})
	require.NoError(t, err)
	assert.True(t, res.Granted)

	// The retry completes everything the interrupted attempt left undone.
	paid, err := te.mem.GetCartQuote(ctx, "t1", cart.ID)
	require.NoError(t, err)
	require.NotNil(t, paid.WalletPaidBy)
	assert.Equal(t, "walletA", *paid.WalletPaidBy)

	order, err := te.mem.GetOrderBySignature(ctx, "t1", sigA)
	require.NoError(t, err)
	require.NotNil(t, order)

	product, err := te.mem.GetProduct(ctx, "t1", "prod_a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), *product.InventoryQuantity)

	// The completed cart can no longer be settled by a different payment.
	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigB, Network: "solana-mainnet", Payer: "walletB"},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
}

func TestSettleExpiredCartReleasesReservations(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(3)))

	now := time.Now().UTC()
	cartID := "expired-cart"
	require.NoError(t, te.mem.SaveCartQuote(ctx, &models.CartQuote{
		ID: cartID, TenantID: "t1",
		Items:     []models.CartItem{{ResourceID: "prod_a", Quantity: 2}},
		Total:     money.New(testAsset, 20_000_000),
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-30 * time.Minute),
	}))
	ok, err := te.mem.ReserveInventory(ctx, &models.InventoryReservation{
		ID: "r1", TenantID: "t1", ProductID: "prod_a", Quantity: 2,
		CartID: &cartID, ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cartID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "w"},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Validation))

	reserved, err := te.mem.ActiveReservedQuantity(ctx, "t1", "prod_a", nil, now)
	require.NoError(t, err)
	assert.Zero(t, reserved, "expired cart settlement releases its reservations")
}

func TestSettleCartAmountMustBeExact(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	// Overpayment passes the verifier but not the exact-match gate.
	over := cart.Total.Atomic + 1
	te.verifier.amount = &over

	_, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "w"},
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.VerificationFailed))
}

func TestSettleCartGiftCardDeductionAtSettlement(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	te.mem.PutGiftCard(&models.GiftCard{
		Code: "GC", TenantID: "t1", Active: true,
		Balance: money.New(testAsset, 4_000_000),
	})

	cart := buildCart(t, te, CartQuoteRequest{
		Items:        []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}},
		GiftCardCode: "GC",
	})
	assert.Equal(t, int64(6_000_000), cart.Total.Atomic, "quote total excludes the gift card portion")

	// Quote creation must not touch the balance.
	card, err := te.mem.GetGiftCard(ctx, "t1", "GC")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000_000), card.Balance.Atomic)

	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:   "t1",
		ResourceID: "cart_" + cart.ID,
		Proof:      &x402.PaymentProof{Signature: sigA, Network: "solana-mainnet", Payer: "w"},
	})
	require.NoError(t, err)

	card, err = te.mem.GetGiftCard(ctx, "t1", "GC")
	require.NoError(t, err)
	assert.Zero(t, card.Balance.Atomic, "settlement deducts the queued amount")
}

func TestSettleCartCredits(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(5)))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	hold, err := te.svc.CreateCreditsHold(ctx, "t1", "user-1", "cart_"+cart.ID)
	require.NoError(t, err)
	assert.Equal(t, cart.Total.Atomic, hold.Amount.Atomic)

	// Repeated hold requests for the same purchase return the same hold.
	again, err := te.svc.CreateCreditsHold(ctx, "t1", "user-1", "cart_"+cart.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.ID, again.ID)

	res, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:      "t1",
		ResourceID:    "cart_" + cart.ID,
		UserID:        "user-1",
		CreditsHoldID: hold.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, models.MethodCredits, res.Method)

	assert.Equal(t, 1, te.ledger.captured[hold.ID])

	paid, err := te.mem.GetCartQuote(ctx, "t1", cart.ID)
	require.NoError(t, err)
	require.NotNil(t, paid.WalletPaidBy)

	// The binding is gone once settlement finishes.
	_, err = te.mem.GetCreditsHold(ctx, "t1", hold.ID)
	require.Error(t, err)
}

func TestSettleCartCreditsRejectsForeignHold(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, nil))
	cart := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})

	hold, err := te.svc.CreateCreditsHold(ctx, "t1", "user-1", "cart_"+cart.ID)
	require.NoError(t, err)

	// Another authenticated user cannot spend someone else's hold.
	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:      "t1",
		ResourceID:    "cart_" + cart.ID,
		UserID:        "user-2",
		CreditsHoldID: hold.ID,
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))

	// Nor can the hold settle a different cart.
	other := buildCart(t, te, CartQuoteRequest{Items: []CartItemRequest{{ResourceID: "prod_a", Quantity: 1}}})
	_, err = te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:      "t1",
		ResourceID:    "cart_" + other.ID,
		UserID:        "user-1",
		CreditsHoldID: hold.ID,
	})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.Conflict))
}

func TestSettleProductCredits(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	te.mem.PutProduct(usdcProduct("prod_a", 10_000_000, int64p(2)))

	hold, err := te.svc.CreateCreditsHold(ctx, "t1", "user-1", "prod_a")
	require.NoError(t, err)

	res, err := te.svc.Authorize(ctx, AuthorizeRequest{
		TenantID:      "t1",
		ResourceID:    "prod_a",
		UserID:        "user-1",
		CreditsHoldID: hold.ID,
	})
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.Equal(t, models.MethodCredits, res.Method)
	assert.Equal(t, 1, te.ledger.captured[hold.ID])
}
