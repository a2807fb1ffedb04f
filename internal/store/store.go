package store

import (
	"context"
	"errors"
	"time"

	"paywall-service/internal/coupons"
	"paywall-service/internal/models"
)

// ErrNotFound is returned by Get* methods when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract the engine depends on. The atomic
// primitives (TryRecordPayment, ReserveInventory, Release/Convert
// reservations, MarkCartPaid, TryAdjustGiftCardBalance,
// TryIncrementCouponUsage) must be implemented atomically by every backend,
// never as read-then-write from the caller's side.
type Store interface {
	// Catalog (read-only to the engine)
	GetProduct(ctx context.Context, tenantID, id string) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]*models.Product, error)

	// Coupons
	GetCoupon(ctx context.Context, tenantID, code string) (*coupons.Coupon, error)
	ListAutoApplyCoupons(ctx context.Context, tenantID string) ([]coupons.Coupon, error)
	// TryIncrementCouponUsage atomically increments the global usage counter
	// if it is under the limit. Returns false when the limit is exhausted.
	TryIncrementCouponUsage(ctx context.Context, tenantID, code string) (bool, error)
	// IncrementCustomerCouponUsage tracks the best-effort per-customer counter.
	IncrementCustomerCouponUsage(ctx context.Context, tenantID, code, customer string) error
	GetCustomerCouponUsage(ctx context.Context, tenantID, code, customer string) (int64, error)

	// Cart quotes
	SaveCartQuote(ctx context.Context, quote *models.CartQuote) error
	GetCartQuote(ctx context.Context, tenantID, id string) (*models.CartQuote, error)
	// MarkCartPaid performs SET wallet_paid_by = wallet WHERE wallet_paid_by
	// IS NULL. Returns false when the cart is missing or already paid.
	MarkCartPaid(ctx context.Context, tenantID, cartID, wallet string) (bool, error)

	// Inventory reservations (append-only rows; active sum counts)
	// ReserveInventory atomically checks availability (stock minus active
	// reservations) and inserts the reservation. Returns false on conflict.
	ReserveInventory(ctx context.Context, res *models.InventoryReservation) (bool, error)
	ReleaseInventoryReservations(ctx context.Context, tenantID, cartID string, now time.Time) (int, error)
	ConvertInventoryReservations(ctx context.Context, tenantID, cartID string, now time.Time) (int, error)
	ActiveReservedQuantity(ctx context.Context, tenantID, productID string, variantID *string, now time.Time) (int64, error)

	// Payments. TryRecordPayment inserts if absent; false means the
	// (tenant, signature) pair already exists. Never an upsert.
	TryRecordPayment(ctx context.Context, tx *models.PaymentTransaction) (bool, error)
	// GetPayment returns (nil, nil) when the signature has not been seen.
	GetPayment(ctx context.Context, tenantID, signature string) (*models.PaymentTransaction, error)

	// Orders and inventory audit
	CreateOrder(ctx context.Context, order *models.Order) error
	// GetOrderBySignature returns (nil, nil) when absent.
	GetOrderBySignature(ctx context.Context, tenantID, signature string) (*models.Order, error)
	DecrementInventory(ctx context.Context, tenantID, productID string, variantID *string, qty int64) error
	CreateInventoryAdjustment(ctx context.Context, adj *models.InventoryAdjustment) error

	// Gift cards
	GetGiftCard(ctx context.Context, tenantID, code string) (*models.GiftCard, error)
	// TryAdjustGiftCardBalance deducts atomically when the balance covers the
	// deduction and the card is active and unexpired; returns the new balance
	// or nil on insufficient funds.
	TryAdjustGiftCardBalance(ctx context.Context, tenantID, code string, deduction int64, now time.Time) (*int64, error)

	// Refunds
	CreateRefundQuote(ctx context.Context, quote *models.RefundQuote) error
	GetRefundQuote(ctx context.Context, tenantID, id string) (*models.RefundQuote, error)
	ListRefundsByPurchase(ctx context.Context, tenantID, originalPurchaseID string) ([]models.RefundQuote, error)
	UpdateRefundQuote(ctx context.Context, quote *models.RefundQuote) error
	// CreateStripeRefundRequest is idempotent per original purchase; false
	// means a request already existed.
	CreateStripeRefundRequest(ctx context.Context, req *models.StripeRefundRequest) (bool, error)

	// Credits holds (local binding records for external ledger holds)
	SaveCreditsHold(ctx context.Context, hold *models.CreditsHold) error
	GetCreditsHold(ctx context.Context, tenantID, id string) (*models.CreditsHold, error)
	// GetCreditsHoldByIdempotencyKey returns (nil, nil) when absent.
	GetCreditsHoldByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.CreditsHold, error)
	DeleteCreditsHold(ctx context.Context, tenantID, id string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (*models.Subscription, error)
	// GetSubscriptionBySignature returns (nil, nil) when absent.
	GetSubscriptionBySignature(ctx context.Context, tenantID, signature string) (*models.Subscription, error)
	// GetActiveSubscriptionForWalletProduct returns the newest non-terminal
	// subscription for (wallet, product), or (nil, nil).
	GetActiveSubscriptionForWalletProduct(ctx context.Context, tenantID, wallet, productID string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	// ListOverdueSubscriptions pages through local-method active subscriptions
	// whose period end plus grace is behind cutoff. Filtering happens storage
	// side; limit bounds the page.
	ListOverdueSubscriptions(ctx context.Context, cutoff time.Time, limit int, offsetID string) ([]models.Subscription, error)
	BatchUpdateSubscriptionStatus(ctx context.Context, ids []string, status string, now time.Time) error
}
