package models

import (
	"time"

	"paywall-service/internal/money"
)

// Payment methods
const (
	MethodStripe  = "stripe"
	MethodX402    = "x402"
	MethodCredits = "credits"
)

// Inventory policies
const (
	InventoryPolicyStrict    = "strict"
	InventoryPolicyBackorder = "allow_backorder"
)

// CheckoutRequirements captures per-product checkout field requirements.
type CheckoutRequirements struct {
	RequireShipping bool `json:"require_shipping"`
	RequireBilling  bool `json:"require_billing"`
	RequirePhone    bool `json:"require_phone"`
}

// SubscriptionPlan is the recurring-billing configuration of a product.
type SubscriptionPlan struct {
	BillingPeriod   string `json:"billing_period"` // day|week|month|year
	BillingInterval int    `json:"billing_interval"`
	TrialDays       int    `json:"trial_days"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`
}

// ProductVariant overrides price and inventory for one variant of a product.
type ProductVariant struct {
	ID                string       `json:"id"`
	CryptoPrice       *money.Money `json:"crypto_price,omitempty"`
	FiatPrice         *money.Money `json:"fiat_price,omitempty"`
	InventoryQuantity *int64       `json:"inventory_quantity,omitempty"`
}

// Product is catalog data, read-only to the engine.
type Product struct {
	ID                    string                `json:"id" db:"id"`
	TenantID              string                `json:"tenant_id" db:"tenant_id"`
	Name                  string                `json:"name" db:"name"`
	Active                bool                  `json:"active" db:"active"`
	FiatPrice             *money.Money          `json:"fiat_price,omitempty"`
	CryptoPrice           *money.Money          `json:"crypto_price,omitempty"`
	Variants              []ProductVariant      `json:"variants,omitempty"`
	InventoryQuantity     *int64                `json:"inventory_quantity,omitempty"` // nil = untracked
	InventoryPolicy       string                `json:"inventory_policy"`
	RecipientTokenAccount string                `json:"recipient_token_account,omitempty"`
	Subscription          *SubscriptionPlan     `json:"subscription,omitempty"`
	Checkout              *CheckoutRequirements `json:"checkout,omitempty"`
	CategoryIDs           []string              `json:"category_ids,omitempty"`
	CreatedAt             time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at" db:"updated_at"`
}

// Variant returns the variant with the given id, if any.
func (p *Product) Variant(id string) *ProductVariant {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i]
		}
	}
	return nil
}

// CartItem is one line of a cart quote.
type CartItem struct {
	ResourceID     string            `json:"resource_id"`
	VariantID      *string           `json:"variant_id,omitempty"`
	Quantity       int64             `json:"quantity"`
	Price          money.Money       `json:"price"`          // after catalog coupons, per unit * quantity
	OriginalPrice  money.Money       `json:"original_price"` // before coupons
	AppliedCoupons []string          `json:"applied_coupons,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CartQuote is a priced, inventory-reserved cart awaiting settlement.
type CartQuote struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	Items          []CartItem        `json:"items"`
	Total          money.Money       `json:"total"`
	OriginalTotal  money.Money       `json:"original_total"`
	AppliedCoupons []string          `json:"applied_coupons,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at" db:"expires_at"`
	// WalletPaidBy transitions nil -> non-nil exactly once at settlement.
	WalletPaidBy *string `json:"wallet_paid_by,omitempty" db:"wallet_paid_by"`
}

// Expired reports whether the quote has lapsed.
func (c *CartQuote) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Paid reports whether the cart has been settled.
func (c *CartQuote) Paid() bool {
	return c.WalletPaidBy != nil
}

// Reservation statuses
const (
	ReservationActive    = "active"
	ReservationReleased  = "released"
	ReservationConverted = "converted"
)

// InventoryReservation is an append-only hold against product stock. Rows are
// never decremented in place; the active sum is what counts against stock.
type InventoryReservation struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ProductID string    `json:"product_id" db:"product_id"`
	VariantID *string   `json:"variant_id,omitempty" db:"variant_id"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	CartID    *string   `json:"cart_id,omitempty" db:"cart_id"`
	Status    string    `json:"status" db:"status"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PaymentTransaction is the durable record of a settled payment.
// (tenant_id, signature) is unique; writes are insert-if-absent only.
type PaymentTransaction struct {
	Signature  string            `json:"signature" db:"signature"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	ResourceID string            `json:"resource_id" db:"resource_id"`
	Wallet     string            `json:"wallet" db:"wallet"`
	UserID     *string           `json:"user_id,omitempty" db:"user_id"`
	Amount     money.Money       `json:"amount"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// RefundQuote tracks one refund request against an original purchase.
// Finalized means processed_at is set; a signature present at finalization
// means approved/executed, absent means denied.
type RefundQuote struct {
	ID                 string            `json:"id" db:"id"`
	TenantID           string            `json:"tenant_id" db:"tenant_id"`
	OriginalPurchaseID string            `json:"original_purchase_id" db:"original_purchase_id"`
	RecipientWallet    string            `json:"recipient_wallet" db:"recipient_wallet"`
	Amount             money.Money       `json:"amount"`
	Reason             string            `json:"reason" db:"reason"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at" db:"expires_at"`
	ProcessedBy        *string           `json:"processed_by,omitempty" db:"processed_by"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty" db:"processed_at"`
	Signature          *string           `json:"signature,omitempty" db:"signature"`
}

// Finalized reports whether the refund reached a terminal state.
func (r *RefundQuote) Finalized() bool {
	return r.ProcessedAt != nil
}

// Approved reports whether a finalized refund was executed.
func (r *RefundQuote) Approved() bool {
	return r.Finalized() && r.Signature != nil
}

// CountsTowardCumulative reports whether this refund consumes refundable
// remainder: processed refunds always, pending ones only while unexpired.
func (r *RefundQuote) CountsTowardCumulative(now time.Time) bool {
	if r.Finalized() {
		return r.Signature != nil
	}
	return now.Before(r.ExpiresAt)
}

// Stripe refund request statuses
const (
	StripeRefundPending  = "pending"
	StripeRefundApproved = "approved"
	StripeRefundRejected = "rejected"
)

// StripeRefundRequest queues a card-network refund for admin review; the
// actual refund runs through the card gateway, never on-chain.
type StripeRefundRequest struct {
	ID                 string      `json:"id" db:"id"`
	TenantID           string      `json:"tenant_id" db:"tenant_id"`
	OriginalPurchaseID string      `json:"original_purchase_id" db:"original_purchase_id"`
	Amount             money.Money `json:"amount"`
	Reason             string      `json:"reason" db:"reason"`
	Status             string      `json:"status" db:"status"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// Subscription statuses
const (
	SubscriptionActive    = "active"
	SubscriptionTrialing  = "trialing"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
	SubscriptionUnpaid    = "unpaid"
	SubscriptionExpired   = "expired"
)

// Billing periods
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

// Subscription is a recurring access grant.
type Subscription struct {
	ID                 string            `json:"id" db:"id"`
	TenantID           string            `json:"tenant_id" db:"tenant_id"`
	Wallet             string            `json:"wallet,omitempty" db:"wallet"`
	UserID             *string           `json:"user_id,omitempty" db:"user_id"`
	ProductID          string            `json:"product_id" db:"product_id"`
	PaymentMethod      string            `json:"payment_method" db:"payment_method"`
	Status             string            `json:"status" db:"status"`
	BillingPeriod      string            `json:"billing_period" db:"billing_period"`
	BillingInterval    int               `json:"billing_interval" db:"billing_interval"`
	CurrentPeriodStart time.Time         `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end" db:"current_period_end"`
	TrialEnd           *time.Time        `json:"trial_end,omitempty" db:"trial_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty" db:"cancelled_at"`
	PaymentSignature   *string           `json:"payment_signature,omitempty" db:"payment_signature"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
}

// GiftCard carries a prepaid balance deductible only via the atomic
// balance-adjust primitive.
type GiftCard struct {
	Code      string      `json:"code" db:"code"`
	TenantID  string      `json:"tenant_id" db:"tenant_id"`
	Balance   money.Money `json:"balance"`
	Active    bool        `json:"active" db:"active"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// Usable reports whether the card can be applied right now.
func (g *GiftCard) Usable(now time.Time) bool {
	if !g.Active || g.Balance.Atomic <= 0 {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// CreditsHold binds an external ledger hold to the tenant/user/resource/amount
// it was created for, so a hold id can never be replayed elsewhere.
type CreditsHold struct {
	ID             string      `json:"id" db:"id"`
	TenantID       string      `json:"tenant_id" db:"tenant_id"`
	UserID         string      `json:"user_id" db:"user_id"`
	ResourceID     string      `json:"resource_id" db:"resource_id"`
	Amount         money.Money `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// Order is the fulfilled-purchase record written after settlement.
type Order struct {
	ID         string            `json:"id" db:"id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	ResourceID string            `json:"resource_id" db:"resource_id"`
	CartID     *string           `json:"cart_id,omitempty" db:"cart_id"`
	Signature  string            `json:"signature" db:"signature"`
	Wallet     string            `json:"wallet" db:"wallet"`
	Amount     money.Money       `json:"amount"`
	Items      []CartItem        `json:"items,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// InventoryAdjustment is the audit row for a permanent stock change.
type InventoryAdjustment struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	ProductID string    `json:"product_id" db:"product_id"`
	VariantID *string   `json:"variant_id,omitempty" db:"variant_id"`
	Delta     int64     `json:"delta" db:"delta"`
	Reason    string    `json:"reason" db:"reason"`
	Signature string    `json:"signature,omitempty" db:"signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
