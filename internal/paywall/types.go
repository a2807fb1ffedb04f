package paywall

import (
	"context"
	"strings"
	"time"

	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/x402"
)

// Resource kinds recognized by the dispatcher.
type ResourceKind int

const (
	KindProduct ResourceKind = iota
	KindCart
	KindRefund
)

// ResourceRef classifies a raw resource identifier.
type ResourceRef struct {
	Kind ResourceKind
	// ID is the bare identifier with any kind prefix stripped.
	ID string
}

// ParseResourceID classifies a resource id by its prefix. Both the underscore
// and colon separators are accepted; anything unprefixed is a product.
func ParseResourceID(raw string) ResourceRef {
	for _, p := range []string{"cart_", "cart:"} {
		if strings.HasPrefix(raw, p) {
			return ResourceRef{Kind: KindCart, ID: strings.TrimPrefix(raw, p)}
		}
	}
	for _, p := range []string{"refund_", "refund:"} {
		if strings.HasPrefix(raw, p) {
			return ResourceRef{Kind: KindRefund, ID: strings.TrimPrefix(raw, p)}
		}
	}
	return ResourceRef{Kind: KindProduct, ID: raw}
}

// Canonical renders the reference in the canonical wire form. Payment rows
// always store this form so replay detection is insensitive to the separator
// the client used.
func (r ResourceRef) Canonical() string {
	switch r.Kind {
	case KindCart:
		return "cart_" + r.ID
	case KindRefund:
		return "refund_" + r.ID
	default:
		return r.ID
	}
}

// AuthorizeRequest carries everything a single authorization attempt may
// present. All credential fields are optional; with none present the caller
// gets back payment requirements instead of a grant.
type AuthorizeRequest struct {
	TenantID   string
	ResourceID string
	// Wallet enables subscription and recent-grant lookups without a proof.
	Wallet string
	// UserID is the authenticated identity from the auth layer. It is trusted
	// over any identity claim embedded in quotes or holds.
	UserID          string
	CouponCode      string
	Proof           *x402.PaymentProof
	StripeSessionID string
	CreditsHoldID   string
}

// SettlementResponse reports the outcome of a settlement attempt.
type SettlementResponse struct {
	Success   bool    `json:"success"`
	TxHash    *string `json:"tx_hash,omitempty"`
	NetworkID *string `json:"network_id,omitempty"`
}

// SubscriptionInfo is the caller-facing slice of an access-granting
// subscription.
type SubscriptionInfo struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// AuthorizationResult is the single response shape for every authorization
// path: granted or not, plus whichever of quote, settlement and subscription
// details apply.
type AuthorizationResult struct {
	Granted      bool                `json:"granted"`
	Method       string              `json:"method,omitempty"`
	Wallet       string              `json:"wallet,omitempty"`
	Quote        *Quote              `json:"quote,omitempty"`
	Settlement   *SettlementResponse `json:"settlement,omitempty"`
	Subscription *SubscriptionInfo   `json:"subscription,omitempty"`
}

// CryptoQuote is the on-chain payment requirement block handed to clients.
// Amounts travel as strings in atomic units.
type CryptoQuote struct {
	Scheme            string    `json:"scheme"`
	Network           string    `json:"network"`
	MaxAmountRequired string    `json:"max_amount_required"`
	OriginalAmount    string    `json:"original_amount,omitempty"`
	Resource          string    `json:"resource"`
	PayTo             string    `json:"pay_to"`
	Asset             string    `json:"asset,omitempty"`
	Symbol            string    `json:"symbol"`
	Decimals          int       `json:"decimals"`
	Memo              string    `json:"memo,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	AppliedCoupons    []string  `json:"applied_coupons,omitempty"`
}

// StripeOption advertises the card rail for a resource.
type StripeOption struct {
	Available  bool   `json:"available"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
}

// CreditsOption advertises the prepaid-credits rail for a resource.
type CreditsOption struct {
	Available    bool   `json:"available"`
	AtomicAmount int64  `json:"atomic_amount"`
	AssetCode    string `json:"asset_code"`
}

// Quote lists every payment option currently open for a resource.
type Quote struct {
	ResourceID string        `json:"resource_id"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Crypto     *CryptoQuote  `json:"crypto,omitempty"`
	Stripe     *StripeOption `json:"stripe,omitempty"`
	Credits    *CreditsOption `json:"credits,omitempty"`
}

// CartItemRequest is one requested line of a cart quote.
type CartItemRequest struct {
	ResourceID string            `json:"resource_id"`
	VariantID  *string           `json:"variant_id,omitempty"`
	Quantity   int64             `json:"quantity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CartQuoteRequest asks for a priced, inventory-reserved cart.
type CartQuoteRequest struct {
	Items        []CartItemRequest `json:"items"`
	CouponCode   string            `json:"coupon_code,omitempty"`
	GiftCardCode string            `json:"gift_card_code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CheckoutSession is the card gateway's view of a checkout session.
type CheckoutSession struct {
	ID         string
	Paid       bool
	ResourceID string
	Wallet     string
	CustomerID string
	UserID     string
	AmountCents int64
	Currency   string
}

// CardPaymentGateway verifies card-rail checkout sessions.
type CardPaymentGateway interface {
	VerifyCheckoutSession(ctx context.Context, tenantID, sessionID string) (*CheckoutSession, error)
}

// CreditsLedger is the external prepaid-balance ledger. Holds are created
// against it at quote time and captured at settlement; CaptureHold must be
// idempotent per hold id so settlement retries are safe.
type CreditsLedger interface {
	CreateHold(ctx context.Context, tenantID, userID, idempotencyKey string, atomicAmount int64, assetCode string) (string, error)
	CaptureHold(ctx context.Context, tenantID, holdID string) error
	ReleaseHold(ctx context.Context, tenantID, holdID string) error
}

// Notifier publishes settlement events. Implementations log their own
// delivery failures; settlement never fails on a publish error.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, ev *models.PaymentSucceededEvent)
}

// GrantCache remembers recent grants so hot re-authorization checks skip
// verification entirely.
type GrantCache interface {
	Remember(ctx context.Context, tenantID, resourceID, wallet string) error
	Check(ctx context.Context, tenantID, resourceID, wallet string) (bool, error)
}

// Subscriptions is the recurring-billing engine as seen from settlement:
// access checks before payment, enrollment or renewal after it.
type Subscriptions interface {
	HasAccess(ctx context.Context, tenantID, wallet, productID string) (*models.Subscription, bool, error)
	RecordPayment(ctx context.Context, tenantID string, product *models.Product, tx *models.PaymentTransaction, method string) (*models.Subscription, error)
}

// RefundAuthorizer finalizes a refund given proof of the outbound transfer.
type RefundAuthorizer interface {
	Authorize(ctx context.Context, tenantID, refundID string, proof x402.PaymentProof) (*models.RefundQuote, error)
}

// PaymentCallback is the embedder's post-settlement hook. It runs with a
// bounded deadline; overruns are logged and abandoned, never propagated.
type PaymentCallback func(ctx context.Context, ev *models.PaymentSucceededEvent)

// Settings is the engine's static configuration.
type Settings struct {
	// Asset is the settlement asset of the on-chain rail.
	Asset money.Asset
	// Network is the accepted chain network id, matched case-insensitively.
	Network string
	// RecipientTokenAccount is the default receiving account, derived from
	// the configured payment address and token mint. Products may override it.
	RecipientTokenAccount string
	MemoPrefix            string

	Rounding      money.RoundingMode
	QuoteTTL      time.Duration
	CommitRetries int
	CommitBackoff time.Duration
	// CallbackTimeout bounds the post-settlement callback.
	CallbackTimeout time.Duration

	X402Enabled    bool
	StripeEnabled  bool
	CreditsEnabled bool
}
