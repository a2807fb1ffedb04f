package models

import "time"

// Event types
const (
	EventTypePaymentSucceeded      = "payment.succeeded"
	EventTypeRefundSucceeded       = "refund.succeeded"
	EventTypeSubscriptionCreated   = "subscription.created"
	EventTypeSubscriptionRenewed   = "subscription.renewed"
	EventTypeSubscriptionUpdated   = "subscription.updated"
	EventTypeSubscriptionCancelled = "subscription.cancelled"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentSucceededEvent is published after a payment settles.
type PaymentSucceededEvent struct {
	BaseEvent
	ResourceID   string            `json:"resource_id"`
	Signature    string            `json:"signature"`
	Wallet       string            `json:"wallet"`
	Method       string            `json:"method"`
	AtomicAmount int64             `json:"atomic_amount"`
	AssetCode    string            `json:"asset_code"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RefundSucceededEvent is published after a refund executes.
type RefundSucceededEvent struct {
	BaseEvent
	RefundID           string `json:"refund_id"`
	OriginalPurchaseID string `json:"original_purchase_id"`
	RecipientWallet    string `json:"recipient_wallet"`
	Signature          string `json:"signature"`
	AtomicAmount       int64  `json:"atomic_amount"`
	AssetCode          string `json:"asset_code"`
}

// SubscriptionEvent is published on subscription lifecycle transitions.
type SubscriptionEvent struct {
	BaseEvent
	SubscriptionID   string    `json:"subscription_id"`
	ProductID        string    `json:"product_id"`
	Wallet           string    `json:"wallet,omitempty"`
	Status           string    `json:"status"`
	PaymentMethod    string    `json:"payment_method"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}
