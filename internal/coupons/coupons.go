package coupons

import (
	"time"

	"paywall-service/internal/money"
)

// Discount types
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// Scopes
const (
	ScopeAll      = "all"
	ScopeSpecific = "specific"
)

// Application stages
const (
	AppliesAtCatalog  = "catalog"
	AppliesAtCheckout = "checkout"
)

// Coupon is a discount definition. Usage counters are mutated only through
// the store's atomic try-increment primitive, never via read-then-write.
type Coupon struct {
	Code              string       `json:"code" db:"code"`
	TenantID          string       `json:"tenant_id" db:"tenant_id"`
	DiscountType      string       `json:"discount_type" db:"discount_type"`
	DiscountValue     float64      `json:"discount_value" db:"discount_value"`
	Scope             string       `json:"scope" db:"scope"`
	ProductIDs        []string     `json:"product_ids,omitempty"`
	CategoryIDs       []string     `json:"category_ids,omitempty"`
	AppliesAt         string       `json:"applies_at" db:"applies_at"`
	AutoApply         bool         `json:"auto_apply" db:"auto_apply"`
	Active            bool         `json:"active" db:"active"`
	StartsAt          *time.Time   `json:"starts_at,omitempty" db:"starts_at"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	UsageLimit        *int64       `json:"usage_limit,omitempty" db:"usage_limit"`
	UsageCount        int64        `json:"usage_count" db:"usage_count"`
	PerCustomerLimit  *int64       `json:"per_customer_limit,omitempty" db:"per_customer_limit"`
	MinimumAmount     *money.Money `json:"minimum_amount,omitempty"`
	FirstPurchaseOnly bool         `json:"first_purchase_only" db:"first_purchase_only"`
	PaymentMethods    []string     `json:"payment_methods,omitempty"` // empty = all methods
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// AllowsMethod reports whether the coupon may be used with a payment method.
func (c *Coupon) AllowsMethod(method string) bool {
	if len(c.PaymentMethods) == 0 {
		return true
	}
	for _, m := range c.PaymentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Eligible reports whether the coupon can currently be applied at all:
// active, inside its validity window, usage remaining, method allowed.
func (c *Coupon) Eligible(now time.Time, method string) bool {
	if !c.Active {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false
	}
	return c.AllowsMethod(method)
}

// EligibleForAutoApply further excludes first-purchase-only coupons, whose
// eligibility cannot be verified at quote time.
func (c *Coupon) EligibleForAutoApply(now time.Time, method string) bool {
	return c.AutoApply && !c.FirstPurchaseOnly && c.Eligible(now, method)
}

// SiteWide reports whether the coupon applies to everything: scope "all"
// with no category restriction.
func (c *Coupon) SiteWide() bool {
	return c.Scope == ScopeAll && len(c.CategoryIDs) == 0
}

// MeetsMinimum checks the optional minimum-amount gate against a subtotal.
func (c *Coupon) MeetsMinimum(subtotal money.Money) bool {
	if c.MinimumAmount == nil {
		return true
	}
	if !subtotal.SameAsset(*c.MinimumAmount) {
		return false
	}
	return subtotal.Atomic >= c.MinimumAmount.Atomic
}
