package coupons

import "time"

// Index pre-buckets currently eligible auto-apply coupons so cart pricing
// does one pass over the coupon table instead of one scan per line item.
type Index struct {
	byProduct  map[string][]Coupon
	byCategory map[string][]Coupon
	siteWide   []Coupon // catalog-level, scope all, no category restriction
	checkout   []Coupon // checkout-level, site-wide
}

// NewAutoApplyIndex buckets coupons eligible for auto-apply at now for the
// given payment method. Expired, not-yet-started, usage-exhausted,
// wrong-method and first-purchase-only coupons are excluded up front.
func NewAutoApplyIndex(all []Coupon, now time.Time, method string) *Index {
	ix := &Index{
		byProduct:  make(map[string][]Coupon),
		byCategory: make(map[string][]Coupon),
	}
	for _, c := range all {
		if !c.EligibleForAutoApply(now, method) {
			continue
		}
		switch c.AppliesAt {
		case AppliesAtCheckout:
			if c.SiteWide() {
				ix.checkout = append(ix.checkout, c)
			}
		case AppliesAtCatalog:
			if c.SiteWide() {
				ix.siteWide = append(ix.siteWide, c)
				continue
			}
			for _, pid := range c.ProductIDs {
				ix.byProduct[pid] = append(ix.byProduct[pid], c)
			}
			for _, cid := range c.CategoryIDs {
				ix.byCategory[cid] = append(ix.byCategory[cid], c)
			}
		}
	}
	return ix
}

// ForItem returns the catalog coupons applying to one product, deduplicated
// by code across product and category matches.
func (ix *Index) ForItem(productID string, categoryIDs []string) []Coupon {
	seen := make(map[string]bool)
	var out []Coupon

	add := func(cs []Coupon) {
		for _, c := range cs {
			if !seen[c.Code] {
				seen[c.Code] = true
				out = append(out, c)
			}
		}
	}

	add(ix.siteWide)
	add(ix.byProduct[productID])
	for _, cid := range categoryIDs {
		add(ix.byCategory[cid])
	}
	return out
}

// CheckoutLevel returns site-wide checkout-stage coupons.
func (ix *Index) CheckoutLevel() []Coupon {
	return ix.checkout
}
