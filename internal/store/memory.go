package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"paywall-service/internal/coupons"
	"paywall-service/internal/models"
)

// Memory is the in-process Store used for tests and single-node deployments.
// Every atomic primitive runs under one mutex, which trivially satisfies the
// contract's atomicity requirements.
type Memory struct {
	mu sync.RWMutex

	products      map[string]*models.Product
	coupons       map[string]*coupons.Coupon
	customerUsage map[string]int64
	carts         map[string]*models.CartQuote
	reservations  map[string]*models.InventoryReservation
	payments      map[string]*models.PaymentTransaction
	orders        map[string]*models.Order
	adjustments   []models.InventoryAdjustment
	giftCards     map[string]*models.GiftCard
	refunds       map[string]*models.RefundQuote
	stripeRefunds map[string]*models.StripeRefundRequest
	holds         map[string]*models.CreditsHold
	subscriptions map[string]*models.Subscription
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		products:      make(map[string]*models.Product),
		coupons:       make(map[string]*coupons.Coupon),
		customerUsage: make(map[string]int64),
		carts:         make(map[string]*models.CartQuote),
		reservations:  make(map[string]*models.InventoryReservation),
		payments:      make(map[string]*models.PaymentTransaction),
		orders:        make(map[string]*models.Order),
		giftCards:     make(map[string]*models.GiftCard),
		refunds:       make(map[string]*models.RefundQuote),
		stripeRefunds: make(map[string]*models.StripeRefundRequest),
		holds:         make(map[string]*models.CreditsHold),
		subscriptions: make(map[string]*models.Subscription),
	}
}

func key(tenantID, id string) string {
	return tenantID + "/" + id
}

// Seeding helpers used by tests and the bootstrap path.

func (m *Memory) PutProduct(p *models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[key(p.TenantID, p.ID)] = &cp
}

func (m *Memory) PutCoupon(c *coupons.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.coupons[key(c.TenantID, c.Code)] = &cp
}

func (m *Memory) PutGiftCard(g *models.GiftCard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.giftCards[key(g.TenantID, g.Code)] = &cp
}

func (m *Memory) GetProduct(_ context.Context, tenantID, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) GetProductsByIDs(_ context.Context, tenantID string, ids []string) (map[string]*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[key(tenantID, id)]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *Memory) GetCoupon(_ context.Context, tenantID, code string) (*coupons.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[key(tenantID, code)]
	if !ok {
		return nil, fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListAutoApplyCoupons(_ context.Context, tenantID string) ([]coupons.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []coupons.Coupon
	for _, c := range m.coupons {
		if c.TenantID == tenantID && c.AutoApply {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *Memory) TryIncrementCouponUsage(_ context.Context, tenantID, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[key(tenantID, code)]
	if !ok {
		return false, fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	if c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit {
		return false, nil
	}
	c.UsageCount++
	return true, nil
}

func (m *Memory) IncrementCustomerCouponUsage(_ context.Context, tenantID, code, customer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customerUsage[key(tenantID, code)+"/"+customer]++
	return nil
}

func (m *Memory) GetCustomerCouponUsage(_ context.Context, tenantID, code, customer string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customerUsage[key(tenantID, code)+"/"+customer], nil
}

func (m *Memory) SaveCartQuote(_ context.Context, quote *models.CartQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *quote
	m.carts[key(quote.TenantID, quote.ID)] = &cp
	return nil
}

func (m *Memory) GetCartQuote(_ context.Context, tenantID, id string) (*models.CartQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carts[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) MarkCartPaid(_ context.Context, tenantID, cartID, wallet string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[key(tenantID, cartID)]
	if !ok || c.WalletPaidBy != nil {
		return false, nil
	}
	w := wallet
	c.WalletPaidBy = &w
	return true, nil
}

// effectiveStock resolves the tracked stock for a product/variant pair, or
// (nil, policy) when untracked.
func effectiveStock(p *models.Product, variantID *string) *int64 {
	if variantID != nil {
		if v := p.Variant(*variantID); v != nil && v.InventoryQuantity != nil {
			return v.InventoryQuantity
		}
	}
	return p.InventoryQuantity
}

func (m *Memory) ReserveInventory(_ context.Context, res *models.InventoryReservation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[key(res.TenantID, res.ProductID)]
	if !ok {
		return false, fmt.Errorf("product %s: %w", res.ProductID, ErrNotFound)
	}

	stock := effectiveStock(p, res.VariantID)
	if stock != nil && p.InventoryPolicy != models.InventoryPolicyBackorder {
		reserved := m.activeReservedLocked(res.TenantID, res.ProductID, res.VariantID, res.CreatedAt)
		if res.Quantity > *stock-reserved {
			return false, nil
		}
	}

	cp := *res
	cp.Status = models.ReservationActive
	m.reservations[key(res.TenantID, res.ID)] = &cp
	return true, nil
}

func (m *Memory) activeReservedLocked(tenantID, productID string, variantID *string, now time.Time) int64 {
	var sum int64
	for _, r := range m.reservations {
		if r.TenantID != tenantID || r.ProductID != productID || r.Status != models.ReservationActive {
			continue
		}
		if !now.Before(r.ExpiresAt) {
			continue
		}
		if (r.VariantID == nil) != (variantID == nil) {
			continue
		}
		if variantID != nil && *r.VariantID != *variantID {
			continue
		}
		sum += r.Quantity
	}
	return sum
}

func (m *Memory) ReleaseInventoryReservations(_ context.Context, tenantID, cartID string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionCartReservationsLocked(tenantID, cartID, models.ReservationReleased), nil
}

func (m *Memory) ConvertInventoryReservations(_ context.Context, tenantID, cartID string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionCartReservationsLocked(tenantID, cartID, models.ReservationConverted), nil
}

func (m *Memory) transitionCartReservationsLocked(tenantID, cartID, status string) int {
	count := 0
	for _, r := range m.reservations {
		if r.TenantID == tenantID && r.CartID != nil && *r.CartID == cartID && r.Status == models.ReservationActive {
			r.Status = status
			count++
		}
	}
	return count
}

func (m *Memory) ActiveReservedQuantity(_ context.Context, tenantID, productID string, variantID *string, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeReservedLocked(tenantID, productID, variantID, now), nil
}

func (m *Memory) TryRecordPayment(_ context.Context, tx *models.PaymentTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tx.TenantID, tx.Signature)
	if _, exists := m.payments[k]; exists {
		return false, nil
	}
	cp := *tx
	m.payments[k] = &cp
	return true, nil
}

func (m *Memory) GetPayment(_ context.Context, tenantID, signature string) (*models.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[key(tenantID, signature)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[key(order.TenantID, order.ID)] = &cp
	return nil
}

func (m *Memory) GetOrderBySignature(_ context.Context, tenantID, signature string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.Signature == signature {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) DecrementInventory(_ context.Context, tenantID, productID string, variantID *string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[key(tenantID, productID)]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if variantID != nil {
		if v := p.Variant(*variantID); v != nil && v.InventoryQuantity != nil {
			next := *v.InventoryQuantity - qty
			v.InventoryQuantity = &next
			return nil
		}
	}
	if p.InventoryQuantity != nil {
		next := *p.InventoryQuantity - qty
		p.InventoryQuantity = &next
	}
	return nil
}

func (m *Memory) CreateInventoryAdjustment(_ context.Context, adj *models.InventoryAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments = append(m.adjustments, *adj)
	return nil
}

// InventoryAdjustments returns the audit rows recorded so far (test helper).
func (m *Memory) InventoryAdjustments() []models.InventoryAdjustment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.InventoryAdjustment, len(m.adjustments))
	copy(out, m.adjustments)
	return out
}

func (m *Memory) GetGiftCard(_ context.Context, tenantID, code string) (*models.GiftCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.giftCards[key(tenantID, code)]
	if !ok {
		return nil, fmt.Errorf("gift card %s: %w", code, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (m *Memory) TryAdjustGiftCardBalance(_ context.Context, tenantID, code string, deduction int64, now time.Time) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.giftCards[key(tenantID, code)]
	if !ok {
		return nil, fmt.Errorf("gift card %s: %w", code, ErrNotFound)
	}
	if !g.Usable(now) || g.Balance.Atomic < deduction {
		return nil, nil
	}
	g.Balance.Atomic -= deduction
	balance := g.Balance.Atomic
	return &balance, nil
}

func (m *Memory) CreateRefundQuote(_ context.Context, quote *models.RefundQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *quote
	m.refunds[key(quote.TenantID, quote.ID)] = &cp
	return nil
}

func (m *Memory) GetRefundQuote(_ context.Context, tenantID, id string) (*models.RefundQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRefundsByPurchase(_ context.Context, tenantID, originalPurchaseID string) ([]models.RefundQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RefundQuote
	for _, r := range m.refunds {
		if r.TenantID == tenantID && r.OriginalPurchaseID == originalPurchaseID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRefundQuote(_ context.Context, quote *models.RefundQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refunds[key(quote.TenantID, quote.ID)]; !ok {
		return fmt.Errorf("refund %s: %w", quote.ID, ErrNotFound)
	}
	cp := *quote
	m.refunds[key(quote.TenantID, quote.ID)] = &cp
	return nil
}

func (m *Memory) CreateStripeRefundRequest(_ context.Context, req *models.StripeRefundRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(req.TenantID, req.OriginalPurchaseID)
	if _, exists := m.stripeRefunds[k]; exists {
		return false, nil
	}
	cp := *req
	m.stripeRefunds[k] = &cp
	return true, nil
}

func (m *Memory) SaveCreditsHold(_ context.Context, hold *models.CreditsHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *hold
	m.holds[key(hold.TenantID, hold.ID)] = &cp
	return nil
}

func (m *Memory) GetCreditsHold(_ context.Context, tenantID, id string) (*models.CreditsHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("credits hold %s: %w", id, ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (m *Memory) GetCreditsHoldByIdempotencyKey(_ context.Context, tenantID, idempotencyKey string) (*models.CreditsHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.holds {
		if h.TenantID == tenantID && h.IdempotencyKey == idempotencyKey {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) DeleteCreditsHold(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, key(tenantID, id))
	return nil
}

func (m *Memory) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[key(sub.TenantID, sub.ID)] = &cp
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, tenantID, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[key(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSubscriptionBySignature(_ context.Context, tenantID, signature string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subscriptions {
		if s.TenantID == tenantID && s.PaymentSignature != nil && *s.PaymentSignature == signature {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetActiveSubscriptionForWalletProduct(_ context.Context, tenantID, wallet, productID string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.Subscription
	for _, s := range m.subscriptions {
		if s.TenantID != tenantID || s.Wallet != wallet || s.ProductID != productID {
			continue
		}
		if s.Status == models.SubscriptionExpired || s.Status == models.SubscriptionUnpaid {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *Memory) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[key(sub.TenantID, sub.ID)]; !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	cp := *sub
	m.subscriptions[key(sub.TenantID, sub.ID)] = &cp
	return nil
}

func (m *Memory) ListOverdueSubscriptions(_ context.Context, cutoff time.Time, limit int, offsetID string) ([]models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.Subscription
	for _, s := range m.subscriptions {
		if s.Status != models.SubscriptionActive {
			continue
		}
		if s.PaymentMethod != models.MethodX402 && s.PaymentMethod != models.MethodCredits {
			continue
		}
		if !s.CurrentPeriodEnd.Before(cutoff) {
			continue
		}
		if offsetID != "" && s.ID <= offsetID {
			continue
		}
		all = append(all, *s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) BatchUpdateSubscriptionStatus(_ context.Context, ids []string, status string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, s := range m.subscriptions {
		if idSet[s.ID] {
			s.Status = status
			s.UpdatedAt = now
		}
	}
	return nil
}
