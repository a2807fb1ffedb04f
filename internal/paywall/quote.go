package paywall

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paywall-service/internal/coupons"
	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/store"
	"paywall-service/internal/util"
)

// GenerateQuote prices a single resource across every enabled payment rail.
// Coupons are previewed here with the same stacking the settlement path uses,
// so the advertised amount is the amount verification will demand.
func (s *Service) GenerateQuote(ctx context.Context, tenantID, productID, couponCode string) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.GenerateQuote")
	defer span.End()

	product, err := s.loadProduct(ctx, tenantID, productID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	quote := &Quote{
		ResourceID: productID,
		ExpiresAt:  now.Add(s.settings.QuoteTTL),
	}

	if s.settings.X402Enabled && product.CryptoPrice != nil {
		required, applied, err := s.discountedPrice(ctx, tenantID, product, *product.CryptoPrice, couponCode, "", models.MethodX402)
		if err != nil {
			return nil, err
		}
		quote.Crypto = s.buildCryptoQuote(productID, required, product.CryptoPrice.Atomic, applied, s.recipientFor(product), quote.ExpiresAt)
		if s.settings.CreditsEnabled && s.ledger != nil {
			quote.Credits = &CreditsOption{
				Available:    true,
				AtomicAmount: required.Atomic,
				AssetCode:    required.Asset.Code,
			}
		}
	}
	if s.settings.StripeEnabled && s.gateway != nil && product.FiatPrice != nil {
		quote.Stripe = &StripeOption{
			Available:  true,
			PriceCents: product.FiatPrice.Atomic,
			Currency:   product.FiatPrice.Asset.Code,
		}
	}

	util.QuotesCreatedTotal.WithLabelValues("product").Inc()
	return quote, nil
}

// cartRequirements returns the payment requirement block for an existing
// cart, for clients that lost the original quote response.
func (s *Service) cartRequirements(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	cart, err := s.loadSettleableCart(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}
	quote := &Quote{
		ResourceID: ref.Canonical(),
		ExpiresAt:  cart.ExpiresAt,
		Crypto: s.buildCryptoQuote(ref.Canonical(), cart.Total, cart.OriginalTotal.Atomic,
			cart.AppliedCoupons, s.settings.RecipientTokenAccount, cart.ExpiresAt),
	}
	return &AuthorizationResult{Granted: false, Quote: quote}, nil
}

func (s *Service) buildCryptoQuote(resource string, required money.Money, originalAtomic int64, applied []string, payTo string, expiresAt time.Time) *CryptoQuote {
	q := &CryptoQuote{
		Scheme:            "exact",
		Network:           s.settings.Network,
		MaxAmountRequired: strconv.FormatInt(required.Atomic, 10),
		Resource:          resource,
		PayTo:             payTo,
		Asset:             s.settings.Asset.Mint,
		Symbol:            s.settings.Asset.Code,
		Decimals:          s.settings.Asset.Decimals,
		Memo:              s.settings.MemoPrefix + ":" + resource,
		ExpiresAt:         expiresAt,
		AppliedCoupons:    applied,
	}
	if originalAtomic != required.Atomic {
		q.OriginalAmount = strconv.FormatInt(originalAtomic, 10)
	}
	return q
}

// GenerateCartQuote prices a multi-item cart and reserves tracked inventory
// for its lifetime. The quote is only persisted once every reservation
// succeeded; any reservation failure rolls back the ones already taken.
func (s *Service) GenerateCartQuote(ctx context.Context, tenantID string, req CartQuoteRequest) (*models.CartQuote, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.GenerateCartQuote")
	defer span.End()

	if len(req.Items) == 0 {
		return nil, errcode.New(errcode.Validation, "cart has no items")
	}
	now := time.Now().UTC()

	ids := make([]string, 0, len(req.Items))
	seenIDs := make(map[string]bool)
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, errcode.New(errcode.Validation, "item quantity must be positive")
		}
		if !seenIDs[it.ResourceID] {
			seenIDs[it.ResourceID] = true
			ids = append(ids, it.ResourceID)
		}
	}
	products, err := s.store.GetProductsByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "product lookup failed", err)
	}

	auto, err := s.store.ListAutoApplyCoupons(ctx, tenantID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "coupon lookup failed", err)
	}
	ix := coupons.NewAutoApplyIndex(auto, now, models.MethodX402)

	var (
		items         []models.CartItem
		subtotal      money.Money
		originalTotal money.Money
		appliedCodes  = make(map[string]bool)
		requested     = make(map[string]int64)
	)
	for _, it := range req.Items {
		product, ok := products[it.ResourceID]
		if !ok || !product.Active {
			return nil, errcode.New(errcode.NotFound, fmt.Sprintf("unknown product %q", it.ResourceID))
		}
		unit := product.CryptoPrice
		if it.VariantID != nil {
			v := product.Variant(*it.VariantID)
			if v == nil {
				return nil, errcode.New(errcode.Validation, fmt.Sprintf("unknown variant %q of product %q", *it.VariantID, it.ResourceID))
			}
			if v.CryptoPrice != nil {
				unit = v.CryptoPrice
			}
		}
		if unit == nil {
			return nil, errcode.New(errcode.MethodDisabled, fmt.Sprintf("product %q is not payable on chain", it.ResourceID))
		}

		if err := s.checkAvailability(ctx, tenantID, product, it, requested, now); err != nil {
			return nil, err
		}

		itemCoupons := ix.ForItem(product.ID, product.CategoryIDs)
		discountedUnit, err := coupons.Stack(*unit, itemCoupons, s.settings.Rounding)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "item price computation failed", err)
		}
		linePrice, err := discountedUnit.MulQuantity(it.Quantity)
		if err != nil {
			return nil, errcode.Wrap(errcode.Validation, "cart line total out of range", err)
		}
		originalLine, err := unit.MulQuantity(it.Quantity)
		if err != nil {
			return nil, errcode.Wrap(errcode.Validation, "cart line total out of range", err)
		}
		subtotal, err = addInto(subtotal, linePrice)
		if err != nil {
			return nil, errcode.Wrap(errcode.Validation, "cart total out of range", err)
		}
		originalTotal, err = addInto(originalTotal, originalLine)
		if err != nil {
			return nil, errcode.Wrap(errcode.Validation, "cart total out of range", err)
		}

		codes := make([]string, 0, len(itemCoupons))
		for _, c := range itemCoupons {
			codes = append(codes, c.Code)
			appliedCodes[c.Code] = true
		}
		items = append(items, models.CartItem{
			ResourceID:     it.ResourceID,
			VariantID:      it.VariantID,
			Quantity:       it.Quantity,
			Price:          linePrice,
			OriginalPrice:  originalLine,
			AppliedCoupons: codes,
			Metadata:       it.Metadata,
		})
	}

	checkout := ix.CheckoutLevel()
	if req.CouponCode != "" {
		manual, err := s.manualCoupon(ctx, tenantID, req.CouponCode, subtotal, "", models.MethodX402, now)
		if err != nil {
			return nil, err
		}
		checkout = append(checkout, *manual)
	}
	total, err := coupons.Stack(subtotal, checkout, s.settings.Rounding)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "cart price computation failed", err)
	}
	for _, c := range checkout {
		appliedCodes[c.Code] = true
	}

	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.GiftCardCode != "" {
		total, err = s.applyGiftCard(ctx, tenantID, req.GiftCardCode, total, metadata, now)
		if err != nil {
			return nil, err
		}
	}

	quote := &models.CartQuote{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Items:          items,
		Total:          total,
		OriginalTotal:  originalTotal,
		AppliedCoupons: sortedKeys(appliedCodes),
		Metadata:       metadata,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.settings.QuoteTTL),
	}

	if err := s.reserveCartInventory(ctx, quote, products, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveCartQuote(ctx, quote); err != nil {
		s.rollbackReservations(ctx, tenantID, quote.ID, now)
		return nil, errcode.Wrap(errcode.Internal, "cart quote could not be saved", err)
	}

	util.QuotesCreatedTotal.WithLabelValues("cart").Inc()
	return quote, nil
}

// checkAvailability enforces strict-policy stock limits during pricing,
// accumulating quantities already requested by earlier lines for the same
// product and variant. The reservation step re-checks atomically; this pass
// exists to fail fast with a precise error.
func (s *Service) checkAvailability(ctx context.Context, tenantID string, product *models.Product, it CartItemRequest, requested map[string]int64, now time.Time) error {
	stock := trackedStock(product, it.VariantID)
	if stock == nil || product.InventoryPolicy == models.InventoryPolicyBackorder {
		return nil
	}
	key := it.ResourceID
	if it.VariantID != nil {
		key += "\x00" + *it.VariantID
	}
	reserved, err := s.store.ActiveReservedQuantity(ctx, tenantID, it.ResourceID, it.VariantID, now)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "reservation lookup failed", err)
	}
	available := *stock - reserved - requested[key]
	if it.Quantity > available {
		util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return errcode.New(errcode.OutOfStock, fmt.Sprintf("insufficient stock for product %q", it.ResourceID))
	}
	requested[key] += it.Quantity
	return nil
}

// applyGiftCard queues a gift-card deduction on the quote. The balance is not
// touched here; the atomic deduction happens at settlement. A card covering
// the whole total is rejected because a zero-amount on-chain payment cannot
// be proven.
func (s *Service) applyGiftCard(ctx context.Context, tenantID, code string, total money.Money, metadata map[string]string, now time.Time) (money.Money, error) {
	card, err := s.store.GetGiftCard(ctx, tenantID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return money.Money{}, errcode.New(errcode.Validation, "unknown gift card")
		}
		return money.Money{}, errcode.Wrap(errcode.Internal, "gift card lookup failed", err)
	}
	if !card.Usable(now) {
		return money.Money{}, errcode.New(errcode.Validation, "gift card is not usable")
	}
	if !card.Balance.SameAsset(total) {
		return money.Money{}, errcode.New(errcode.Validation, "gift card currency does not match the cart")
	}
	applied := card.Balance.Atomic
	if applied > total.Atomic {
		applied = total.Atomic
	}
	if applied >= total.Atomic {
		return money.Money{}, errcode.New(errcode.Validation, "gift card covers the entire cart; no payment is due")
	}
	metadata[metaGiftCardCode] = code
	metadata[metaGiftCardAmount] = strconv.FormatInt(applied, 10)
	return money.New(total.Asset, total.Atomic-applied), nil
}

// reserveCartInventory takes one reservation per tracked strict-policy line.
// Any failure releases everything taken so far.
func (s *Service) reserveCartInventory(ctx context.Context, quote *models.CartQuote, products map[string]*models.Product, now time.Time) error {
	cartID := quote.ID
	for _, it := range quote.Items {
		product := products[it.ResourceID]
		if trackedStock(product, it.VariantID) == nil || product.InventoryPolicy == models.InventoryPolicyBackorder {
			continue
		}
		ok, err := s.store.ReserveInventory(ctx, &models.InventoryReservation{
			ID:        uuid.New().String(),
			TenantID:  quote.TenantID,
			ProductID: it.ResourceID,
			VariantID: it.VariantID,
			Quantity:  it.Quantity,
			CartID:    &cartID,
			Status:    models.ReservationActive,
			ExpiresAt: quote.ExpiresAt,
			CreatedAt: now,
		})
		if err != nil {
			s.rollbackReservations(ctx, quote.TenantID, cartID, now)
			return errcode.Wrap(errcode.Internal, "inventory reservation failed", err)
		}
		if !ok {
			s.rollbackReservations(ctx, quote.TenantID, cartID, now)
			util.ReservationsFailedTotal.WithLabelValues("conflict").Inc()
			return errcode.New(errcode.OutOfStock, fmt.Sprintf("product %q went out of stock", it.ResourceID))
		}
	}
	return nil
}

func (s *Service) rollbackReservations(ctx context.Context, tenantID, cartID string, now time.Time) {
	if _, err := s.store.ReleaseInventoryReservations(ctx, tenantID, cartID, now); err != nil {
		s.logger.Error("Reservation rollback failed",
			zap.String("cart_id", cartID), zap.Error(err))
	}
}

// addInto sums line totals, treating the zero value as the additive identity
// so the first line establishes the asset.
func addInto(acc, add money.Money) (money.Money, error) {
	if acc.Asset.Code == "" {
		return add, nil
	}
	return acc.Add(add)
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
