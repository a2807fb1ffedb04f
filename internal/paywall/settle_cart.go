package paywall

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/store"
	"paywall-service/internal/util"
	"paywall-service/internal/x402"
)

// Cart metadata keys for a gift-card deduction queued at quote time.
const (
	metaGiftCardCode   = "gift_card_code"
	metaGiftCardAmount = "gift_card_amount"
)

// settleCartX402 settles a cart quote against an on-chain proof. Unlike
// single products, carts demand an exact amount match: the quoted total is a
// contract, not a floor.
func (s *Service) settleCartX402(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.SettleCartX402")
	defer span.End()
	started := time.Now()

	if err := s.checkProof(req.Proof); err != nil {
		return nil, err
	}

	// A prior payment row alone is not enough to short-circuit: a crash
	// between the commit and the paid flag leaves the row without the flag,
	// and that retry must fall through and finish the settlement.
	prior, err := s.priorPayment(ctx, req.TenantID, req.Proof.Signature, ref.Canonical())
	if err != nil {
		return nil, err
	}
	if prior != nil && s.cartDurablyPaid(ctx, req.TenantID, ref.ID, prior.Wallet) {
		return s.grantedResult(ctx, prior, models.MethodX402, nil), nil
	}

	cart, err := s.loadSettleableCart(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}

	result, err := s.verify(ctx, *req.Proof, x402.Requirement{
		ResourceID:            ref.Canonical(),
		AtomicAmount:          cart.Total.Atomic,
		Exact:                 true,
		RecipientTokenAccount: s.settings.RecipientTokenAccount,
		Network:               s.settings.Network,
		Decimals:              s.settings.Asset.Decimals,
	})
	if err != nil {
		return nil, err
	}
	if result.Amount != cart.Total.Atomic {
		util.PaymentsRejectedTotal.WithLabelValues("amount_mismatch").Inc()
		return nil, errcode.New(errcode.VerificationFailed, "payment amount does not equal the cart total")
	}

	tx := &models.PaymentTransaction{
		Signature:  req.Proof.Signature,
		TenantID:   req.TenantID,
		ResourceID: ref.Canonical(),
		Wallet:     result.Wallet,
		UserID:     optional(req.UserID),
		Amount:     money.New(s.settings.Asset, result.Amount),
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.commitPayment(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.markCartPaid(ctx, cart, tx.Wallet); err != nil {
		return nil, err
	}

	s.finishCartSettlement(ctx, cart, tx)
	s.publishSettlement(ctx, tx, models.MethodX402, started)
	return s.grantedResult(ctx, tx, models.MethodX402, nil), nil
}

// settleCartCredits settles a cart from a prepaid-credits hold. The hold must
// be bound to this tenant, user, cart and amount; a hold id alone proves
// nothing. Commit order matters: payment record, then ledger capture, then
// the paid flag, then the binding cleanup, so a crash anywhere leaves a state
// the retry path can finish.
func (s *Service) settleCartCredits(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.SettleCartCredits")
	defer span.End()
	started := time.Now()

	hold, err := s.loadVerifiedHold(ctx, req, ref)
	if err != nil {
		return nil, err
	}
	signature := creditsSignature(hold.ID)

	prior, err := s.priorPayment(ctx, req.TenantID, signature, ref.Canonical())
	if err != nil {
		return nil, err
	}
	if prior != nil && s.cartDurablyPaid(ctx, req.TenantID, ref.ID, prior.Wallet) {
		return s.grantedResult(ctx, prior, models.MethodCredits, nil), nil
	}

	cart, err := s.loadSettleableCart(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}
	if hold.Amount.Atomic != cart.Total.Atomic || !hold.Amount.SameAsset(cart.Total) {
		return nil, errcode.New(errcode.Conflict, "credits hold amount does not match the cart total")
	}

	tx := &models.PaymentTransaction{
		Signature:  signature,
		TenantID:   req.TenantID,
		ResourceID: ref.Canonical(),
		Wallet:     req.UserID,
		UserID:     optional(req.UserID),
		Amount:     hold.Amount,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.commitPayment(ctx, tx); err != nil {
		return nil, err
	}
	// Capture is idempotent at the ledger, so a settlement retry that finds
	// the payment row already present still converges.
	if err := s.ledger.CaptureHold(ctx, req.TenantID, hold.ID); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "credits capture incomplete; retry with the same hold", err)
	}
	if err := s.markCartPaid(ctx, cart, tx.Wallet); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCreditsHold(ctx, req.TenantID, hold.ID); err != nil {
		s.logger.Error("Credits hold cleanup failed",
			zap.String("hold_id", hold.ID), zap.Error(err))
	}

	s.finishCartSettlement(ctx, cart, tx)
	s.publishSettlement(ctx, tx, models.MethodCredits, started)
	return s.grantedResult(ctx, tx, models.MethodCredits, nil), nil
}

// settleProductCredits settles a single product from a prepaid-credits hold.
func (s *Service) settleProductCredits(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.SettleProductCredits")
	defer span.End()
	started := time.Now()

	hold, err := s.loadVerifiedHold(ctx, req, ref)
	if err != nil {
		return nil, err
	}
	signature := creditsSignature(hold.ID)

	prior, err := s.priorPayment(ctx, req.TenantID, signature, ref.Canonical())
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.grantedResult(ctx, prior, models.MethodCredits, nil), nil
	}

	product, err := s.loadProduct(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}

	tx := &models.PaymentTransaction{
		Signature:  signature,
		TenantID:   req.TenantID,
		ResourceID: ref.Canonical(),
		Wallet:     req.UserID,
		UserID:     optional(req.UserID),
		Amount:     hold.Amount,
		CreatedAt:  time.Now().UTC(),
	}
	inserted, err := s.commitPayment(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.CaptureHold(ctx, req.TenantID, hold.ID); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "credits capture incomplete; retry with the same hold", err)
	}
	if err := s.store.DeleteCreditsHold(ctx, req.TenantID, hold.ID); err != nil {
		s.logger.Error("Credits hold cleanup failed",
			zap.String("hold_id", hold.ID), zap.Error(err))
	}

	sub := s.finishProductSettlement(ctx, product, tx, nil, models.MethodCredits, inserted)
	s.publishSettlement(ctx, tx, models.MethodCredits, started)
	return s.grantedResult(ctx, tx, models.MethodCredits, sub), nil
}

// loadVerifiedHold fetches the hold binding and proves it belongs to this
// authenticated user and resource.
func (s *Service) loadVerifiedHold(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*models.CreditsHold, error) {
	if !s.settings.CreditsEnabled || s.ledger == nil {
		return nil, errcode.New(errcode.MethodDisabled, "credits payments are disabled")
	}
	if req.UserID == "" {
		return nil, errcode.New(errcode.Validation, "credits payments require an authenticated user")
	}
	hold, err := s.store.GetCreditsHold(ctx, req.TenantID, req.CreditsHoldID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown credits hold")
		}
		return nil, errcode.Wrap(errcode.Internal, "credits hold lookup failed", err)
	}
	if hold.UserID != req.UserID || hold.ResourceID != ref.Canonical() {
		return nil, errcode.New(errcode.Conflict, "credits hold is bound to a different purchase")
	}
	return hold, nil
}

// loadSettleableCart loads a cart and enforces the settlement preconditions.
// An expired cart releases its reservations on the way out.
func (s *Service) loadSettleableCart(ctx context.Context, tenantID, cartID string) (*models.CartQuote, error) {
	cart, err := s.store.GetCartQuote(ctx, tenantID, cartID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown cart")
		}
		return nil, errcode.Wrap(errcode.Internal, "cart lookup failed", err)
	}
	if cart.Paid() {
		return nil, errcode.New(errcode.Conflict, "cart has already been paid")
	}
	now := time.Now().UTC()
	if cart.Expired(now) {
		if _, rerr := s.store.ReleaseInventoryReservations(ctx, tenantID, cartID, now); rerr != nil {
			s.logger.Error("Reservation release on expired cart failed",
				zap.String("cart_id", cartID), zap.Error(rerr))
		}
		return nil, errcode.New(errcode.Validation, "cart quote has expired; request a new quote")
	}
	return cart, nil
}

// markCartPaid flips the paid flag exactly once. A lost race against our own
// wallet is a settlement retry and counts as success; against any other
// wallet it is a conflict.
func (s *Service) markCartPaid(ctx context.Context, cart *models.CartQuote, wallet string) error {
	ok, err := s.store.MarkCartPaid(ctx, cart.TenantID, cart.ID, wallet)
	if err != nil {
		return errcode.Wrap(errcode.Internal, "cart settlement incomplete; retry with the same proof", err)
	}
	if ok {
		return nil
	}
	if s.cartDurablyPaid(ctx, cart.TenantID, cart.ID, wallet) {
		return nil
	}
	return errcode.New(errcode.Conflict, "cart has already been paid")
}

func (s *Service) cartDurablyPaid(ctx context.Context, tenantID, cartID, wallet string) bool {
	fresh, err := s.store.GetCartQuote(ctx, tenantID, cartID)
	return err == nil && fresh.WalletPaidBy != nil && *fresh.WalletPaidBy == wallet
}

// finishCartSettlement converts reservations into permanent stock changes,
// applies the queued gift-card deduction, writes the order and bumps coupon
// counters. The order row is the completion marker: a retry that finds it
// skips the whole tail, one that does not runs it, so an interrupted first
// attempt still converges. All best-effort; the payment and the paid flag
// are durable.
func (s *Service) finishCartSettlement(ctx context.Context, cart *models.CartQuote, tx *models.PaymentTransaction) {
	existing, err := s.store.GetOrderBySignature(ctx, tx.TenantID, tx.Signature)
	if err != nil {
		s.logger.Error("Order lookup failed", zap.String("signature", tx.Signature), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}
	now := time.Now().UTC()

	if _, err := s.store.ConvertInventoryReservations(ctx, cart.TenantID, cart.ID, now); err != nil {
		s.logger.Error("Reservation conversion failed",
			zap.String("cart_id", cart.ID), zap.Error(err))
	}

	if code := cart.Metadata[metaGiftCardCode]; code != "" {
		amount, _ := strconv.ParseInt(cart.Metadata[metaGiftCardAmount], 10, 64)
		if amount > 0 {
			balance, err := s.store.TryAdjustGiftCardBalance(ctx, cart.TenantID, code, amount, now)
			if err != nil {
				s.logger.Error("Gift card deduction failed",
					zap.String("cart_id", cart.ID), zap.String("code", code), zap.Error(err))
			} else if balance == nil {
				s.logger.Error("Gift card balance no longer covers the quoted deduction",
					zap.String("cart_id", cart.ID),
					zap.String("code", code),
					zap.Int64("deduction", amount))
			}
		}
	}

	cartID := cart.ID
	order := &models.Order{
		ID:         uuid.New().String(),
		TenantID:   tx.TenantID,
		ResourceID: tx.ResourceID,
		CartID:     &cartID,
		Signature:  tx.Signature,
		Wallet:     tx.Wallet,
		Amount:     tx.Amount,
		Items:      cart.Items,
		Metadata:   cart.Metadata,
		CreatedAt:  now,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		s.logger.Error("Order creation failed", zap.String("signature", tx.Signature), zap.Error(err))
		return
	}
	s.decrementCartStock(ctx, cart, tx.Signature)
	s.incrementCouponUsage(ctx, tx.TenantID, cart.AppliedCoupons, tx.Wallet)
}

// decrementCartStock turns each converted reservation into a permanent stock
// decrement with an audit row. Untracked products are skipped.
func (s *Service) decrementCartStock(ctx context.Context, cart *models.CartQuote, signature string) {
	ids := make([]string, 0, len(cart.Items))
	for _, it := range cart.Items {
		ids = append(ids, it.ResourceID)
	}
	products, err := s.store.GetProductsByIDs(ctx, cart.TenantID, ids)
	if err != nil {
		s.logger.Error("Product lookup for stock decrement failed",
			zap.String("cart_id", cart.ID), zap.Error(err))
		return
	}
	for _, it := range cart.Items {
		product, ok := products[it.ResourceID]
		if !ok || trackedStock(product, it.VariantID) == nil {
			continue
		}
		s.decrementStock(ctx, cart.TenantID, it.ResourceID, it.VariantID, it.Quantity, signature)
	}
}

// trackedStock returns the tracked quantity for a product or variant, or nil
// when inventory is untracked. A variant override beats the product count.
func trackedStock(p *models.Product, variantID *string) *int64 {
	if variantID != nil {
		if v := p.Variant(*variantID); v != nil && v.InventoryQuantity != nil {
			return v.InventoryQuantity
		}
	}
	return p.InventoryQuantity
}

func creditsSignature(holdID string) string {
	return "credits:" + holdID
}
