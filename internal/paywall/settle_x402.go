package paywall

import (
	"context"
	"errors"
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

// settleX402 settles a single-product purchase against an on-chain payment
// proof. Replay of a signature already bound to this resource short-circuits
// to success; bound to anything else it is rejected before verification.
func (s *Service) settleX402(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.SettleX402")
	defer span.End()
	started := time.Now()

	if err := s.checkProof(req.Proof); err != nil {
		return nil, err
	}

	prior, err := s.priorPayment(ctx, req.TenantID, req.Proof.Signature, ref.Canonical())
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.grantedResult(ctx, prior, models.MethodX402, nil), nil
	}

	product, err := s.loadProduct(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}
	if product.CryptoPrice == nil {
		return nil, errcode.New(errcode.MethodDisabled, "resource is not payable on chain")
	}

	required, appliedCoupons, err := s.discountedPrice(ctx, req.TenantID, product, *product.CryptoPrice, req.CouponCode, req.Proof.Payer, models.MethodX402)
	if err != nil {
		return nil, err
	}

	result, err := s.verify(ctx, *req.Proof, x402.Requirement{
		ResourceID:            ref.Canonical(),
		AtomicAmount:          required.Atomic,
		RecipientTokenAccount: s.recipientFor(product),
		Network:               s.settings.Network,
		Decimals:              s.settings.Asset.Decimals,
	})
	if err != nil {
		return nil, err
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
	inserted, err := s.commitPayment(ctx, tx)
	if err != nil {
		return nil, err
	}

	sub := s.finishProductSettlement(ctx, product, tx, appliedCoupons, models.MethodX402, inserted)
	s.publishSettlement(ctx, tx, models.MethodX402, started)
	return s.grantedResult(ctx, tx, models.MethodX402, sub), nil
}

func (s *Service) loadProduct(ctx context.Context, tenantID, id string) (*models.Product, error) {
	product, err := s.store.GetProduct(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown resource")
		}
		return nil, errcode.Wrap(errcode.Internal, "product lookup failed", err)
	}
	if !product.Active {
		return nil, errcode.New(errcode.NotFound, "resource is not available")
	}
	return product, nil
}

// finishProductSettlement runs the best-effort post-commit work for a
// single-product sale: the order record, the permanent stock decrement with
// its audit row, coupon counters and subscription enrollment. firstCommit
// guards the non-idempotent pieces so settlement retries do not double them.
func (s *Service) finishProductSettlement(ctx context.Context, product *models.Product, tx *models.PaymentTransaction, appliedCoupons []string, method string, firstCommit bool) *models.Subscription {
	if firstCommit {
		if existing, err := s.store.GetOrderBySignature(ctx, tx.TenantID, tx.Signature); err != nil {
			s.logger.Error("Order lookup failed", zap.String("signature", tx.Signature), zap.Error(err))
		} else if existing == nil {
			order := &models.Order{
				ID:         uuid.New().String(),
				TenantID:   tx.TenantID,
				ResourceID: tx.ResourceID,
				Signature:  tx.Signature,
				Wallet:     tx.Wallet,
				Amount:     tx.Amount,
				CreatedAt:  time.Now().UTC(),
			}
			if err := s.store.CreateOrder(ctx, order); err != nil {
				s.logger.Error("Order creation failed", zap.String("signature", tx.Signature), zap.Error(err))
			} else {
				if product.InventoryQuantity != nil {
					s.decrementStock(ctx, tx.TenantID, product.ID, nil, 1, tx.Signature)
				}
				s.incrementCouponUsage(ctx, tx.TenantID, appliedCoupons, tx.Wallet)
			}
		}
	}

	var sub *models.Subscription
	if product.Subscription != nil && s.subs != nil {
		var err error
		sub, err = s.subs.RecordPayment(ctx, tx.TenantID, product, tx, method)
		if err != nil {
			s.logger.Error("Subscription enrollment failed",
				zap.String("product_id", product.ID),
				zap.String("signature", tx.Signature),
				zap.Error(err))
		}
	}
	return sub
}

func (s *Service) decrementStock(ctx context.Context, tenantID, productID string, variantID *string, qty int64, signature string) {
	if err := s.store.DecrementInventory(ctx, tenantID, productID, variantID, qty); err != nil {
		s.logger.Error("Inventory decrement failed",
			zap.String("product_id", productID), zap.Error(err))
		return
	}
	adj := &models.InventoryAdjustment{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ProductID: productID,
		VariantID: variantID,
		Delta:     -qty,
		Reason:    "sale",
		Signature: signature,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateInventoryAdjustment(ctx, adj); err != nil {
		s.logger.Error("Inventory adjustment record failed",
			zap.String("product_id", productID), zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
