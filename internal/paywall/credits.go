package paywall

import (
	"context"
	"time"

	"go.uber.org/zap"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/util"
)

// CreateCreditsHold places a hold on the external credits ledger for a
// resource and records the binding locally. The idempotency key is
// tenant:user:resource, so repeated requests for the same purchase return
// the existing hold instead of stacking new ones.
func (s *Service) CreateCreditsHold(ctx context.Context, tenantID, userID, resourceID string) (*models.CreditsHold, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.CreateCreditsHold")
	defer span.End()

	if !s.settings.CreditsEnabled || s.ledger == nil {
		return nil, errcode.New(errcode.MethodDisabled, "credits payments are disabled")
	}
	if userID == "" {
		return nil, errcode.New(errcode.Validation, "credits holds require an authenticated user")
	}

	ref := ParseResourceID(resourceID)
	key := tenantID + ":" + userID + ":" + ref.Canonical()

	existing, err := s.store.GetCreditsHoldByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "credits hold lookup failed", err)
	}
	if existing != nil {
		return existing, nil
	}

	amount, err := s.holdAmount(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}

	holdID, err := s.ledger.CreateHold(ctx, tenantID, userID, key, amount.Atomic, amount.Asset.Code)
	if err != nil {
		return nil, errcode.Wrap(errcode.InsufficientFunds, "credits hold was declined", err)
	}
	hold := &models.CreditsHold{
		ID:             holdID,
		TenantID:       tenantID,
		UserID:         userID,
		ResourceID:     ref.Canonical(),
		Amount:         amount,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveCreditsHold(ctx, hold); err != nil {
		// The ledger hold exists with no local binding; release it rather
		// than strand the user's balance.
		if rerr := s.ledger.ReleaseHold(ctx, tenantID, holdID); rerr != nil {
			s.logger.Error("Orphaned credits hold could not be released",
				zap.String("tenant_id", tenantID),
				zap.String("hold_id", holdID),
				zap.Error(rerr))
		}
		return nil, errcode.Wrap(errcode.Internal, "credits hold could not be recorded", err)
	}
	return hold, nil
}

func (s *Service) holdAmount(ctx context.Context, tenantID string, ref ResourceRef) (money.Money, error) {
	if ref.Kind == KindCart {
		cart, err := s.loadSettleableCart(ctx, tenantID, ref.ID)
		if err != nil {
			return money.Money{}, err
		}
		return cart.Total, nil
	}
	product, err := s.loadProduct(ctx, tenantID, ref.ID)
	if err != nil {
		return money.Money{}, err
	}
	if product.CryptoPrice == nil {
		return money.Money{}, errcode.New(errcode.MethodDisabled, "resource is not payable with credits")
	}
	amount, _, err := s.discountedPrice(ctx, tenantID, product, *product.CryptoPrice, "", "", models.MethodCredits)
	return amount, err
}
