package paywall

import (
	"context"
	"strings"
	"time"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/util"
)

// settleStripe settles a single-product purchase against a hosted checkout
// session. The session id doubles as the replay key under a "stripe:" prefix
// so the card and on-chain rails share one double-spend ledger.
func (s *Service) settleStripe(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.SettleStripe")
	defer span.End()
	started := time.Now()

	if !s.settings.StripeEnabled || s.gateway == nil {
		return nil, errcode.New(errcode.MethodDisabled, "card payments are disabled")
	}
	signature := stripeSignature(req.StripeSessionID)

	prior, err := s.priorPayment(ctx, req.TenantID, signature, ref.Canonical())
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return s.grantedResult(ctx, prior, models.MethodStripe, nil), nil
	}

	session, err := s.gateway.VerifyCheckoutSession(ctx, req.TenantID, req.StripeSessionID)
	if err != nil {
		util.PaymentsRejectedTotal.WithLabelValues("stripe_verification_failed").Inc()
		return nil, errcode.Wrap(errcode.VerificationFailed, "checkout session verification failed", err)
	}
	if session.ResourceID != "" && session.ResourceID != ref.Canonical() {
		util.PaymentsRejectedTotal.WithLabelValues("session_resource_mismatch").Inc()
		return nil, errcode.New(errcode.Conflict, "checkout session was created for a different resource")
	}
	if !session.Paid {
		// Not an error; the client polls until the session completes.
		return &AuthorizationResult{Granted: false, Method: models.MethodStripe}, nil
	}

	product, err := s.loadProduct(ctx, req.TenantID, ref.ID)
	if err != nil {
		return nil, err
	}

	wallet := session.Wallet
	if wallet == "" {
		wallet = "stripe:" + session.CustomerID
	}
	userID := req.UserID
	if userID == "" {
		userID = session.UserID
	}
	tx := &models.PaymentTransaction{
		Signature:  signature,
		TenantID:   req.TenantID,
		ResourceID: ref.Canonical(),
		Wallet:     wallet,
		UserID:     optional(userID),
		Amount: money.New(money.Asset{
			Code:     strings.ToUpper(session.Currency),
			Decimals: 2,
		}, session.AmountCents),
		CreatedAt: time.Now().UTC(),
	}
	inserted, err := s.commitPayment(ctx, tx)
	if err != nil {
		return nil, err
	}

	sub := s.finishProductSettlement(ctx, product, tx, nil, models.MethodStripe, inserted)
	s.publishSettlement(ctx, tx, models.MethodStripe, started)
	return s.grantedResult(ctx, tx, models.MethodStripe, sub), nil
}

func stripeSignature(sessionID string) string {
	return "stripe:" + sessionID
}
