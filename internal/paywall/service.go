// Package paywall implements payment authorization and settlement across the
// on-chain, card and prepaid-credits rails. A single Authorize entrypoint
// dispatches on resource kind and presented credentials; all durable writes
// go through the store's atomic primitives.
package paywall

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"paywall-service/internal/coupons"
	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/money"
	"paywall-service/internal/store"
	"paywall-service/internal/util"
	"paywall-service/internal/x402"
)

// Deps bundles the engine's collaborators. Store and Verifier are required;
// the rest are optional and gate the corresponding behavior when nil.
type Deps struct {
	Store         store.Store
	Verifier      x402.Verifier
	Gateway       CardPaymentGateway
	Ledger        CreditsLedger
	Notifier      Notifier
	Grants        GrantCache
	Subscriptions Subscriptions
	Refunds       RefundAuthorizer
	Callback      PaymentCallback
}

// Service is the authorization and settlement engine.
type Service struct {
	store    store.Store
	verifier x402.Verifier
	gateway  CardPaymentGateway
	ledger   CreditsLedger
	notifier Notifier
	grants   GrantCache
	subs     Subscriptions
	refunds  RefundAuthorizer
	callback PaymentCallback
	settings Settings
	logger   *zap.Logger
}

// NewService creates the engine.
func NewService(deps Deps, settings Settings) *Service {
	return &Service{
		store:    deps.Store,
		verifier: deps.Verifier,
		gateway:  deps.Gateway,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		grants:   deps.Grants,
		subs:     deps.Subscriptions,
		refunds:  deps.Refunds,
		callback: deps.Callback,
		settings: settings,
		logger:   util.GetLogger(),
	}
}

// Authorize is the single entrypoint for every authorization attempt. It
// classifies the resource, tries non-payment grants first (subscription,
// recent-grant cache), then settles whichever credential was presented. With
// no credential it returns payment requirements, not an error.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "Paywall.Authorize")
	defer span.End()
	util.SpanTenant(span, req.TenantID)

	ref := ParseResourceID(req.ResourceID)

	switch ref.Kind {
	case KindRefund:
		return s.authorizeRefund(ctx, req, ref)
	case KindCart:
		switch {
		case req.CreditsHoldID != "":
			return s.settleCartCredits(ctx, req, ref)
		case req.Proof != nil:
			return s.settleCartX402(ctx, req, ref)
		default:
			return s.cartRequirements(ctx, req, ref)
		}
	default:
		return s.authorizeProduct(ctx, req, ref)
	}
}

func (s *Service) authorizeProduct(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	if req.Wallet != "" && s.subs != nil {
		sub, ok, err := s.subs.HasAccess(ctx, req.TenantID, req.Wallet, ref.ID)
		if err != nil {
			s.logger.Error("Subscription access check failed",
				zap.String("tenant_id", req.TenantID),
				zap.String("wallet", req.Wallet),
				zap.Error(err))
		} else if ok {
			return &AuthorizationResult{
				Granted: true,
				Method:  sub.PaymentMethod,
				Wallet:  req.Wallet,
				Subscription: &SubscriptionInfo{
					ID:               sub.ID,
					Status:           sub.Status,
					CurrentPeriodEnd: sub.CurrentPeriodEnd,
				},
			}, nil
		}
	}

	if req.Wallet != "" && s.grants != nil {
		hit, err := s.grants.Check(ctx, req.TenantID, ref.Canonical(), req.Wallet)
		if err != nil {
			s.logger.Warn("Grant cache check failed", zap.Error(err))
		} else if hit {
			return &AuthorizationResult{Granted: true, Wallet: req.Wallet}, nil
		}
	}

	switch {
	case req.StripeSessionID != "":
		return s.settleStripe(ctx, req, ref)
	case req.Proof != nil:
		return s.settleX402(ctx, req, ref)
	case req.CreditsHoldID != "":
		return s.settleProductCredits(ctx, req, ref)
	}

	quote, err := s.GenerateQuote(ctx, req.TenantID, ref.ID, req.CouponCode)
	if err != nil {
		return nil, err
	}
	return &AuthorizationResult{Granted: false, Quote: quote}, nil
}

func (s *Service) authorizeRefund(ctx context.Context, req AuthorizeRequest, ref ResourceRef) (*AuthorizationResult, error) {
	// A missing credential is never an error anywhere in the dispatcher.
	if req.Proof == nil {
		return &AuthorizationResult{Granted: false}, nil
	}
	if s.refunds == nil {
		return nil, errcode.New(errcode.MethodDisabled, "refunds are not enabled")
	}
	refund, err := s.refunds.Authorize(ctx, req.TenantID, ref.ID, *req.Proof)
	if err != nil {
		return nil, err
	}
	sig := *refund.Signature
	network := s.settings.Network
	return &AuthorizationResult{
		Granted:    true,
		Method:     models.MethodX402,
		Wallet:     *refund.ProcessedBy,
		Settlement: &SettlementResponse{Success: true, TxHash: &sig, NetworkID: &network},
	}, nil
}

// grantedResult builds the success shape shared by all settlement paths and
// records the grant in the short-TTL cache.
func (s *Service) grantedResult(ctx context.Context, tx *models.PaymentTransaction, method string, sub *models.Subscription) *AuthorizationResult {
	if s.grants != nil && tx.Wallet != "" {
		if err := s.grants.Remember(ctx, tx.TenantID, tx.ResourceID, tx.Wallet); err != nil {
			s.logger.Warn("Grant cache write failed", zap.Error(err))
		}
	}
	sig := tx.Signature
	network := s.settings.Network
	res := &AuthorizationResult{
		Granted:    true,
		Method:     method,
		Wallet:     tx.Wallet,
		Settlement: &SettlementResponse{Success: true, TxHash: &sig, NetworkID: &network},
	}
	if sub != nil {
		res.Subscription = &SubscriptionInfo{
			ID:               sub.ID,
			Status:           sub.Status,
			CurrentPeriodEnd: sub.CurrentPeriodEnd,
		}
	}
	return res
}

// priorPayment checks the replay ledger. A signature already bound to this
// resource is an idempotent success; bound to a different resource it is a
// double-spend attempt and settles nothing.
func (s *Service) priorPayment(ctx context.Context, tenantID, signature, canonicalResource string) (*models.PaymentTransaction, error) {
	prior, err := s.store.GetPayment(ctx, tenantID, signature)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "payment lookup failed", err)
	}
	if prior == nil {
		return nil, nil
	}
	if prior.ResourceID != canonicalResource {
		util.PaymentsRejectedTotal.WithLabelValues("signature_reuse").Inc()
		return nil, errcode.New(errcode.Conflict, "payment signature already used for another resource")
	}
	return prior, nil
}

// commitPayment writes the durable payment record with bounded retries and
// exponential backoff. Exhausting the retries after a verified transfer is
// the one state the engine cannot hide: funds moved with no record, so the
// failure is logged loudly and surfaced so the client retries with the same
// proof.
func (s *Service) commitPayment(ctx context.Context, tx *models.PaymentTransaction) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < s.settings.CommitRetries; attempt++ {
		if attempt > 0 {
			util.SettlementCommitRetries.Inc()
			select {
			case <-ctx.Done():
				return false, errcode.Wrap(errcode.Internal, "settlement interrupted", ctx.Err())
			case <-time.After(s.settings.CommitBackoff << (attempt - 1)):
			}
		}
		inserted, err := s.store.TryRecordPayment(ctx, tx)
		if err == nil {
			if !inserted {
				// A concurrent writer may have bound the signature elsewhere
				// between the replay pre-check and this insert.
				prior, gerr := s.store.GetPayment(ctx, tx.TenantID, tx.Signature)
				if gerr == nil && prior != nil && prior.ResourceID != tx.ResourceID {
					return false, errcode.New(errcode.Conflict, "payment signature already used for another resource")
				}
			}
			return inserted, nil
		}
		lastErr = err
	}
	util.SettlementCommitFailures.Inc()
	s.logger.Error("CRITICAL: verified payment has no durable record",
		zap.String("tenant_id", tx.TenantID),
		zap.String("signature", tx.Signature),
		zap.String("resource_id", tx.ResourceID),
		zap.Error(lastErr))
	return false, errcode.Wrap(errcode.Internal, "payment verified but not recorded; retry with the same proof", lastErr)
}

// verify runs the on-chain verifier and maps its typed failures onto the
// error taxonomy.
func (s *Service) verify(ctx context.Context, proof x402.PaymentProof, req x402.Requirement) (*x402.VerificationResult, error) {
	start := time.Now()
	result, err := s.verifier.Verify(ctx, proof, req)
	util.VerificationLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		return result, nil
	}

	reason := "verification_failed"
	msg := "payment verification failed"
	switch {
	case errors.Is(err, x402.ErrAmountMismatch):
		reason, msg = "amount_mismatch", "payment amount does not cover the required price"
	case errors.Is(err, x402.ErrInvalidRecipient):
		reason, msg = "invalid_recipient", "payment was not sent to the expected account"
	case errors.Is(err, x402.ErrTransactionFailed):
		reason, msg = "transaction_failed", "transaction is not confirmed on chain"
	}
	util.PaymentsRejectedTotal.WithLabelValues(reason).Inc()
	return nil, errcode.Wrap(errcode.VerificationFailed, msg, err)
}

func (s *Service) checkProof(proof *x402.PaymentProof) error {
	if !s.settings.X402Enabled || s.verifier == nil {
		return errcode.New(errcode.MethodDisabled, "on-chain payments are disabled")
	}
	if !x402.ValidSignatureFormat(proof.Signature) {
		util.PaymentsRejectedTotal.WithLabelValues("malformed_signature").Inc()
		return errcode.New(errcode.Validation, "malformed payment signature")
	}
	// A proof must name the network it settled on; an empty network is a
	// reject, never a wildcard.
	if proof.Network == "" || !strings.EqualFold(proof.Network, s.settings.Network) {
		util.PaymentsRejectedTotal.WithLabelValues("wrong_network").Inc()
		return errcode.New(errcode.Validation, "payment proof must name the configured network")
	}
	return nil
}

// publishSettlement emits the event, runs the bounded callback and bumps the
// settlement counters. Everything here is best-effort; the payment is already
// durable.
func (s *Service) publishSettlement(ctx context.Context, tx *models.PaymentTransaction, method string, startedAt time.Time) {
	util.PaymentsSettledTotal.WithLabelValues(method).Inc()
	util.SettlementLatency.WithLabelValues(method).Observe(time.Since(startedAt).Seconds())

	ev := &models.PaymentSucceededEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentSucceeded,
			TenantID:  tx.TenantID,
			Timestamp: time.Now().UTC(),
		},
		ResourceID:   tx.ResourceID,
		Signature:    tx.Signature,
		Wallet:       tx.Wallet,
		Method:       method,
		AtomicAmount: tx.Amount.Atomic,
		AssetCode:    tx.Amount.Asset.Code,
		Metadata:     tx.Metadata,
	}
	if s.notifier != nil {
		s.notifier.PaymentSucceeded(ctx, ev)
	}
	s.runCallback(ev)
}

func (s *Service) runCallback(ev *models.PaymentSucceededEvent) {
	if s.callback == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), s.settings.CallbackTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.callback(cctx, ev)
	}()
	select {
	case <-done:
	case <-cctx.Done():
		s.logger.Warn("Settlement callback exceeded its deadline",
			zap.String("event_id", ev.EventID),
			zap.Duration("timeout", s.settings.CallbackTimeout))
	}
}

// incrementCouponUsage bumps the global counter for each consumed coupon with
// a few retries, then the per-customer counter. Failures are logged, never
// propagated; the payment already settled.
func (s *Service) incrementCouponUsage(ctx context.Context, tenantID string, codes []string, customer string) {
	for _, code := range codes {
		var ok bool
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			ok, err = s.store.TryIncrementCouponUsage(ctx, tenantID, code)
			if err == nil {
				break
			}
			time.Sleep(50 * time.Millisecond << attempt)
		}
		if err != nil {
			s.logger.Error("Coupon usage increment failed",
				zap.String("tenant_id", tenantID),
				zap.String("code", code),
				zap.Error(err))
			continue
		}
		if !ok {
			s.logger.Warn("Coupon usage limit crossed at settlement",
				zap.String("tenant_id", tenantID),
				zap.String("code", code))
		}
		if customer != "" {
			if err := s.store.IncrementCustomerCouponUsage(ctx, tenantID, code, customer); err != nil {
				s.logger.Error("Per-customer coupon counter failed",
					zap.String("code", code), zap.Error(err))
			}
		}
	}
}

// discountedPrice resolves the final on-chain price for a single product:
// auto-applied catalog and checkout coupons plus one optional manual code,
// stacked under the configured rounding mode. Returns the price and the
// consumed coupon codes.
func (s *Service) discountedPrice(ctx context.Context, tenantID string, product *models.Product, base money.Money, couponCode, customer, method string) (money.Money, []string, error) {
	now := time.Now().UTC()
	auto, err := s.store.ListAutoApplyCoupons(ctx, tenantID)
	if err != nil {
		return money.Money{}, nil, errcode.Wrap(errcode.Internal, "coupon lookup failed", err)
	}
	ix := coupons.NewAutoApplyIndex(auto, now, method)

	seen := make(map[string]bool)
	var applicable []coupons.Coupon
	add := func(cs []coupons.Coupon) {
		for _, c := range cs {
			if !seen[c.Code] {
				seen[c.Code] = true
				applicable = append(applicable, c)
			}
		}
	}
	add(ix.ForItem(product.ID, product.CategoryIDs))
	add(ix.CheckoutLevel())

	if couponCode != "" {
		manual, err := s.manualCoupon(ctx, tenantID, couponCode, base, customer, method, now)
		if err != nil {
			return money.Money{}, nil, err
		}
		add([]coupons.Coupon{*manual})
	}

	price, err := coupons.Stack(base, applicable, s.settings.Rounding)
	if err != nil {
		return money.Money{}, nil, errcode.Wrap(errcode.Internal, "price computation failed", err)
	}
	codes := make([]string, 0, len(applicable))
	for _, c := range applicable {
		codes = append(codes, c.Code)
	}
	return price, codes, nil
}

// manualCoupon validates an explicitly supplied code against the current
// subtotal and customer.
func (s *Service) manualCoupon(ctx context.Context, tenantID, code string, subtotal money.Money, customer, method string, now time.Time) (*coupons.Coupon, error) {
	c, err := s.store.GetCoupon(ctx, tenantID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.Validation, "unknown coupon code")
		}
		return nil, errcode.Wrap(errcode.Internal, "coupon lookup failed", err)
	}
	if !c.Eligible(now, method) {
		return nil, errcode.New(errcode.Validation, "coupon is not currently redeemable")
	}
	if !c.MeetsMinimum(subtotal) {
		return nil, errcode.New(errcode.Validation, "order does not meet the coupon minimum")
	}
	if customer != "" && c.PerCustomerLimit != nil {
		used, err := s.store.GetCustomerCouponUsage(ctx, tenantID, code, customer)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, "coupon usage lookup failed", err)
		}
		if used >= *c.PerCustomerLimit {
			return nil, errcode.New(errcode.Validation, "coupon already used the maximum number of times")
		}
	}
	return c, nil
}

func (s *Service) recipientFor(product *models.Product) string {
	if product.RecipientTokenAccount != "" {
		return product.RecipientTokenAccount
	}
	return s.settings.RecipientTokenAccount
}
