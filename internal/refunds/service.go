// Package refunds implements the refund side of the payment engine: quote
// creation with a cumulative cap, server-initiated on-chain refund transfers,
// proof-based finalization, denial, and the review queue for card refunds.
package refunds

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
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

// Notifier publishes refund events. Delivery failures are the
// implementation's problem; the refund is already final.
type Notifier interface {
	RefundSucceeded(ctx context.Context, ev *models.RefundSucceededEvent)
}

// Sender executes an on-chain refund transfer from a server wallet and
// returns the transfer signature.
type Sender interface {
	SendRefund(ctx context.Context, tenantID string, refund *models.RefundQuote) (string, error)
}

// Settings is the refund engine's static configuration.
type Settings struct {
	Asset   money.Asset
	Network string
	// ServerWallets may originate refund transfers. Empty disables refund
	// authorization entirely; it never means "allow anyone".
	ServerWallets []string
	QuoteTTL      time.Duration
	// LockTTL bounds how long idle per-purchase lock entries are retained.
	LockTTL time.Duration
}

// Service is the refund engine.
type Service struct {
	store    store.Store
	verifier x402.Verifier
	sender   Sender
	notifier Notifier
	settings Settings
	locks    *keyLock
	logger   *zap.Logger
}

// NewService creates the refund engine. Verifier gates proof-based
// finalization, sender gates server-initiated transfers; either may be nil.
func NewService(st store.Store, verifier x402.Verifier, sender Sender, notifier Notifier, settings Settings) *Service {
	return &Service{
		store:    st,
		verifier: verifier,
		sender:   sender,
		notifier: notifier,
		settings: settings,
		locks:    newKeyLock(settings.LockTTL),
		logger:   util.GetLogger(),
	}
}

// CreateRefundRequest opens a refund quote against an original purchase. The
// per-purchase lock serializes the cumulative-cap check: approved refunds and
// unexpired pending quotes both consume refundable remainder, so concurrent
// requests cannot jointly exceed the original amount.
func (s *Service) CreateRefundRequest(ctx context.Context, tenantID, originalPurchaseID string, amountAtomic int64, recipientWallet, reason string) (*models.RefundQuote, error) {
	ctx, span := util.StartSpan(ctx, "Refunds.CreateRefundRequest")
	defer span.End()
	util.SpanTenant(span, tenantID)

	if amountAtomic <= 0 {
		return nil, errcode.New(errcode.Validation, "refund amount must be positive")
	}
	if strings.HasPrefix(originalPurchaseID, "stripe:") {
		return nil, errcode.New(errcode.Validation, "card purchases are refunded through the card refund queue")
	}

	unlock := s.locks.Lock(tenantID + "/" + originalPurchaseID)
	defer unlock()

	original, err := s.store.GetPayment(ctx, tenantID, originalPurchaseID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "purchase lookup failed", err)
	}
	if original == nil {
		return nil, errcode.New(errcode.NotFound, "unknown purchase")
	}

	now := time.Now().UTC()
	consumed, err := s.consumedAmount(ctx, tenantID, originalPurchaseID, now)
	if err != nil {
		return nil, err
	}
	if amountAtomic > original.Amount.Atomic-consumed {
		return nil, errcode.New(errcode.Validation, "refund exceeds the refundable remainder")
	}

	if recipientWallet == "" {
		recipientWallet = original.Wallet
	}
	quote := &models.RefundQuote{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		OriginalPurchaseID: originalPurchaseID,
		RecipientWallet:    recipientWallet,
		Amount:             money.New(original.Amount.Asset, amountAtomic),
		Reason:             reason,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.settings.QuoteTTL),
	}
	if err := s.store.CreateRefundQuote(ctx, quote); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund quote could not be saved", err)
	}
	return quote, nil
}

// consumedAmount sums prior refunds that count against the original purchase.
func (s *Service) consumedAmount(ctx context.Context, tenantID, originalPurchaseID string, now time.Time) (int64, error) {
	prior, err := s.store.ListRefundsByPurchase(ctx, tenantID, originalPurchaseID)
	if err != nil {
		return 0, errcode.Wrap(errcode.Internal, "refund history lookup failed", err)
	}
	var sum int64
	for _, r := range prior {
		if r.CountsTowardCumulative(now) {
			sum += r.Amount.Atomic
		}
	}
	return sum, nil
}

// ProcessRefund executes an approved refund from a server wallet. The
// processing marker is persisted before the transfer is sent: a crash after
// the send leaves a marked-but-unfinalized row for reconciliation instead of
// an invisible double payout on retry.
func (s *Service) ProcessRefund(ctx context.Context, tenantID, refundID, processedBy string) (*models.RefundQuote, error) {
	ctx, span := util.StartSpan(ctx, "Refunds.ProcessRefund")
	defer span.End()

	if s.sender == nil {
		return nil, errcode.New(errcode.MethodDisabled, "refund transfers are not enabled")
	}
	if !s.serverWalletAuthorized(processedBy) {
		return nil, errcode.New(errcode.VerificationFailed, "wallet is not authorized to process refunds")
	}

	unlock := s.locks.Lock(tenantID + "/refund/" + refundID)
	defer unlock()

	refund, err := s.loadOpenRefund(ctx, tenantID, refundID)
	if err != nil {
		return nil, err
	}
	if refund.ProcessedBy != nil {
		return nil, errcode.New(errcode.Conflict, "refund is already being processed")
	}

	refund.ProcessedBy = &processedBy
	if err := s.store.UpdateRefundQuote(ctx, refund); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund marker could not be saved", err)
	}

	signature, err := s.sender.SendRefund(ctx, tenantID, refund)
	if err != nil {
		// Marker stays: reconciliation decides whether funds moved.
		s.logger.Error("Refund transfer failed after marking",
			zap.String("tenant_id", tenantID),
			zap.String("refund_id", refundID),
			zap.Error(err))
		return nil, errcode.Wrap(errcode.Internal, "refund transfer failed; quote is held for reconciliation", err)
	}
	return s.finalize(ctx, refund, processedBy, signature)
}

// Authorize finalizes a refund from proof of an already-sent transfer. Only
// configured server wallets may present such proofs; the allowlist check is
// constant-time and an empty allowlist fails closed.
func (s *Service) Authorize(ctx context.Context, tenantID, refundID string, proof x402.PaymentProof) (*models.RefundQuote, error) {
	ctx, span := util.StartSpan(ctx, "Refunds.Authorize")
	defer span.End()

	if s.verifier == nil {
		return nil, errcode.New(errcode.MethodDisabled, "refund authorization is not enabled")
	}
	if !x402.ValidSignatureFormat(proof.Signature) {
		return nil, errcode.New(errcode.Validation, "malformed refund signature")
	}
	if proof.Network == "" || !strings.EqualFold(proof.Network, s.settings.Network) {
		return nil, errcode.New(errcode.Validation, "refund proof must name the configured network")
	}
	if !s.serverWalletAuthorized(proof.Payer) {
		return nil, errcode.New(errcode.VerificationFailed, "wallet is not authorized to process refunds")
	}

	unlock := s.locks.Lock(tenantID + "/refund/" + refundID)
	defer unlock()

	refund, err := s.store.GetRefundQuote(ctx, tenantID, refundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown refund")
		}
		return nil, errcode.Wrap(errcode.Internal, "refund lookup failed", err)
	}
	if refund.Finalized() {
		if refund.Approved() && *refund.Signature == proof.Signature {
			return refund, nil
		}
		return nil, errcode.New(errcode.Conflict, "refund has already been finalized")
	}
	if time.Now().UTC().After(refund.ExpiresAt) {
		return nil, errcode.New(errcode.Validation, "refund quote has expired")
	}

	result, err := s.verifier.Verify(ctx, proof, x402.Requirement{
		ResourceID:            "refund_" + refund.ID,
		AtomicAmount:          refund.Amount.Atomic,
		Exact:                 true,
		RecipientTokenAccount: refund.RecipientWallet,
		Network:               s.settings.Network,
		Decimals:              s.settings.Asset.Decimals,
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.VerificationFailed, "refund transfer verification failed", err)
	}
	if result.Amount != refund.Amount.Atomic {
		return nil, errcode.New(errcode.VerificationFailed, "refund amount does not equal the quoted amount")
	}
	return s.finalize(ctx, refund, proof.Payer, proof.Signature)
}

// finalize stamps the refund and claims the transfer signature in the shared
// replay ledger so one outbound transfer can never close two refunds.
func (s *Service) finalize(ctx context.Context, refund *models.RefundQuote, processedBy, signature string) (*models.RefundQuote, error) {
	inserted, err := s.store.TryRecordPayment(ctx, &models.PaymentTransaction{
		Signature:  signature,
		TenantID:   refund.TenantID,
		ResourceID: "refund_" + refund.ID,
		Wallet:     processedBy,
		Amount:     refund.Amount,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund record could not be written", err)
	}
	if !inserted {
		prior, gerr := s.store.GetPayment(ctx, refund.TenantID, signature)
		if gerr != nil || prior == nil || prior.ResourceID != "refund_"+refund.ID {
			return nil, errcode.New(errcode.Conflict, "transfer signature already used for another refund")
		}
	}

	now := time.Now().UTC()
	refund.ProcessedBy = &processedBy
	refund.ProcessedAt = &now
	refund.Signature = &signature
	if err := s.store.UpdateRefundQuote(ctx, refund); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund finalization could not be saved", err)
	}

	util.RefundsProcessedTotal.Inc()
	if s.notifier != nil {
		s.notifier.RefundSucceeded(ctx, &models.RefundSucceededEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeRefundSucceeded,
				TenantID:  refund.TenantID,
				Timestamp: now,
			},
			RefundID:           refund.ID,
			OriginalPurchaseID: refund.OriginalPurchaseID,
			RecipientWallet:    refund.RecipientWallet,
			Signature:          signature,
			AtomicAmount:       refund.Amount.Atomic,
			AssetCode:          refund.Amount.Asset.Code,
		})
	}
	return refund, nil
}

// DenyRefund finalizes a refund without a transfer. Denied quotes stop
// counting against the refundable remainder immediately.
func (s *Service) DenyRefund(ctx context.Context, tenantID, refundID, deniedBy string) (*models.RefundQuote, error) {
	ctx, span := util.StartSpan(ctx, "Refunds.DenyRefund")
	defer span.End()

	unlock := s.locks.Lock(tenantID + "/refund/" + refundID)
	defer unlock()

	refund, err := s.loadOpenRefund(ctx, tenantID, refundID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	refund.ProcessedBy = &deniedBy
	refund.ProcessedAt = &now
	refund.Signature = nil
	if err := s.store.UpdateRefundQuote(ctx, refund); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund denial could not be saved", err)
	}
	util.RefundsDeniedTotal.Inc()
	return refund, nil
}

// GetRefund returns one refund quote.
func (s *Service) GetRefund(ctx context.Context, tenantID, refundID string) (*models.RefundQuote, error) {
	refund, err := s.store.GetRefundQuote(ctx, tenantID, refundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown refund")
		}
		return nil, errcode.Wrap(errcode.Internal, "refund lookup failed", err)
	}
	return refund, nil
}

// CreateStripeRefundRequest queues a card refund for admin review. One
// request per original purchase; the actual refund runs through the card
// gateway's own tooling.
func (s *Service) CreateStripeRefundRequest(ctx context.Context, tenantID, originalPurchaseID string, amountAtomic int64, reason string) (*models.StripeRefundRequest, error) {
	ctx, span := util.StartSpan(ctx, "Refunds.CreateStripeRefundRequest")
	defer span.End()

	if !strings.HasPrefix(originalPurchaseID, "stripe:") {
		return nil, errcode.New(errcode.Validation, "not a card purchase")
	}
	original, err := s.store.GetPayment(ctx, tenantID, originalPurchaseID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "purchase lookup failed", err)
	}
	if original == nil {
		return nil, errcode.New(errcode.NotFound, "unknown purchase")
	}
	if amountAtomic <= 0 || amountAtomic > original.Amount.Atomic {
		return nil, errcode.New(errcode.Validation, "refund amount must be positive and within the purchase amount")
	}

	req := &models.StripeRefundRequest{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		OriginalPurchaseID: originalPurchaseID,
		Amount:             money.New(original.Amount.Asset, amountAtomic),
		Reason:             reason,
		Status:             models.StripeRefundPending,
		CreatedAt:          time.Now().UTC(),
	}
	created, err := s.store.CreateStripeRefundRequest(ctx, req)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "refund request could not be saved", err)
	}
	if !created {
		return nil, errcode.New(errcode.Conflict, "a refund request already exists for this purchase")
	}
	return req, nil
}

func (s *Service) loadOpenRefund(ctx context.Context, tenantID, refundID string) (*models.RefundQuote, error) {
	refund, err := s.store.GetRefundQuote(ctx, tenantID, refundID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown refund")
		}
		return nil, errcode.Wrap(errcode.Internal, "refund lookup failed", err)
	}
	if refund.Finalized() {
		return nil, errcode.New(errcode.Conflict, "refund has already been finalized")
	}
	if time.Now().UTC().After(refund.ExpiresAt) {
		return nil, errcode.New(errcode.Validation, "refund quote has expired")
	}
	return refund, nil
}

// serverWalletAuthorized checks the allowlist in constant time per entry so
// timing does not leak which configured wallet a guess got close to. An empty
// allowlist authorizes nothing.
func (s *Service) serverWalletAuthorized(wallet string) bool {
	if wallet == "" {
		return false
	}
	authorized := false
	for _, w := range s.settings.ServerWallets {
		if len(w) == len(wallet) && subtle.ConstantTimeCompare([]byte(w), []byte(wallet)) == 1 {
			authorized = true
		}
	}
	return authorized
}
