// Package subscriptions implements recurring access grants: enrollment and
// renewal from settled payments, access checks with a grace window for
// locally-billed methods, lifecycle transitions, and the overdue sweep.
package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paywall-service/internal/errcode"
	"paywall-service/internal/models"
	"paywall-service/internal/store"
	"paywall-service/internal/util"
)

// Notifier publishes subscription lifecycle events.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, ev *models.SubscriptionEvent)
}

// Settings is the subscription engine's static configuration.
type Settings struct {
	// Grace extends access past the period end for x402 and credits
	// subscriptions, whose renewals arrive as client-initiated payments.
	// Stripe renewals are webhook-confirmed and get no grace.
	Grace           time.Duration
	ExpiryBatchSize int
	// NotifyConcurrency bounds the expiry sweep's notification fan-out.
	NotifyConcurrency int
}

// Service is the subscription engine.
type Service struct {
	store    store.Store
	notifier Notifier
	settings Settings
	logger   *zap.Logger
}

// NewService creates the subscription engine.
func NewService(st store.Store, notifier Notifier, settings Settings) *Service {
	if settings.ExpiryBatchSize <= 0 {
		settings.ExpiryBatchSize = 100
	}
	if settings.NotifyConcurrency <= 0 {
		settings.NotifyConcurrency = 8
	}
	return &Service{
		store:    st,
		notifier: notifier,
		settings: settings,
		logger:   util.GetLogger(),
	}
}

// RecordPayment enrolls or renews a subscription from a settled payment.
// Idempotent two ways: a signature already bound to a subscription returns
// that subscription unchanged, and a payment for an already-running
// subscription extends the existing row instead of creating a sibling. An
// unlapsed subscription extends from its period end (paying early never
// shortens coverage); a lapsed one restarts from now.
func (s *Service) RecordPayment(ctx context.Context, tenantID string, product *models.Product, tx *models.PaymentTransaction, method string) (*models.Subscription, error) {
	ctx, span := util.StartSpan(ctx, "Subscriptions.RecordPayment")
	defer span.End()

	plan := product.Subscription
	if plan == nil {
		return nil, errcode.New(errcode.Validation, "product has no billing plan")
	}

	existing, err := s.store.GetSubscriptionBySignature(ctx, tenantID, tx.Signature)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription lookup failed", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	current, err := s.store.GetActiveSubscriptionForWalletProduct(ctx, tenantID, tx.Wallet, product.ID)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription lookup failed", err)
	}
	if current != nil {
		return s.renew(ctx, current, plan, tx, method, now)
	}
	return s.enroll(ctx, tenantID, product, plan, tx, method, now)
}

func (s *Service) enroll(ctx context.Context, tenantID string, product *models.Product, plan *models.SubscriptionPlan, tx *models.PaymentTransaction, method string, now time.Time) (*models.Subscription, error) {
	periodEnd, err := AddPeriod(now, plan.BillingPeriod, plan.BillingInterval)
	if err != nil {
		return nil, errcode.Wrap(errcode.Validation, "invalid billing plan", err)
	}
	sig := tx.Signature
	sub := &models.Subscription{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		Wallet:             tx.Wallet,
		UserID:             tx.UserID,
		ProductID:          product.ID,
		PaymentMethod:      method,
		Status:             models.SubscriptionActive,
		BillingPeriod:      plan.BillingPeriod,
		BillingInterval:    plan.BillingInterval,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
		PaymentSignature:   &sig,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = models.SubscriptionTrialing
		sub.TrialEnd = &trialEnd
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription could not be created", err)
	}
	s.publish(ctx, sub, models.EventTypeSubscriptionCreated)
	return sub, nil
}

func (s *Service) renew(ctx context.Context, sub *models.Subscription, plan *models.SubscriptionPlan, tx *models.PaymentTransaction, method string, now time.Time) (*models.Subscription, error) {
	base := sub.CurrentPeriodEnd
	if base.Before(now) {
		// Lapsed: the new period starts now, not from the old boundary.
		base = now
		sub.CurrentPeriodStart = now
	}
	periodEnd, err := AddPeriod(base, plan.BillingPeriod, plan.BillingInterval)
	if err != nil {
		return nil, errcode.Wrap(errcode.Validation, "invalid billing plan", err)
	}
	sig := tx.Signature
	sub.CurrentPeriodEnd = periodEnd
	sub.Status = models.SubscriptionActive
	sub.PaymentMethod = method
	sub.PaymentSignature = &sig
	sub.CancelAtPeriodEnd = false
	sub.CancelledAt = nil
	sub.UpdatedAt = now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription renewal could not be saved", err)
	}
	s.publish(ctx, sub, models.EventTypeSubscriptionRenewed)
	return sub, nil
}

// HasAccess reports whether a wallet currently has subscription access to a
// product. Grace applies only to active subscriptions on locally-billed
// methods: x402 and credits renewals arrive as client-initiated payments, so
// access survives the period end for the grace window. Stripe renewals are
// confirmed out of band and get no grace, and neither do trialing, past-due
// or cancelled subscriptions.
func (s *Service) HasAccess(ctx context.Context, tenantID, wallet, productID string) (*models.Subscription, bool, error) {
	sub, err := s.store.GetActiveSubscriptionForWalletProduct(ctx, tenantID, wallet, productID)
	if err != nil {
		return nil, false, errcode.Wrap(errcode.Internal, "subscription lookup failed", err)
	}
	if sub == nil {
		return nil, false, nil
	}
	now := time.Now().UTC()
	switch sub.Status {
	case models.SubscriptionActive:
		deadline := sub.CurrentPeriodEnd
		if localMethod(sub.PaymentMethod) {
			deadline = deadline.Add(s.settings.Grace)
		}
		return sub, now.Before(deadline), nil
	case models.SubscriptionTrialing:
		deadline := sub.CurrentPeriodEnd
		if sub.TrialEnd != nil {
			deadline = *sub.TrialEnd
		}
		return sub, now.Before(deadline), nil
	case models.SubscriptionPastDue, models.SubscriptionCancelled:
		// Paid through the period; no grace beyond it.
		return sub, now.Before(sub.CurrentPeriodEnd), nil
	default:
		return sub, false, nil
	}
}

// Cancel ends a subscription, either at the period boundary (access continues
// until then) or immediately.
func (s *Service) Cancel(ctx context.Context, tenantID, subscriptionID string, atPeriodEnd bool) (*models.Subscription, error) {
	ctx, span := util.StartSpan(ctx, "Subscriptions.Cancel")
	defer span.End()

	sub, err := s.load(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionCancelled || sub.Status == models.SubscriptionExpired {
		return nil, errcode.New(errcode.Conflict, "subscription is already ended")
	}
	now := time.Now().UTC()
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = models.SubscriptionCancelled
		sub.CancelledAt = &now
	}
	sub.UpdatedAt = now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription cancellation could not be saved", err)
	}
	s.publish(ctx, sub, models.EventTypeSubscriptionCancelled)
	return sub, nil
}

// Reactivate undoes a pending cancellation before the period lapses.
func (s *Service) Reactivate(ctx context.Context, tenantID, subscriptionID string) (*models.Subscription, error) {
	ctx, span := util.StartSpan(ctx, "Subscriptions.Reactivate")
	defer span.End()

	sub, err := s.load(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if now.After(sub.CurrentPeriodEnd) {
		return nil, errcode.New(errcode.Conflict, "subscription period has already ended")
	}
	switch {
	case sub.CancelAtPeriodEnd:
		sub.CancelAtPeriodEnd = false
	case sub.Status == models.SubscriptionCancelled:
		sub.Status = models.SubscriptionActive
		sub.CancelledAt = nil
	default:
		return nil, errcode.New(errcode.Conflict, "subscription is not cancelled")
	}
	sub.UpdatedAt = now
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, errcode.Wrap(errcode.Internal, "subscription reactivation could not be saved", err)
	}
	s.publish(ctx, sub, models.EventTypeSubscriptionUpdated)
	return sub, nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, tenantID, subscriptionID string) (*models.Subscription, error) {
	return s.load(ctx, tenantID, subscriptionID)
}

// ExpireOverdue sweeps locally-billed subscriptions whose period end plus
// grace is behind now, marking them expired in pages and fanning out
// notifications with bounded concurrency. Returns how many were expired.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "Subscriptions.ExpireOverdue")
	defer span.End()

	cutoff := now.Add(-s.settings.Grace)
	total := 0
	offsetID := ""
	for {
		page, err := s.store.ListOverdueSubscriptions(ctx, cutoff, s.settings.ExpiryBatchSize, offsetID)
		if err != nil {
			return total, errcode.Wrap(errcode.Internal, "overdue subscription listing failed", err)
		}
		if len(page) == 0 {
			return total, nil
		}

		ids := make([]string, len(page))
		for i, sub := range page {
			ids[i] = sub.ID
		}
		if err := s.store.BatchUpdateSubscriptionStatus(ctx, ids, models.SubscriptionExpired, now); err != nil {
			return total, errcode.Wrap(errcode.Internal, "subscription expiry update failed", err)
		}
		total += len(page)
		util.SubscriptionsExpiredTotal.Add(float64(len(page)))

		if s.notifier != nil {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(s.settings.NotifyConcurrency)
			for _, sub := range page {
				sub := sub
				sub.Status = models.SubscriptionExpired
				g.Go(func() error {
					s.publish(gctx, &sub, models.EventTypeSubscriptionCancelled)
					return nil
				})
			}
			_ = g.Wait()
		}

		offsetID = page[len(page)-1].ID
		if len(page) < s.settings.ExpiryBatchSize {
			return total, nil
		}
	}
}

func (s *Service) load(ctx context.Context, tenantID, subscriptionID string) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errcode.New(errcode.NotFound, "unknown subscription")
		}
		return nil, errcode.Wrap(errcode.Internal, "subscription lookup failed", err)
	}
	return sub, nil
}

func (s *Service) publish(ctx context.Context, sub *models.Subscription, eventType string) {
	if s.notifier == nil {
		return
	}
	s.notifier.SubscriptionChanged(ctx, &models.SubscriptionEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			TenantID:  sub.TenantID,
			Timestamp: time.Now().UTC(),
		},
		SubscriptionID:   sub.ID,
		ProductID:        sub.ProductID,
		Wallet:           sub.Wallet,
		Status:           sub.Status,
		PaymentMethod:    sub.PaymentMethod,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	})
}

func localMethod(method string) bool {
	return method == models.MethodX402 || method == models.MethodCredits
}
