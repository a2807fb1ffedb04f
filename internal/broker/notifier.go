package broker

import (
	"context"

	"go.uber.org/zap"

	"paywall-service/internal/models"
	"paywall-service/internal/util"
)

// EventPublisher publishes domain events for downstream consumers such as
// fulfillment and accounting. Publishing is best effort: settlement state is
// already durable in the store before any event is emitted, so a broker
// failure is logged and never propagated to the caller.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{
		producer: producer,
		logger:   util.GetLogger(),
	}
}

// PaymentSucceeded publishes a payment.succeeded event keyed by resource so
// consumers see settlements for one resource in order.
func (ep *EventPublisher) PaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) {
	if err := ep.producer.PublishEvent(ctx, "payment-"+event.ResourceID, event); err != nil {
		ep.logger.Error("failed to publish payment event",
			zap.String("event_id", event.EventID),
			zap.String("resource_id", event.ResourceID),
			zap.Error(err))
	}
}

// RefundSucceeded publishes a refund.succeeded event.
func (ep *EventPublisher) RefundSucceeded(ctx context.Context, event *models.RefundSucceededEvent) {
	if err := ep.producer.PublishEvent(ctx, "refund-"+event.RefundID, event); err != nil {
		ep.logger.Error("failed to publish refund event",
			zap.String("event_id", event.EventID),
			zap.String("refund_id", event.RefundID),
			zap.Error(err))
	}
}

// SubscriptionChanged publishes a subscription lifecycle event keyed by
// subscription so consumers see transitions in order.
func (ep *EventPublisher) SubscriptionChanged(ctx context.Context, event *models.SubscriptionEvent) {
	if err := ep.producer.PublishEvent(ctx, "subscription-"+event.SubscriptionID, event); err != nil {
		ep.logger.Error("failed to publish subscription event",
			zap.String("event_id", event.EventID),
			zap.String("subscription_id", event.SubscriptionID),
			zap.Error(err))
	}
}
