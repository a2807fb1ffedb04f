package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_settled_total",
		Help: "Total number of payments settled, by method",
	}, []string{"method"})

	PaymentsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_rejected_total",
		Help: "Total number of rejected payment attempts",
	}, []string{"reason"})

	SettlementCommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commit_retries_total",
		Help: "Total number of retried payment record commits",
	})

	SettlementCommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commit_failures_total",
		Help: "Verified payments whose durable record could not be written",
	})

	QuotesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_created_total",
		Help: "Total number of quotes created, by kind",
	}, []string{"kind"})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	RefundsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_processed_total",
		Help: "Total number of refunds processed",
	})

	RefundsDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_denied_total",
		Help: "Total number of refunds denied",
	})

	SubscriptionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscriptions_expired_total",
		Help: "Total number of subscriptions expired by the overdue sweep",
	})

	VerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_verification_latency_seconds",
		Help:    "Latency of on-chain payment verification",
		Buckets: prometheus.DefBuckets,
	})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "End to end latency of settlement, by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
