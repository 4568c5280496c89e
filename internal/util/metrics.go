package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_received_total",
		Help: "Total number of webhook events received",
	}, []string{"type"})

	WebhookEventsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_events_processed_total",
		Help: "Total number of webhook events fully processed",
	})

	WebhookEventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_events_duplicate_total",
		Help: "Total number of webhook events already processed on arrival",
	})

	WebhookEventsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_failed_total",
		Help: "Total number of webhook events that failed processing",
	}, []string{"reason"})

	WebhookEventsDeadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_events_dead_lettered_total",
		Help: "Total number of webhook events that exhausted their retry budget",
	})

	WebhookSignatureFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Total number of webhook deliveries rejected for bad signatures",
	})

	OrdersFulfilledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_fulfilled_total",
		Help: "Total number of orders fulfilled from payment events",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of orders marked refunded",
	})

	EntitlementsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "entitlements_granted_total",
		Help: "Total number of entitlements granted or reactivated",
	})

	EntitlementsRevokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitlements_revoked_total",
		Help: "Total number of entitlements revoked",
	}, []string{"reason"})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of per-event fulfillment transactions",
		Buckets: prometheus.DefBuckets,
	})

	AccessTokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "access_tokens_issued_total",
		Help: "Total number of access tokens issued",
	})

	AccessGrantsServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "access_grants_served_total",
		Help: "Total number of download manifests served",
	})

	AccessDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_denied_total",
		Help: "Total number of access link requests denied",
	}, []string{"reason"})

	EmailsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emails_dispatched_total",
		Help: "Total number of emails handed to the dispatcher",
	})

	EmailsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emails_failed_total",
		Help: "Total number of email dispatch failures (swallowed)",
	})

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
