package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts provider webhook requests by event type and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "haulscan",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementChecksTotal counts entitlement checks by outcome
	// (allowed, denied, unlimited, fail_open).
	EntitlementChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "ledger",
		Name:      "entitlement_checks_total",
		Help:      "Entitlement checks by outcome.",
	}, []string{"outcome"})

	// ScansRecordedTotal counts scan recording attempts by action kind and outcome
	// (recorded, duplicate, failed).
	ScansRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "ledger",
		Name:      "scans_recorded_total",
		Help:      "Scan recording attempts by action kind and outcome.",
	}, []string{"action_kind", "outcome"})

	// CreditsGrantedTotal sums granted bonus credits by source (purchase, admin).
	CreditsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "ledger",
		Name:      "credits_granted_total",
		Help:      "Bonus scan credits granted by source.",
	}, []string{"source"})

	// IdentityMergesTotal counts device-to-user merges by outcome.
	IdentityMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "identity",
		Name:      "merges_total",
		Help:      "Device to user identity merges by outcome.",
	}, []string{"outcome"})

	// RateLimitedTotal counts client requests rejected with 429.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "haulscan",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Client requests rejected by the per-principal rate limiter.",
	})

	// WebsocketClients tracks connected entitlement notification clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "haulscan",
		Subsystem: "notify",
		Name:      "websocket_clients",
		Help:      "Connected entitlement notification websocket clients.",
	})
)
