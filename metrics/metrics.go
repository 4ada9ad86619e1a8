// Package metrics exposes the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContractTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitflow",
		Name:      "contract_transitions_total",
		Help:      "Committed contract status transitions.",
	}, []string{"from", "to"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitflow",
		Name:      "webhook_events_total",
		Help:      "Provider webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	ProviderRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "commitflow",
		Name:      "provider_request_duration_seconds",
		Help:      "Latency of payment provider calls including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitflow",
		Name:      "refunds_total",
		Help:      "Refund attempts by outcome.",
	}, []string{"outcome"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "commitflow",
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	OutboxRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commitflow",
		Name:      "outbox_messages_total",
		Help:      "Outbox messages handled by the relay.",
	}, []string{"topic", "outcome"})
)
