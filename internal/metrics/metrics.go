// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts handled requests by route class and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dompet",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests handled, by route class and status code.",
	}, []string{"route", "status"})

	// HTTPDuration observes request latency per route class.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dompet",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// ProviderAttempts counts individual provider call attempts (retries
	// included), by provider and operation.
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dompet",
		Subsystem: "provider",
		Name:      "attempts_total",
		Help:      "Provider call attempts, retries included.",
	}, []string{"provider", "op"})

	// ProviderFailures counts terminal provider failures by reason.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dompet",
		Subsystem: "provider",
		Name:      "failures_total",
		Help:      "Terminal provider failures after retries or breaker open.",
	}, []string{"provider", "op", "reason"})

	// ToolInvocations counts tool executions, split fresh vs replayed.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dompet",
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "Tool invocations by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// RateLimitRejections counts requests rejected by the governor.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dompet",
		Subsystem: "governor",
		Name:      "rejections_total",
		Help:      "Requests rejected by the token bucket limiter.",
	}, []string{"route"})
)
