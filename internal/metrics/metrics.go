// Package metrics provides Prometheus metrics for the routing proxy: request
// counts, latency, token usage, target health and cooldown activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "routecodex"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0,
	20.0, 30.0, 60.0, 120.0, 180.0, 300.0,
}

var (
	// RequestsTotal counts proxied requests by provider, model and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"provider", "model", "category", "status_code"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// TokensTotal counts prompt and completion tokens per target.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"provider", "model", "direction"},
	)

	// TargetHealthy exposes per-target health as a gauge (1 healthy, 0 disabled).
	TargetHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_healthy",
			Help:      "Whether a routing target is currently healthy",
		},
		[]string{"target"},
	)

	// CooldownsTotal counts cooldown windows issued per target and reason.
	CooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Total cooldown windows issued",
		},
		[]string{"target", "reason"},
	)

	// StreamEventsTotal counts client-facing stream events by protocol.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total client stream events emitted",
		},
		[]string{"protocol", "event"},
	)

	// UpstreamErrors counts classified upstream failures.
	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by kind",
		},
		[]string{"provider", "kind"},
	)
)

// RecordRequest records a proxied request outcome.
func RecordRequest(provider, model, category string, statusCode string, latency time.Duration) {
	RequestsTotal.WithLabelValues(provider, model, category, statusCode).Inc()
	RequestLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordTokens records token usage for a completed request.
func RecordTokens(provider, model string, prompt, completion int) {
	if prompt > 0 {
		TokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		TokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
}

// RecordError records a classified upstream failure.
func RecordError(provider, kind string) {
	UpstreamErrors.WithLabelValues(provider, kind).Inc()
}

// SetTargetHealth publishes a target's health state.
func SetTargetHealth(target string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	TargetHealthy.WithLabelValues(target).Set(v)
}

// RecordCooldown records a cooldown window issued for a target.
func RecordCooldown(target, reason string) {
	CooldownsTotal.WithLabelValues(target, reason).Inc()
}

// RecordStreamEvent records one emitted client stream event.
func RecordStreamEvent(protocol, event string) {
	StreamEventsTotal.WithLabelValues(protocol, event).Inc()
}
