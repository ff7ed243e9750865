// Package metrics registers the orchestration counters/histograms named
// in SPEC_FULL.md's Ambient Stack section, exposed on /metrics via
// promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_jobs_processed_total",
		Help: "Jobs processed, by queue and terminal status.",
	}, []string{"queue", "status"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_handler_duration_seconds",
		Help:    "Handler execution duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue", "handler"})

	WebhookDeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_webhook_delivery_attempts_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	FlowCompletionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_flow_completion_latency_seconds",
		Help:    "Time from flow creation to terminal status.",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_queue_depth",
		Help: "Current job count per queue and state.",
	}, []string{"queue", "state"})
)
