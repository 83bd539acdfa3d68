package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "junction"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync Metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for an integration sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"provider", "integration"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions.",
	}, []string{"provider", "integration", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"provider", "integration"})

	SyncResourcesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_resources_total",
		Help:      "Records pulled by the most recent sync, per resource type.",
	}, []string{"provider", "integration", "resource"})

	// Connection Metrics
	ConnectionTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_tests_total",
		Help:      "Count of connection health probes.",
	}, []string{"provider", "status"})

	CredentialRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_rotations_total",
		Help:      "Count of credential re-encryption attempts.",
	}, []string{"status"})

	// Webhook Metrics
	WebhooksInboundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_inbound_total",
		Help:      "Count of inbound webhook requests by verification outcome.",
	}, []string{"provider", "status"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Count of outbound webhook delivery attempts.",
	}, []string{"status"})

	// OAuth Metrics
	OAuthCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oauth_callbacks_total",
		Help:      "Count of OAuth callback completions by outcome.",
	}, []string{"provider", "status"})
)
