package businessflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Send requests partitioned by acceptance outcome
	sendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_send_requests_total",
			Help: "Total number of send requests by outcome",
		},
		[]string{"outcome"},
	)

	// Provider attempts partitioned by channel and result
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of provider send attempts",
		},
		[]string{"channel", "result"},
	)

	dispatchAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_attempt_duration_seconds",
			Help:    "Provider send attempt latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Charged amount per channel in balance points
	dispatchChargedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_charged_points_total",
			Help: "Total balance points charged for sent messages",
		},
		[]string{"channel"},
	)

	// Sent messages whose debit could not be recorded and need manual reconciliation
	dispatchChargeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_charge_failures_total",
			Help: "Sent messages whose account debit failed",
		},
		[]string{"channel"},
	)

	reconcileUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_status_updates_total",
			Help: "Provider status signals by source and result",
		},
		[]string{"source", "result"},
	)

	staleMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_stale_messages_total",
			Help: "Messages forced to failed after waiting too long for provider confirmation",
		},
	)

	providerBalanceGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_balance",
			Help: "Last reported provider balance",
		},
		[]string{"channel", "currency"},
	)
)
