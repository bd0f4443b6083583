// Package metrics registers the Prometheus instruments exposed at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsReceived counts alerts received on the signals routes.
	SignalsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsieve_signals_received_total",
		Help: "Alerts received in signals batches.",
	})

	// SignalsFiltered counts alerts dropped by the filter engine.
	SignalsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsieve_signals_filtered_total",
		Help: "Alerts filtered before forwarding.",
	})

	// SignalsForwarded counts alerts forwarded to CAPI.
	SignalsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsieve_signals_forwarded_total",
		Help: "Alerts forwarded to CAPI.",
	})

	// ForwardErrors counts failed CAPI forwarding attempts.
	ForwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdsieve_forward_errors_total",
		Help: "Signals batches that failed to reach CAPI.",
	})

	// AnalyzerRuns counts analyzer runs by terminal status.
	AnalyzerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsieve_analyzer_runs_total",
		Help: "Analyzer runs by status.",
	}, []string{"analyzer", "status"})

	// AnalyzerDetections counts detections emitted by analyzers.
	AnalyzerDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsieve_analyzer_detections_total",
		Help: "Detections emitted by analyzers.",
	}, []string{"analyzer"})

	// ValidatorLookups counts client-validation lookups by tier.
	ValidatorLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdsieve_validator_lookups_total",
		Help: "Client validation lookups by result tier.",
	}, []string{"tier"})
)
