// Package metrics defines the control plane's Prometheus instrumentation
// (spec.md expansion: run transition counters, active-run gauges, and a
// buffer access-URL issuance latency histogram), registered against the
// default registry and served by internal/api's /metrics route via
// promhttp.Handler, the same library the teacher pulls in transitively
// through its Kubernetes client stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunTransitions counts every run status transition the reader's
	// GetRun persists after resolveStatus, labeled by the resulting status.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tyger",
		Name:      "run_transitions_total",
		Help:      "Total number of run status transitions, by resulting status.",
	}, []string{"status"})

	// ActiveRuns gauges the current count of non-terminal runs, labeled
	// by status, refreshed by the sweeper's terminal reconciliation pass.
	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tyger",
		Name:      "active_runs",
		Help:      "Current number of non-terminal runs, by status.",
	}, []string{"status"})

	// AccessURLIssuanceSeconds times how long the buffer manager takes to
	// mint an access URL, from request to signed/delegated result.
	AccessURLIssuanceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tyger",
		Name:      "buffer_access_url_issuance_seconds",
		Help:      "Latency of minting a single buffer access URL.",
		Buckets:   prometheus.DefBuckets,
	})
)
