// Package metrics declares the in-process prometheus counters and
// gauges the orchestrator exposes for launches, shutdowns, bootstraps,
// and cleanup reclamation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	VMLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castra_vm_launches_total",
			Help: "Total VM launch attempts by outcome",
		},
		[]string{"outcome"},
	)

	VMsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "castra_vms_running",
			Help: "Number of VMs currently classified as running",
		},
	)

	ShutdownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castra_shutdowns_total",
			Help: "Total VM shutdowns by outcome (Graceful, Forced)",
		},
		[]string{"outcome"},
	)

	BootstrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castra_bootstraps_total",
			Help: "Total bootstrap attempts by status (Success, NoOp, Skipped, Failed)",
		},
		[]string{"status"},
	)

	BootstrapDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castra_bootstrap_duration_seconds",
			Help:    "Bootstrap pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupReclaimedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castra_cleanup_reclaimed_bytes_total",
			Help: "Total bytes reclaimed by cleanup operations",
		},
	)

	BrokerHandshakesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "castra_broker_handshakes_total",
			Help: "Total accepted broker handshakes",
		},
	)

	VMResidentBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castra_vm_resident_bytes",
			Help: "Last-sampled resident memory of a VM's qemu process, when detailed status was requested",
		},
		[]string{"vm"},
	)
)

// Registry is a private registry holding only castra's own collectors,
// so a host process embedding this module never collides with its own
// global prometheus.DefaultRegisterer.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		VMLaunchesTotal,
		VMsRunning,
		ShutdownsTotal,
		BootstrapsTotal,
		BootstrapDurationSeconds,
		CleanupReclaimedBytesTotal,
		BrokerHandshakesTotal,
		VMResidentBytes,
	)
}
