// Package metrics holds the Prometheus collectors of the control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "slotctl"
)

var (
	// MigrationsTotal counts finished migration jobs
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Total number of finished migration jobs",
		},
		[]string{"outcome"}, // succeeded/noop/failed/rolled_back
	)

	// MigrationDuration measures job latency from lock to finish
	MigrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Migration job latency in seconds",
			Buckets:   []float64{.01, .1, .5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"outcome"},
	)

	// CommitRetries counts slot map commit attempts beyond the first
	CommitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Total number of retried slot map commits",
		},
	)

	// CommitFailures counts commits that failed after all retries
	CommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_failures_total",
			Help:      "Total number of slot map commits that needed operator repair",
		},
	)

	// LockedRanges tracks currently locked slot ranges
	LockedRanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locked_ranges",
			Help:      "Number of slot ranges held by running jobs",
		},
	)

	// ProbeFailures counts failed TCP probes
	ProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Total number of failed reachability probes",
		},
		[]string{"kind"}, // node/proxy/health
	)

	// NodeHealthy reports 1 for a healthy node address and 0 otherwise
	NodeHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_healthy",
			Help:      "Health of each node address as seen by the monitor",
		},
		[]string{"addr"},
	)

	// SlotMapVersion tracks the committed slot map version
	SlotMapVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_map_version",
			Help:      "Version of the committed slot map",
		},
	)

	// SlotsOwned tracks slots per node
	SlotsOwned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_owned",
			Help:      "Number of slots owned by each node",
		},
		[]string{"node"},
	)
)

// RecordMigration records a finished job
func RecordMigration(outcome string, duration time.Duration) {
	MigrationsTotal.WithLabelValues(outcome).Inc()
	MigrationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordProbeFailure records a failed probe of the given kind
func RecordProbeFailure(kind string) {
	ProbeFailures.WithLabelValues(kind).Inc()
}

// SetNodeHealth records the health of one address
func SetNodeHealth(addr string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	NodeHealthy.WithLabelValues(addr).Set(v)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
