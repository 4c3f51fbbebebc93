// Package metrics exposes Prometheus counters and gauges for the pick,
// quarantine, and load-publish paths: package-level collectors registered
// once into the default registry.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	PicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit_rpc",
		Subsystem: "picker",
		Name:      "picks_total",
		Help:      "Total number of subchannels selected, labeled by host.",
	}, []string{"host"})

	NoReadyEndpointTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit_rpc",
		Subsystem: "picker",
		Name:      "no_ready_endpoint_total",
		Help:      "Total number of Pick calls that found every host quarantined.",
	})

	QuarantineTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit_rpc",
		Subsystem: "quarantine",
		Name:      "transitions_total",
		Help:      "Total number of quarantine flag transitions, labeled by direction.",
	}, []string{"direction"})

	PublisherWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orbit_rpc",
		Subsystem: "publisher",
		Name:      "write_latency_seconds",
		Help:      "Latency of load-publisher writes to the coordination store.",
		Buckets:   prometheus.DefBuckets,
	})

	PublisherWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit_rpc",
		Subsystem: "publisher",
		Name:      "write_failures_total",
		Help:      "Total number of failed publisher writes to the coordination store.",
	})

	MembershipVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orbit_rpc",
		Subsystem: "membership",
		Name:      "snapshot_version",
		Help:      "Version of the most recently applied membership snapshot.",
	})
)

// Register registers every collector into the default Prometheus registry.
// Safe to call more than once; registration happens exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(PicksTotal)
		prometheus.MustRegister(NoReadyEndpointTotal)
		prometheus.MustRegister(QuarantineTransitionsTotal)
		prometheus.MustRegister(PublisherWriteLatency)
		prometheus.MustRegister(PublisherWriteFailuresTotal)
		prometheus.MustRegister(MembershipVersion)
	})
}

// RecordPick increments the pick counter for the given host key.
func RecordPick(hostKey string) {
	PicksTotal.WithLabelValues(hostKey).Inc()
}

// RecordNoReadyEndpoint increments the no-ready-endpoint counter.
func RecordNoReadyEndpoint() {
	NoReadyEndpointTotal.Inc()
}

// RecordQuarantineTransition increments the transition counter for the given
// direction ("enter" or "exit").
func RecordQuarantineTransition(entering bool) {
	direction := "exit"
	if entering {
		direction = "enter"
	}
	QuarantineTransitionsTotal.WithLabelValues(direction).Inc()
}

// ObservePublisherWrite records the duration of one publisher write attempt.
func ObservePublisherWrite(d time.Duration) {
	PublisherWriteLatency.Observe(d.Seconds())
}

// RecordPublisherWriteFailure increments the publisher write-failure counter.
func RecordPublisherWriteFailure() {
	PublisherWriteFailuresTotal.Inc()
}

// SetMembershipVersion reports the currently applied snapshot version.
func SetMembershipVersion(v uint64) {
	MembershipVersion.Set(float64(v))
}
