package reclock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects operator telemetry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	mintAttempts    prometheus.Counter
	upperMismatches prometheus.Counter
	bindingsMinted  prometheus.Counter
	bindingsRead    prometheus.Counter
	mintDuration    prometheus.Histogram
}

// NewMetrics creates the operator collectors in a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "reclock"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.mintAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mint",
		Name:      "attempts_total",
		Help:      "Compare-and-append attempts made while minting",
	})
	m.upperMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mint",
		Name:      "upper_mismatches_total",
		Help:      "Mint attempts that lost a race to a concurrent writer",
	})
	m.bindingsMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remap",
		Name:      "bindings_minted_total",
		Help:      "Bindings appended to the remap log by this process",
	})
	m.bindingsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remap",
		Name:      "bindings_read_total",
		Help:      "Bindings read back from the remap log",
	})
	m.mintDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mint",
		Name:      "duration_seconds",
		Help:      "Time taken by a mint call, including retries",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	})

	m.registry.MustRegister(
		m.mintAttempts,
		m.upperMismatches,
		m.bindingsMinted,
		m.bindingsRead,
		m.mintDuration,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) incAttempt() {
	if m != nil {
		m.mintAttempts.Inc()
	}
}

func (m *Metrics) incMismatch() {
	if m != nil {
		m.upperMismatches.Inc()
	}
}

func (m *Metrics) addMinted(n int) {
	if m != nil {
		m.bindingsMinted.Add(float64(n))
	}
}

func (m *Metrics) addRead(n int) {
	if m != nil {
		m.bindingsRead.Add(float64(n))
	}
}

func (m *Metrics) observeMint(start time.Time) {
	if m != nil {
		m.mintDuration.Observe(time.Since(start).Seconds())
	}
}
