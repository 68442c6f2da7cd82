// Package metrics exposes tracer counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opensnoop"

// Metrics are the counters maintained by a tracer.
type Metrics struct {
	// Events passed to the caller, by outcome of the open call.
	Events *prometheus.CounterVec
	// Events dropped by the criteria.
	Filtered prometheus.Counter
	// Samples the kernel dropped because a ring was full.
	LostSamples prometheus.Counter
	// Records which could not be decoded.
	DecodeErrors prometheus.Counter
	// Failed reads from a ring.
	ReadErrors prometheus.Counter
	// Open rings.
	Rings prometheus.Gauge
}

// New creates the counters and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of traced open calls, by result.",
		}, []string{"result"}),
		Filtered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_filtered_total",
			Help:      "Number of traced open calls dropped by filters.",
		}),
		LostSamples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lost_samples_total",
			Help:      "Number of samples lost because a perf ring was full.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Number of perf samples which could not be decoded.",
		}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ring_read_errors_total",
			Help:      "Number of failed reads from a perf ring.",
		}),
		Rings: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rings",
			Help:      "Number of open per CPU perf rings.",
		}),
	}
}

// Result labels of Events.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Emitted counts an event handed to the caller.
func (m *Metrics) Emitted(success bool) {
	if success {
		m.Events.WithLabelValues(ResultSuccess).Inc()
	} else {
		m.Events.WithLabelValues(ResultFailure).Inc()
	}
}
