package vm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pool and evaluation counters. Pass a Registerer to collect
// them; a nil Metrics on the pool disables collection.
type Metrics struct {
	Evals         *prometheus.CounterVec
	EvalDuration  *prometheus.HistogramVec
	Faults        prometheus.Counter
	InstancesLive prometheus.Gauge
}

// NewMetrics builds and registers the metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opawasm",
			Name:      "evals_total",
			Help:      "Policy evaluations by entrypoint and outcome.",
		}, []string{"entrypoint", "outcome"}),
		EvalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opawasm",
			Name:      "eval_duration_seconds",
			Help:      "Policy evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"entrypoint"}),
		Faults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "opawasm",
			Name:      "instance_faults_total",
			Help:      "Instances retired by fatal evaluation errors.",
		}),
		InstancesLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "opawasm",
			Name:      "instances_live",
			Help:      "Loaded policy instances currently pooled.",
		}),
	}
}

func (m *Metrics) observeEval(entrypoint, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Evals.WithLabelValues(entrypoint, outcome).Inc()
	m.EvalDuration.WithLabelValues(entrypoint).Observe(seconds)
}

func (m *Metrics) observeFault() {
	if m == nil {
		return
	}
	m.Faults.Inc()
}

func (m *Metrics) setLive(n int) {
	if m == nil {
		return
	}
	m.InstancesLive.Set(float64(n))
}
