package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/liamcoop/bottlerules/internal/logger"
)

// Metrics provides observability for disposition decisions.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Decisions by action and the rule that fired
	Dispositions *prometheus.CounterVec

	// Single-bottle evaluation latency
	EvaluateLatency prometheus.Histogram

	// Bottles per processed batch
	BatchSize prometheus.Histogram

	// Airlines with a compiled policy
	PoliciesLoaded prometheus.Gauge
}

// New registers the service metrics with reg.
// HTTP error counters maintained by the logger are exported alongside.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "bottlerules_http_5xx_total",
		Help: "HTTP responses with a 5xx status",
	}, func() float64 { return float64(logger.Total5xxErrors.Load()) })

	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "bottlerules_http_4xx_total",
		Help: "HTTP responses with a 4xx status",
	}, func() float64 { return float64(logger.Total4xxErrors.Load()) })

	return &Metrics{
		Dispositions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bottlerules_dispositions_total",
			Help: "Bottle dispositions by action and rule",
		}, []string{"action", "rule"}),

		EvaluateLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bottlerules_evaluate_duration_seconds",
			Help:    "Duration of a single bottle evaluation",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bottlerules_batch_size",
			Help:    "Number of bottles per processed batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		PoliciesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bottlerules_policies_loaded",
			Help: "Number of airlines with a compiled policy",
		}),
	}
}

// IncrementDisposition records one decision
func (m *Metrics) IncrementDisposition(action, rule string) {
	if m != nil {
		m.Dispositions.WithLabelValues(action, rule).Inc()
	}
}

// ObserveEvaluateLatency records the duration of one evaluation
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// ObserveBatchSize records the size of a processed batch
func (m *Metrics) ObserveBatchSize(n int) {
	if m != nil {
		m.BatchSize.Observe(float64(n))
	}
}

// SetPoliciesLoaded sets the number of compiled airline policies
func (m *Metrics) SetPoliciesLoaded(n int) {
	if m != nil {
		m.PoliciesLoaded.Set(float64(n))
	}
}
