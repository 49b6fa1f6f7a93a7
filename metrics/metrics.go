// Package metrics exposes run execution counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/pulse/retry"
)

const namespace = "docpulse"

// Metrics records coordinator and quota events. It satisfies
// coordinator.Recorder and quota.Observer.
type Metrics struct {
	ItemsTotal          *prometheus.CounterVec
	StageCallsTotal     *prometheus.CounterVec
	StageLatency        *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	QuotaGrantedTotal   prometheus.Counter
	QuotaThrottledTotal prometheus.Counter
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// ItemsTotal tracks finished items per outcome
		ItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Total number of items finished, by outcome",
			},
			[]string{"outcome"},
		),
		// StageCallsTotal tracks executor calls per stage and result
		StageCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_calls_total",
				Help:      "Total number of stage executor calls",
			},
			[]string{"stage", "result"},
		),
		StageLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_latency_seconds",
				Help:      "Stage executor call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of scheduled retries",
			},
			[]string{"stage", "classification"},
		),
		QuotaGrantedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_granted_tokens_total",
			Help:      "Total number of quota tokens granted",
		}),
		QuotaThrottledTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_throttled_total",
			Help:      "Total number of refused or delayed quota requests",
		}),
	}
}

// ItemFinished implements coordinator.Recorder
func (m *Metrics) ItemFinished(outcome coordinator.Outcome) {
	m.ItemsTotal.WithLabelValues(string(outcome)).Inc()
}

// StageCall implements coordinator.Recorder
func (m *Metrics) StageCall(stage string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageCallsTotal.WithLabelValues(stage, result).Inc()
	m.StageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RetryScheduled implements coordinator.Recorder
func (m *Metrics) RetryScheduled(stage string, kind retry.Kind) {
	m.RetriesTotal.WithLabelValues(stage, string(kind)).Inc()
}

// QuotaGranted implements quota.Observer
func (m *Metrics) QuotaGranted(tokens int) {
	m.QuotaGrantedTotal.Add(float64(tokens))
}

// QuotaThrottled implements quota.Observer
func (m *Metrics) QuotaThrottled() {
	m.QuotaThrottledTotal.Inc()
}
