// Package metrics provides Prometheus metrics for the response cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier and result label values
const (
	TierDurable = "durable"
	TierMemory  = "memory"

	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Recorder is what the cache engine reports to.
type Recorder interface {
	Lookup(tier, result string)
	Write(tier string)
	DurableFailure(op string)
	DurableDuration(op string, d time.Duration)
	Expired(tier string, n int)
}

// Metrics holds all Prometheus metrics for the cache.
type Metrics struct {
	LookupsTotal         *prometheus.CounterVec
	WritesTotal          *prometheus.CounterVec
	DurableFailuresTotal *prometheus.CounterVec
	DurableOpDuration    *prometheus.HistogramVec
	ExpiredTotal         *prometheus.CounterVec
}

// New creates metrics under namespace and registers them on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Cache writes by the tier that accepted them",
		}, []string{"tier"}),
		DurableFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_failures_total",
			Help:      "Durable backend operations that failed and fell back to memory",
		}, []string{"op"}),
		DurableOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "durable_op_duration_seconds",
			Help:      "Durable backend operation latency by op",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		ExpiredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_purged_total",
			Help:      "Expired entries physically removed by the expiry worker",
		}, []string{"tier"}),
	}
}

func (m *Metrics) Lookup(tier, result string) {
	m.LookupsTotal.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) Write(tier string) {
	m.WritesTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) DurableFailure(op string) {
	m.DurableFailuresTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) DurableDuration(op string, d time.Duration) {
	m.DurableOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) Expired(tier string, n int) {
	if n > 0 {
		m.ExpiredTotal.WithLabelValues(tier).Add(float64(n))
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) Lookup(string, string)                 {}
func (Noop) Write(string)                          {}
func (Noop) DurableFailure(string)                 {}
func (Noop) DurableDuration(string, time.Duration) {}
func (Noop) Expired(string, int)                   {}
