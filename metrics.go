package cocol

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus instrumentation optionally attached to a channel
// via [ChannelConfig.Metrics] or [WithMetrics]. It mirrors the instrumentation
// style of estuary-flow's consumer/shard runtime - counters for discrete
// events, gauges for current depth - registered against a caller-supplied
// [prometheus.Registerer] rather than the global default registry, so
// multiple independent channel sets can be instrumented without collisions.
type Metrics struct {
	commits    *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	overflows  *prometheus.CounterVec
	retirement *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewMetrics creates and registers a Metrics instance against reg. Panics
// if registration fails (e.g. duplicate registration), matching this
// package's eager-validation-at-construction convention.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cocol",
			Name:      "commits_total",
			Help:      "Number of committed rendezvous transfers, by channel.",
		}, []string{"channel"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cocol",
			Name:      "timeouts_total",
			Help:      "Number of operations failed with a deadline timeout, by channel.",
		}, []string{"channel"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cocol",
			Name:      "overflow_evictions_total",
			Help:      "Number of operations failed or evicted due to queue overflow, by channel and side.",
		}, []string{"channel", "side"}),
		retirement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cocol",
			Name:      "retirements_total",
			Help:      "Number of channels that reached the Retired state.",
		}, []string{"channel"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cocol",
			Name:      "queue_depth",
			Help:      "Current pending reader/writer queue length, by channel and side.",
		}, []string{"channel", "side"}),
	}
	reg.MustRegister(m.commits, m.timeouts, m.overflows, m.retirement, m.queueDepth)
	return m
}

func (m *Metrics) observeCommit(channel string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeTimeout(channel string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeOverflow(channel, side string) {
	if m == nil {
		return
	}
	m.overflows.WithLabelValues(channel, side).Inc()
}

func (m *Metrics) observeRetirement(channel string) {
	if m == nil {
		return
	}
	m.retirement.WithLabelValues(channel).Inc()
}

func (m *Metrics) setQueueDepth(channel, side string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel, side).Set(float64(n))
}
