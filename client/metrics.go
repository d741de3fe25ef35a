package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "poolrpc"

// Metrics exports client activity to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	invokes    *prometheus.CounterVec
	reconnects *prometheus.CounterVec

	pooled  *prometheus.Desc
	pending *prometheus.Desc
	retry   *prometheus.Desc
	failed  *prometheus.Desc

	stats func() Stats
}

// NewMetrics creates the client metrics. Register them with a
// prometheus.Registerer after passing them to New via WithMetrics.
func NewMetrics() *Metrics {
	return &Metrics{
		invokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "invokes_total",
			Help:      "Invocations by service and outcome.",
		}, []string{"service", "outcome"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnects_total",
			Help:      "Background reconnect attempts by result.",
		}, []string{"result"}),
		pooled:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", "pooled_connections"), "Connected connections in the pool.", nil, nil),
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", "pending_connections"), "Connections being connected or waiting for retry.", nil, nil),
		retry:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", "retry_queue_length"), "Connections in the retry queue.", nil, nil),
		failed:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", "failed_queue_length"), "Connections in the failed queue.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.invokes.Describe(ch)
	m.reconnects.Describe(ch)
	ch <- m.pooled
	ch <- m.pending
	ch <- m.retry
	ch <- m.failed
}

// Collect implements prometheus.Collector. Pool gauges are read at scrape time.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.invokes.Collect(ch)
	m.reconnects.Collect(ch)
	if m.stats == nil {
		return
	}
	s := m.stats()
	ch <- prometheus.MustNewConstMetric(m.pooled, prometheus.GaugeValue, float64(s.Pooled))
	ch <- prometheus.MustNewConstMetric(m.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(m.retry, prometheus.GaugeValue, float64(s.Retry))
	ch <- prometheus.MustNewConstMetric(m.failed, prometheus.GaugeValue, float64(s.Failed))
}

func (m *Metrics) observeInvoke(service string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if k := KindOf(err); k != 0 {
			outcome = k.String()
		}
	}
	m.invokes.WithLabelValues(service, outcome).Inc()
}

func (m *Metrics) observeReconnect(result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result).Inc()
}
